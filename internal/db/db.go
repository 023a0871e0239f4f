package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bustrack/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	ErrBusNotFound      = errors.New("bus not found")
	ErrPositionNotFound = errors.New("no position recorded for bus")
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Store reads bus/route/stop records and writes raw positions.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// LoadBusWithRoute returns the bus, its current route (if any) and that
// route's stops ordered by stop_order. ErrBusNotFound when the bus is absent.
func (s *Store) LoadBusWithRoute(ctx context.Context, busID int) (*model.BusSnapshot, error) {
	q := `
SELECT b.id, b.bus_number, b.is_active, b.current_route_id,
       COALESCE(NULLIF(r.name, ''), r.route_number)
FROM buses b
LEFT JOIN routes r ON r.id = b.current_route_id
WHERE b.id = $1`

	var (
		snap      model.BusSnapshot
		routeID   sql.NullInt64
		routeName sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, busID).Scan(&snap.BusID, &snap.BusNumber, &snap.IsActive, &routeID, &routeName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBusNotFound
		}
		return nil, fmt.Errorf("query bus: %w", err)
	}
	if !routeID.Valid {
		return &snap, nil
	}
	rid := int(routeID.Int64)
	snap.RouteID = &rid
	if routeName.Valid {
		name := routeName.String
		snap.RouteName = &name
	}

	stops, err := s.fetchRouteStops(ctx, rid)
	if err != nil {
		return nil, err
	}
	snap.Stops = stops
	return &snap, nil
}

func (s *Store) fetchRouteStops(ctx context.Context, routeID int) ([]model.RouteStop, error) {
	q := `
SELECT st.id, st.name, st.latitude, st.longitude, rs.stop_order
FROM route_stops rs
JOIN stops st ON st.id = rs.stop_id
WHERE rs.route_id = $1
ORDER BY rs.stop_order`

	rows, err := s.db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, fmt.Errorf("query route stops: %w", err)
	}
	defer rows.Close()

	var stops []model.RouteStop
	for rows.Next() {
		var rs model.RouteStop
		if err := rows.Scan(&rs.StopID, &rs.Name, &rs.Latitude, &rs.Longitude, &rs.Order); err != nil {
			return nil, err
		}
		stops = append(stops, rs)
	}
	return stops, rows.Err()
}

// InsertPosition appends one raw GPS sample.
func (s *Store) InsertPosition(ctx context.Context, rec model.PositionRecord) error {
	q := `
INSERT INTO bus_positions (bus_id, latitude, longitude, speed, heading, "timestamp")
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, q,
		rec.BusID, rec.Latitude, rec.Longitude,
		nullFloat(rec.Speed), nullFloat(rec.Heading), rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// LatestPosition returns the most recent stored sample for busID.
func (s *Store) LatestPosition(ctx context.Context, busID int) (*model.PositionRecord, error) {
	q := `
SELECT latitude, longitude, speed, heading, "timestamp"
FROM bus_positions
WHERE bus_id = $1
ORDER BY "timestamp" DESC
LIMIT 1`

	var (
		rec            = model.PositionRecord{BusID: busID}
		speed, heading sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, q, busID).Scan(&rec.Latitude, &rec.Longitude, &speed, &heading, &rec.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("query latest position: %w", err)
	}
	rec.Speed = floatPtr(speed)
	rec.Heading = floatPtr(heading)
	return &rec, nil
}

// Name makes Store usable as a persistence sink.
func (s *Store) Name() string { return "postgres" }

// Write implements the persistence sink contract.
func (s *Store) Write(ctx context.Context, rec model.PositionRecord) error {
	return s.InsertPosition(ctx, rec)
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
