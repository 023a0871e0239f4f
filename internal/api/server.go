// Package api serves the read-only tracking endpoints (ETA, next stop, latest
// position), the cache invalidation admin endpoints and the health check.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"bustrack/internal/db"
	"bustrack/internal/eta"
	"bustrack/internal/logger"
	"bustrack/internal/model"
	"bustrack/internal/persist"
)

type BusInfoSource interface {
	Get(ctx context.Context, busID int) (*model.CachedBusInfo, error)
}

// PositionSource returns a bus's latest position. db.ErrPositionNotFound and
// persist.ErrNoLatest mean "none here, ask the next source".
type PositionSource interface {
	LatestPosition(ctx context.Context, busID int) (*model.PositionRecord, error)
}

type Invalidator interface {
	Invalidate(busID int)
	InvalidateAll()
}

type Stats interface {
	OnlineDrivers() int
	Connections() int
	// BusOnline reports whether a driver currently holds busID.
	BusOnline(busID int) bool
}

// InvalidationObserver is told about every invalidation; busID 0 means all.
type InvalidationObserver interface {
	CacheInvalidated(source string, busID int)
}

type Deps struct {
	Cache       BusInfoSource
	Positions   []PositionSource
	Invalidator Invalidator
	Stats       Stats
	Observer    InvalidationObserver
	AdminAPIKey string
	Log         *logger.Logger
	// AccessLog enables fiber's request logger.
	AccessLog bool
}

type server struct {
	Deps
}

type errorBody struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type busEtaResponse struct {
	BusID     int           `json:"busId"`
	BusNumber string        `json:"busNumber"`
	RouteID   *int          `json:"routeId"`
	RouteName *string       `json:"routeName"`
	Online    bool          `json:"online"`
	Stops     []eta.StopEta `json:"stops"`
}

type positionResponse struct {
	BusID     int       `json:"busId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed"`
	Heading   *float64  `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds the fiber app with all routes registered.
func New(d Deps) *fiber.App {
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	s := &server{Deps: d}

	app := fiber.New(fiber.Config{
		AppName:               "bustrack",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(recover.New())
	if d.AccessLog {
		app.Use(fiberlogger.New(fiberlogger.Config{
			Format:     "${time} ${status} - ${method} ${path} (${latency})\n",
			TimeFormat: time.RFC3339,
			TimeZone:   "UTC",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Admin-Key",
		MaxAge:       86400,
	}))

	app.Get("/healthz", s.health)

	buses := app.Group("/api/buses")
	buses.Get("/:id/eta", s.busEta)
	buses.Get("/:id/nextstop", s.nextStop)
	buses.Get("/:id/position/latest", s.latestPosition)

	admin := app.Group("/api/admin", s.adminAuth)
	admin.Post("/cache/buses/:id/invalidate", s.invalidateBus)
	admin.Post("/cache/invalidate", s.invalidateAll)

	return app
}

func (s *server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	} else {
		s.Log.Error(logger.Entry{
			Action:     "http_request_failed",
			Message:    c.Method() + " " + c.Path(),
			Error:      logger.Err(err),
			Additional: map[string]any{"status": code},
		})
	}
	return c.Status(code).JSON(errorBody{Error: true, Message: msg, Code: code})
}

func (s *server) adminAuth(c *fiber.Ctx) error {
	if s.AdminAPIKey == "" {
		return fiber.NewError(fiber.StatusServiceUnavailable, "admin API disabled: no admin key configured")
	}
	key := c.Get("X-Admin-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.AdminAPIKey)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid admin key")
	}
	return c.Next()
}

func (s *server) health(c *fiber.Ctx) error {
	body := fiber.Map{"status": "ok", "onlineDrivers": 0, "connections": 0}
	if s.Stats != nil {
		body["onlineDrivers"] = s.Stats.OnlineDrivers()
		body["connections"] = s.Stats.Connections()
	}
	return c.JSON(body)
}

func busID(c *fiber.Ctx) (int, error) {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "bus id must be a positive integer")
	}
	return id, nil
}

func (s *server) loadBus(c *fiber.Ctx) (*model.CachedBusInfo, error) {
	id, err := busID(c)
	if err != nil {
		return nil, err
	}
	info, err := s.Cache.Get(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "bus not found")
	}
	return info, nil
}

// latest asks each position source in order. It returns (nil, nil) when
// every source answered "none"; if no source had a position and at least one
// failed outright, the last such failure is returned.
func (s *server) latest(ctx context.Context, busID int) (*model.PositionRecord, error) {
	var lastErr error
	for _, src := range s.Positions {
		rec, err := src.LatestPosition(ctx, busID)
		if err == nil && rec != nil {
			return rec, nil
		}
		if err != nil && !errors.Is(err, db.ErrPositionNotFound) && !errors.Is(err, persist.ErrNoLatest) {
			s.Log.Warn(logger.Entry{Action: "latest_position_lookup_failed", Message: "position source failed", BusID: busID, Error: logger.Err(err)})
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("latest position for bus %d: %w", busID, lastErr)
	}
	return nil, nil
}

func (s *server) etas(c *fiber.Ctx) (*model.CachedBusInfo, []eta.StopEta, error) {
	info, err := s.loadBus(c)
	if err != nil {
		return nil, nil, err
	}
	pos, err := s.latest(c.UserContext(), info.BusID)
	if err != nil {
		return nil, nil, err
	}
	if pos == nil || len(info.Stops) == 0 {
		return info, []eta.StopEta{}, nil
	}
	return info, eta.BuildEtas(pos.Latitude, pos.Longitude, info.Stops), nil
}

func (s *server) busEta(c *fiber.Ctx) error {
	info, stops, err := s.etas(c)
	if err != nil {
		return err
	}
	return c.JSON(busEtaResponse{
		BusID:     info.BusID,
		BusNumber: info.BusNumber,
		RouteID:   info.RouteID,
		RouteName: info.RouteName,
		Online:    s.Stats != nil && s.Stats.BusOnline(info.BusID),
		Stops:     stops,
	})
}

func (s *server) nextStop(c *fiber.Ctx) error {
	_, stops, err := s.etas(c)
	if err != nil {
		return err
	}
	next, ok := eta.NextStop(stops)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "next stop not found or bus has no route")
	}
	return c.JSON(next)
}

func (s *server) latestPosition(c *fiber.Ctx) error {
	id, err := busID(c)
	if err != nil {
		return err
	}
	pos, err := s.latest(c.UserContext(), id)
	if err != nil {
		return err
	}
	if pos == nil {
		return fiber.NewError(fiber.StatusNotFound, "no position recorded for bus")
	}
	return c.JSON(positionResponse{
		BusID:     pos.BusID,
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		Speed:     pos.Speed,
		Heading:   pos.Heading,
		Timestamp: pos.Timestamp,
	})
}

func (s *server) invalidateBus(c *fiber.Ctx) error {
	id, err := busID(c)
	if err != nil {
		return err
	}
	s.Invalidator.Invalidate(id)
	s.invalidated(id)
	return c.JSON(fiber.Map{"invalidated": id})
}

func (s *server) invalidateAll(c *fiber.Ctx) error {
	s.Invalidator.InvalidateAll()
	s.invalidated(0)
	return c.JSON(fiber.Map{"invalidated": "all"})
}

func (s *server) invalidated(busID int) {
	if s.Observer != nil {
		s.Observer.CacheInvalidated("http", busID)
	}
	s.Log.Info(logger.Entry{Action: "cache_invalidated", Message: "route cache invalidated via http", BusID: busID})
}
