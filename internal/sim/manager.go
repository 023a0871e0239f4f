package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bustrack/internal/logger"
	"bustrack/internal/model"
	"bustrack/internal/tracking"
)

const (
	DefaultInterval = time.Second
	DefaultSpeedKmh = 30.0
	onlineTimeout   = 10 * time.Second
	writeWait       = 5 * time.Second
)

// RouteSource loads a bus and its ordered stops.
type RouteSource interface {
	LoadBusWithRoute(ctx context.Context, busID int) (*model.BusSnapshot, error)
}

// Driver is one simulated bus: the bus to claim and the token to claim it with.
type Driver struct {
	BusID int
	Token string
}

type Options struct {
	// URL of the tracking channel, e.g. ws://localhost:8080/hubs/gpstracking.
	URL             string
	Interval        time.Duration
	SpeedKmh        float64
	SpeedMultiplier float64
	// Loop restarts the route from the first stop instead of going offline at the end.
	Loop   bool
	Dialer *websocket.Dialer
	Log    *logger.Logger
}

// Envelope is an outbound frame as received by a simulated client.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Manager struct {
	routes RouteSource
	opts   Options

	mu      sync.Mutex
	running map[int]context.CancelFunc // busID -> cancel
	wg      sync.WaitGroup
}

func NewManager(routes RouteSource, opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SpeedKmh <= 0 {
		opts.SpeedKmh = DefaultSpeedKmh
	}
	if opts.SpeedMultiplier <= 0 {
		opts.SpeedMultiplier = 1
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	return &Manager{
		routes:  routes,
		opts:    opts,
		running: make(map[int]context.CancelFunc),
	}
}

// Start launches one goroutine per driver. A bus already being driven is skipped.
func (m *Manager) Start(ctx context.Context, drivers []Driver) {
	for _, d := range drivers {
		m.startDriver(ctx, d)
	}
}

func (m *Manager) startDriver(parent context.Context, d Driver) {
	m.mu.Lock()
	if _, exists := m.running[d.BusID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.running[d.BusID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.opts.Log.Info(logger.Entry{Action: "sim_driver_started", Message: "starting simulated driver", BusID: d.BusID})
	go func() {
		defer m.wg.Done()
		if err := m.RunDriver(ctx, d); err != nil {
			m.opts.Log.Error(logger.Entry{Action: "sim_driver_failed", Message: "simulated driver stopped with error", BusID: d.BusID, Error: logger.Err(err)})
		}
		m.mu.Lock()
		delete(m.running, d.BusID)
		m.mu.Unlock()
		cancel()
	}()
}

// Running is the number of drivers still on the road.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Wait blocks until every driver has finished.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	return conn, nil
}

// RunDriver claims the bus and walks its route, sending one GPS update per
// interval, until the route ends (without Loop) or ctx is cancelled.
func (m *Manager) RunDriver(ctx context.Context, d Driver) error {
	snap, err := m.routes.LoadBusWithRoute(ctx, d.BusID)
	if err != nil {
		return fmt.Errorf("load bus %d: %w", d.BusID, err)
	}
	path, err := NewPath(snap.Stops)
	if err != nil {
		return fmt.Errorf("bus %d: %w", d.BusID, err)
	}

	conn, err := m.dial(ctx, d.Token)
	if err != nil {
		return err
	}
	defer conn.Close()

	events, done := readFrames(conn)
	defer close(done)

	if err := send(conn, tracking.OpGoOnline, map[string]int{"busId": d.BusID}); err != nil {
		return err
	}
	if err := awaitOnline(ctx, events); err != nil {
		return err
	}

	log := m.opts.Log
	speedMps := m.opts.SpeedKmh / 3.6
	step := speedMps * m.opts.Interval.Seconds() * m.opts.SpeedMultiplier
	dist := 0.0

	sendPosition := func() error {
		lat, lon, heading := path.At(dist)
		return send(conn, tracking.OpSendGpsUpdate, tracking.GpsUpdate{
			Latitude:  lat,
			Longitude: lon,
			Speed:     &speedMps,
			Heading:   &heading,
		})
	}
	if err := sendPosition(); err != nil {
		return err
	}

	tick := time.NewTicker(m.opts.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			goOffline(conn)
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New("connection closed by server")
			}
			logEvent(log, d.BusID, ev)
		case <-tick.C:
			if dist >= path.Length() {
				if !m.opts.Loop {
					log.Info(logger.Entry{Action: "sim_route_finished", Message: "reached last stop", BusID: d.BusID})
					goOffline(conn)
					return nil
				}
				dist = 0
			} else {
				dist += step
			}
			if err := sendPosition(); err != nil {
				return err
			}
		}
	}
}

// Subscribe listens to one bus (busID > 0) or to all buses (busID 0) and
// hands every event to onEvent until ctx is cancelled.
func (m *Manager) Subscribe(ctx context.Context, token string, busID int, onEvent func(Envelope)) error {
	conn, err := m.dial(ctx, token)
	if err != nil {
		return err
	}
	defer conn.Close()

	events, done := readFrames(conn)
	defer close(done)

	if busID > 0 {
		err = send(conn, tracking.OpSubscribeToBus, map[string]int{"busId": busID})
	} else {
		err = send(conn, tracking.OpSubscribeToAllBuses, struct{}{})
	}
	if err != nil {
		return err
	}
	m.opts.Log.Info(logger.Entry{Action: "sim_subscribed", Message: "listening for bus events", BusID: busID})

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New("connection closed by server")
			}
			onEvent(ev)
		}
	}
}

func send(conn *websocket.Conn, op string, data any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame{Type: op, Data: data}); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	return nil
}

func goOffline(conn *websocket.Conn) {
	_ = send(conn, tracking.OpGoOffline, struct{}{})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// readFrames pumps inbound frames into a channel that is closed when the
// connection fails. Closing done releases the pump if nobody is reading.
func readFrames(conn *websocket.Conn) (<-chan Envelope, chan struct{}) {
	events := make(chan Envelope, 16)
	done := make(chan struct{})
	go func() {
		defer close(events)
		for {
			var ev Envelope
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()
	return events, done
}

func awaitOnline(ctx context.Context, events <-chan Envelope) error {
	timer := time.NewTimer(onlineTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New("timed out waiting for OnlineSucceeded")
		case ev, ok := <-events:
			if !ok {
				return errors.New("connection closed before going online")
			}
			switch ev.Type {
			case tracking.EventOnlineSucceeded:
				return nil
			case tracking.EventError:
				var e tracking.Error
				_ = json.Unmarshal(ev.Data, &e)
				return fmt.Errorf("go online rejected: %s: %s", e.Code, e.Message)
			}
		}
	}
}

func logEvent(log *logger.Logger, busID int, ev Envelope) {
	switch ev.Type {
	case tracking.EventError:
		var e tracking.Error
		_ = json.Unmarshal(ev.Data, &e)
		log.Warn(logger.Entry{Action: "sim_server_error", Message: e.Message, BusID: busID, Additional: map[string]any{"code": e.Code}})
	case tracking.EventNextStopApproaching:
		log.Info(logger.Entry{Action: "sim_next_stop", Message: string(ev.Data), BusID: busID})
	default:
		log.Debug(logger.Entry{Action: "sim_event", Message: ev.Type, BusID: busID})
	}
}
