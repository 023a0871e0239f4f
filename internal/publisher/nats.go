package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bustrack/internal/logger"
)

const DefaultPrefix = "tracking"

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	log         *logger.Logger
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Invalidator is the route metadata cache's invalidation surface.
type Invalidator interface {
	Invalidate(busID int)
	InvalidateAll()
}

type invalidationCounter interface {
	CacheInvalidated(source string, busID int)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, log *logger.Logger) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = logger.Discard()
	}
	nc, err := nats.Connect(url,
		nats.Name("bustrack-tracker"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn(logger.Entry{Action: "nats_disconnected", Message: "nats disconnected", Error: logger.Err(err)})
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info(logger.Entry{Action: "nats_reconnected", Message: "nats reconnected"})
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info(logger.Entry{Action: "nats_closed", Message: "nats closed"})
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m, log: log}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// BusSubject is <prefix>.bus.<busId>.<event>.
func BusSubject(prefix string, busID int, event string) string {
	return fmt.Sprintf("%s.bus.%d.%s", subjectToken(prefix), busID, subjectToken(event))
}

// InvalidateSubject carries cache invalidation commands.
func InvalidateSubject(prefix string) string {
	return subjectToken(prefix) + ".cache.invalidate"
}

// Mirror republishes a broadcast event. Failures are counted and logged,
// never returned: the websocket fan-out is the primary path.
func (p *NATSPublisher) Mirror(busID int, event string, payload any) {
	subject := BusSubject(p.prefix, busID, event)
	b, err := json.Marshal(payload)
	if err != nil {
		p.log.Error(logger.Entry{Action: "nats_marshal_failed", Message: subject, BusID: busID, Error: logger.Err(err)})
		return
	}
	if p.logSubjects {
		p.log.Debug(logger.Entry{Action: "nats_publish", Message: "subject=" + subject, BusID: busID})
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		p.log.Warn(logger.Entry{Action: "nats_publish_failed", Message: subject, BusID: busID, Error: logger.Err(err)})
	}
}

// InvalidationCommand is the body of an invalidation message. An empty body,
// "all": true or a zero busId invalidate everything.
type InvalidationCommand struct {
	BusID int  `json:"busId,omitempty"`
	All   bool `json:"all,omitempty"`
}

var ErrBadCommand = errors.New("invalid cache invalidation command")

// ApplyInvalidation decodes data and applies it to inv. It returns the bus
// invalidated, or 0 for a full purge.
func ApplyInvalidation(data []byte, inv Invalidator) (int, error) {
	var cmd InvalidationCommand
	if s := strings.TrimSpace(string(data)); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cmd.BusID = n
		} else if err := json.Unmarshal(data, &cmd); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadCommand, err)
		}
	}
	if cmd.BusID < 0 {
		return 0, fmt.Errorf("%w: negative bus id", ErrBadCommand)
	}
	if cmd.All || cmd.BusID == 0 {
		inv.InvalidateAll()
		return 0, nil
	}
	inv.Invalidate(cmd.BusID)
	return cmd.BusID, nil
}

// SubscribeInvalidations applies commands published by the administrative
// side whenever buses, routes or stops change.
func (p *NATSPublisher) SubscribeInvalidations(inv Invalidator) (*nats.Subscription, error) {
	subject := InvalidateSubject(p.prefix)
	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		busID, err := ApplyInvalidation(msg.Data, inv)
		if err != nil {
			p.log.Warn(logger.Entry{Action: "cache_invalidate_rejected", Message: "bad invalidation command", Error: logger.Err(err)})
			return
		}
		if c, ok := p.metrics.(invalidationCounter); ok {
			c.CacheInvalidated("nats", busID)
		}
		p.log.Info(logger.Entry{Action: "cache_invalidated", Message: "route cache invalidated via nats", BusID: busID})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
