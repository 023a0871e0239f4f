// Package tracking runs the per-connection tracking state machine: driver
// claims, position ingestion and fan-out, and stop proximity notifications.
package tracking

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"bustrack/internal/eta"
	"bustrack/internal/geo"
	"bustrack/internal/logger"
	"bustrack/internal/model"
	"bustrack/internal/registry"
)

const DefaultNotifyRadiusMeters = 100.0

// Gateway delivers events to connections and groups. Delivery is best effort.
type Gateway interface {
	Join(connID, group string)
	Leave(connID, group string)
	Publish(group, event string, payload any)
	Send(connID, event string, payload any)
}

// BusInfoSource resolves a bus to its cached route metadata; nil means gone.
type BusInfoSource interface {
	Get(ctx context.Context, busID int) (*model.CachedBusInfo, error)
}

type Throttler interface {
	ShouldNotify(busID, stopID int, now time.Time) bool
}

// Submitter hands a position to background persistence without blocking.
type Submitter interface {
	Submit(rec model.PositionRecord) error
}

// Mirror republishes bus events outside the process. Optional.
type Mirror interface {
	Mirror(busID int, event string, payload any)
}

// Metrics is optional.
type Metrics interface {
	PositionProcessed(d time.Duration)
	NotificationSent()
	ClientError(code string)
	DriversOnline(n int)
}

type Deps struct {
	Registry     *registry.Registry
	Cache        BusInfoSource
	Throttle     Throttler
	Gateway      Gateway
	Persist      Submitter
	Mirror       Mirror
	Metrics      Metrics
	Log          *logger.Logger
	Now          func() time.Time
	NotifyRadius float64
}

type Coordinator struct {
	reg      *registry.Registry
	cache    BusInfoSource
	throttle Throttler
	gw       Gateway
	persist  Submitter
	mirror   Mirror
	metrics  Metrics
	log      *logger.Logger
	now      func() time.Time
	radius   float64
	validate *validator.Validate
}

func NewCoordinator(d Deps) *Coordinator {
	if d.Registry == nil {
		d.Registry = registry.New()
	}
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NotifyRadius <= 0 {
		d.NotifyRadius = DefaultNotifyRadiusMeters
	}
	return &Coordinator{
		reg:      d.Registry,
		cache:    d.Cache,
		throttle: d.Throttle,
		gw:       d.Gateway,
		persist:  d.Persist,
		mirror:   d.Mirror,
		metrics:  d.Metrics,
		log:      d.Log,
		now:      d.Now,
		radius:   d.NotifyRadius,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// OnlineDrivers is the number of buses currently claimed.
func (c *Coordinator) OnlineDrivers() int { return c.reg.Count() }

// BusOnline reports whether some connection is currently driving busID.
func (c *Coordinator) BusOnline(busID int) bool {
	_, ok := c.reg.ConnectionFor(busID)
	return ok
}

// GoOnline claims busID for the connection and joins the bus's own group.
func (c *Coordinator) GoOnline(connID string, id model.Identity, busID int) {
	if !id.Role.CanDrive() {
		c.log.Warn(logger.Entry{
			Action:       "go_online_rejected",
			Message:      "non-driver attempted to go online",
			BusID:        busID,
			ConnectionID: connID,
			Additional:   map[string]any{"user_id": id.UserID, "role": id.Role.String()},
		})
		c.replyError(connID, errNotDriver())
		return
	}

	res := c.reg.Claim(connID, busID)
	switch res.Outcome {
	case registry.AlreadyClaimedByOther:
		c.log.Warn(logger.Entry{
			Action:       "bus_already_claimed",
			Message:      "bus is claimed by another connection",
			BusID:        busID,
			ConnectionID: connID,
			Additional:   map[string]any{"holder": res.Holder, "user_id": id.UserID},
		})
		c.replyError(connID, errAlreadyClaimed(busID))
		return
	case registry.Claimed:
		if res.Released != nil {
			c.gw.Leave(connID, BusGroup(*res.Released))
		}
		c.gw.Join(connID, BusGroup(busID))
		c.log.Info(logger.Entry{
			Action:       "driver_online",
			Message:      "driver went online",
			BusID:        busID,
			ConnectionID: connID,
			Additional:   map[string]any{"user_id": id.UserID},
		})
		c.reportDrivers()
	}
	c.gw.Send(connID, EventOnlineSucceeded, OnlineSucceeded{Success: true, BusID: busID})
}

// GoOffline drops the connection's claim, if any, and confirms.
func (c *Coordinator) GoOffline(connID string) {
	if busID, ok := c.reg.Release(connID); ok {
		c.gw.Leave(connID, BusGroup(busID))
		c.log.Info(logger.Entry{
			Action:       "driver_offline",
			Message:      "driver went offline",
			BusID:        busID,
			ConnectionID: connID,
		})
		c.reportDrivers()
	}
	c.gw.Send(connID, EventOfflineSucceeded, OfflineSucceeded{})
}

// OnDisconnect releases any claim held by a closed connection.
func (c *Coordinator) OnDisconnect(connID string) {
	busID, ok := c.reg.Release(connID)
	if !ok {
		return
	}
	c.log.Info(logger.Entry{
		Action:       "driver_disconnected",
		Message:      "driver connection closed, bus released",
		BusID:        busID,
		ConnectionID: connID,
	})
	c.reportDrivers()
}

// SendPositionUpdate ingests one GPS sample from an online driver.
func (c *Coordinator) SendPositionUpdate(ctx context.Context, connID string, u GpsUpdate) {
	start := time.Now()
	busID, ok := c.reg.BusClaimedBy(connID)
	if !ok {
		c.log.Warn(logger.Entry{
			Action:       "gps_update_offline",
			Message:      "GPS update from connection without a claimed bus",
			ConnectionID: connID,
		})
		c.replyError(connID, errNotOnline())
		return
	}

	if err := c.validate.Struct(u); err != nil {
		c.replyError(connID, errInvalid("invalid GPS update: "+err.Error()))
		return
	}

	info, err := c.cache.Get(ctx, busID)
	if err != nil {
		c.log.Error(logger.Entry{
			Action:       "bus_lookup_failed",
			Message:      "could not resolve bus metadata",
			BusID:        busID,
			ConnectionID: connID,
			Error:        logger.Err(err),
		})
		c.replyError(connID, errInternal())
		return
	}
	if info == nil {
		c.replyError(connID, errBusNotFound())
		return
	}

	now := c.now().UTC()
	update := BusPositionUpdated{
		BusID:     info.BusID,
		BusNumber: info.BusNumber,
		RouteID:   info.RouteID,
		RouteName: info.RouteName,
		Latitude:  u.Latitude,
		Longitude: u.Longitude,
		Speed:     u.Speed,
		Heading:   u.Heading,
		Timestamp: now,
	}

	c.submit(model.PositionRecord{
		BusID: busID,
		Position: model.Position{
			Latitude:  u.Latitude,
			Longitude: u.Longitude,
			Speed:     u.Speed,
			Heading:   u.Heading,
			Timestamp: now,
		},
	})

	c.broadcast(busID, EventBusPositionUpdated, update)

	if len(info.Stops) > 0 {
		if n := c.approaching(info, u.Latitude, u.Longitude, now); n != nil {
			c.broadcast(busID, EventNextStopApproaching, *n)
			if c.metrics != nil {
				c.metrics.NotificationSent()
			}
			c.log.Info(logger.Entry{
				Action:  "next_stop_notified",
				Message: "next stop notification sent",
				BusID:   busID,
				Additional: map[string]any{
					"stop_id":   n.StopID,
					"stop_name": n.StopName,
					"distance":  n.DistanceMeters,
				},
			})
		}
	}

	if c.metrics != nil {
		c.metrics.PositionProcessed(time.Since(start))
	}
	c.log.Debug(logger.Entry{
		Action:       "gps_update_processed",
		Message:      "GPS update processed",
		BusID:        busID,
		ConnectionID: connID,
		Additional:   map[string]any{"lat": u.Latitude, "lon": u.Longitude},
	})
}

// approaching returns the first stop, in route order, that lies within the
// notify radius and passes the throttle. At most one fires per update.
func (c *Coordinator) approaching(info *model.CachedBusInfo, lat, lon float64, now time.Time) *NextStopApproaching {
	for _, stop := range info.Stops {
		d := geo.DistanceMeters(lat, lon, stop.Latitude, stop.Longitude)
		if d > c.radius {
			continue
		}
		if !c.throttle.ShouldNotify(info.BusID, stop.StopID, now) {
			continue
		}
		return &NextStopApproaching{
			BusID:            info.BusID,
			BusNumber:        info.BusNumber,
			StopID:           stop.StopID,
			StopName:         stop.Name,
			EstimatedSeconds: eta.EstimateSeconds(d),
			DistanceMeters:   d,
		}
	}
	return nil
}

func (c *Coordinator) SubscribeToBus(connID string, busID int) {
	c.gw.Join(connID, SubscribersBusGroup(busID))
	c.log.Info(logger.Entry{Action: "subscribed_bus", Message: "client subscribed to bus", BusID: busID, ConnectionID: connID})
}

func (c *Coordinator) UnsubscribeFromBus(connID string, busID int) {
	c.gw.Leave(connID, SubscribersBusGroup(busID))
	c.log.Info(logger.Entry{Action: "unsubscribed_bus", Message: "client unsubscribed from bus", BusID: busID, ConnectionID: connID})
}

func (c *Coordinator) SubscribeToAll(connID string) {
	c.gw.Join(connID, GroupSubscribersAll)
	c.log.Info(logger.Entry{Action: "subscribed_all", Message: "client subscribed to all buses", ConnectionID: connID})
}

func (c *Coordinator) UnsubscribeFromAll(connID string) {
	c.gw.Leave(connID, GroupSubscribersAll)
	c.log.Info(logger.Entry{Action: "unsubscribed_all", Message: "client unsubscribed from all buses", ConnectionID: connID})
}

func (c *Coordinator) broadcast(busID int, event string, payload any) {
	c.gw.Publish(SubscribersBusGroup(busID), event, payload)
	c.gw.Publish(GroupSubscribersAll, event, payload)
	if c.mirror != nil {
		c.mirror.Mirror(busID, event, payload)
	}
}

func (c *Coordinator) submit(rec model.PositionRecord) {
	if c.persist == nil {
		return
	}
	if err := c.persist.Submit(rec); err != nil {
		c.log.Warn(logger.Entry{
			Action:  "position_submit_failed",
			Message: "position not queued for persistence",
			BusID:   rec.BusID,
			Error:   logger.Err(err),
		})
	}
}

func (c *Coordinator) replyError(connID string, e *Error) {
	if c.metrics != nil {
		c.metrics.ClientError(string(e.Code))
	}
	c.gw.Send(connID, EventError, e)
}

func (c *Coordinator) reportDrivers() {
	if c.metrics != nil {
		c.metrics.DriversOnline(c.reg.Count())
	}
}
