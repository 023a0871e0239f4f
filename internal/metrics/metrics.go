package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bustrack/internal/logger"
)

type Collector struct {
	reg *prometheus.Registry

	OnlineDrivers   prometheus.Gauge
	OpenConnections prometheus.Gauge

	Positions          prometheus.Counter
	PositionDuration   prometheus.Histogram
	Notifications      prometheus.Counter
	ClientErrors       *prometheus.CounterVec // code label
	FramesDropped      prometheus.Counter
	CacheRequests      *prometheus.CounterVec // result label: hit|miss
	CacheInvalidations *prometheus.CounterVec // scope label: bus|all, source label: nats|http

	Persisted       *prometheus.CounterVec // result label: ok|failed|dropped
	PersistDuration prometheus.Histogram

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	CacheTTL       prometheus.Gauge // seconds
	NotifyCooldown prometheus.Gauge // seconds
	NotifyRadius   prometheus.Gauge // meters
}

func NewCollector(cacheTTL, notifyCooldown time.Duration, notifyRadius float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		OnlineDrivers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_drivers_online",
			Help: "Number of buses currently claimed by a driver connection.",
		}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_connections",
			Help: "Number of open websocket connections.",
		}),
		Positions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_positions_total",
			Help: "Total GPS updates broadcast.",
		}),
		PositionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_position_duration_seconds",
			Help:    "Time to resolve, broadcast and check proximity for one GPS update.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_next_stop_notifications_total",
			Help: "Total NextStopApproaching events fired.",
		}),
		ClientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_client_errors_total",
			Help: "Errors replied to clients, by code.",
		}, []string{"code"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_frames_dropped_total",
			Help: "Outbound frames dropped because a client's send buffer was full.",
		}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_route_cache_requests_total",
			Help: "Route metadata cache lookups.",
		}, []string{"result"}),
		CacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_route_cache_invalidations_total",
			Help: "Route metadata cache invalidations.",
		}, []string{"scope", "source"}),
		Persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_positions_persisted_total",
			Help: "Background position writes.",
		}, []string{"result"}),
		PersistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_persist_duration_seconds",
			Help:    "Duration of one background position write across all sinks.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_nats_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		CacheTTL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_route_cache_ttl_seconds",
			Help: "Route metadata cache TTL in seconds.",
		}),
		NotifyCooldown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_notify_cooldown_seconds",
			Help: "Per (bus, stop) notification cooldown in seconds.",
		}),
		NotifyRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_notify_radius_meters",
			Help: "Stop proximity radius in meters.",
		}),
	}

	reg.MustRegister(
		c.OnlineDrivers, c.OpenConnections,
		c.Positions, c.PositionDuration, c.Notifications, c.ClientErrors, c.FramesDropped,
		c.CacheRequests, c.CacheInvalidations,
		c.Persisted, c.PersistDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.CacheTTL, c.NotifyCooldown, c.NotifyRadius,
	)

	c.CacheTTL.Set(cacheTTL.Seconds())
	c.NotifyCooldown.Set(notifyCooldown.Seconds())
	c.NotifyRadius.Set(notifyRadius)

	return c
}

// tracking.Metrics

func (c *Collector) PositionProcessed(d time.Duration) {
	c.Positions.Inc()
	c.PositionDuration.Observe(d.Seconds())
}
func (c *Collector) NotificationSent()       { c.Notifications.Inc() }
func (c *Collector) ClientError(code string) { c.ClientErrors.WithLabelValues(code).Inc() }
func (c *Collector) DriversOnline(n int)     { c.OnlineDrivers.Set(float64(n)) }

// hub.Metrics

func (c *Collector) FrameDropped()     { c.FramesDropped.Inc() }
func (c *Collector) Connections(n int) { c.OpenConnections.Set(float64(n)) }

// routecache.Metrics

func (c *Collector) CacheHit()  { c.CacheRequests.WithLabelValues("hit").Inc() }
func (c *Collector) CacheMiss() { c.CacheRequests.WithLabelValues("miss").Inc() }

// CacheInvalidated records an invalidation; busID 0 means all.
func (c *Collector) CacheInvalidated(source string, busID int) {
	scope := "bus"
	if busID == 0 {
		scope = "all"
	}
	c.CacheInvalidations.WithLabelValues(scope, source).Inc()
}

// persist.Metrics

func (c *Collector) PositionPersisted(d time.Duration) {
	c.Persisted.WithLabelValues("ok").Inc()
	c.PersistDuration.Observe(d.Seconds())
}
func (c *Collector) PositionPersistFailed() { c.Persisted.WithLabelValues("failed").Inc() }
func (c *Collector) PositionDropped()       { c.Persisted.WithLabelValues("dropped").Inc() }

// publisher.PublisherMetrics

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(logger.Entry{Action: "metrics_server_failed", Message: "metrics server error", Error: logger.Err(err)})
		}
	}()
	log.Info(logger.Entry{Action: "metrics_listening", Message: "metrics listening on " + addr})
	return srv
}
