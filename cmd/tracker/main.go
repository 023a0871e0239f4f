package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bustrack/internal/api"
	"bustrack/internal/auth"
	"bustrack/internal/config"
	"bustrack/internal/db"
	"bustrack/internal/hub"
	"bustrack/internal/logger"
	"bustrack/internal/metrics"
	"bustrack/internal/persist"
	"bustrack/internal/publisher"
	"bustrack/internal/registry"
	"bustrack/internal/routecache"
	"bustrack/internal/throttle"
	"bustrack/internal/tracking"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log := logger.New("bustrack-tracker")

	// Load configuration from .env, CONFIG_FILE and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(logger.Entry{Action: "config_invalid", Message: "config error", Error: logger.Err(err)})
	}
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB := openDB(ctx, log, cfg)
	defer sqlDB.Close()
	if cfg.DBMigrate {
		if err := db.Migrate(ctx, sqlDB); err != nil {
			log.Fatal(logger.Entry{Action: "db_migrate_failed", Message: "schema migration failed", Error: logger.Err(err)})
		}
		log.Info(logger.Entry{Action: "db_migrated", Message: "schema applied"})
	}
	store := db.NewStore(sqlDB)

	mcol := metrics.NewCollector(cfg.CacheTTL, cfg.NotifyCooldown, cfg.NotifyRadius)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = mcol.Serve(cfg.MetricsAddr, log)
	}

	cache := routecache.New(store, routecache.Options{TTL: cfg.CacheTTL, Size: cfg.CacheSize, Metrics: mcol})

	thr, err := throttle.New(cfg.NotifyCooldown, cfg.NotifyCleanup)
	if err != nil {
		log.Fatal(logger.Entry{Action: "config_invalid", Message: "notification throttle", Error: logger.Err(err)})
	}

	// Position sinks: Postgres always, Elasticsearch history and Redis latest when configured.
	sinks := persist.MultiSink{store}
	positions := []api.PositionSource{}
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = persist.NewRedisClient(persist.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn(logger.Entry{Action: "redis_unavailable", Message: "redis ping failed, continuing", Error: logger.Err(err)})
		}
		latest := persist.NewRedisLatest(redisClient, persist.DefaultLatestTTL)
		sinks = append(sinks, latest)
		positions = append(positions, latest)
	}
	positions = append(positions, store)
	if cfg.ElasticsearchURL != "" {
		es, err := persist.NewElasticSink(persist.ElasticConfig{
			URL:      cfg.ElasticsearchURL,
			Username: cfg.ElasticsearchUsername,
			Password: cfg.ElasticsearchPassword,
			Index:    cfg.ElasticsearchIndex,
		})
		if err != nil {
			log.Fatal(logger.Entry{Action: "elasticsearch_init_failed", Message: "elasticsearch client", Error: logger.Err(err)})
		}
		if err := es.Ping(ctx); err != nil {
			log.Warn(logger.Entry{Action: "elasticsearch_unavailable", Message: "elasticsearch ping failed, continuing", Error: logger.Err(err)})
		}
		sinks = append(sinks, es)
	}

	writer := persist.NewWriter(sinks, persist.Options{
		Workers: cfg.PersistWorkers,
		Queue:   cfg.PersistQueue,
		Timeout: cfg.PersistTimeout,
		Metrics: mcol,
		Log:     log,
	})
	writer.Start()

	// Optional NATS mirror + invalidation command channel
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, mcol, log)
		if err != nil {
			log.Fatal(logger.Entry{Action: "nats_connect_failed", Message: "nats error", Error: logger.Err(err)})
		}
		defer pub.Close()
		if _, err := pub.SubscribeInvalidations(cache); err != nil {
			log.Fatal(logger.Entry{Action: "nats_subscribe_failed", Message: "cache invalidation subscription", Error: logger.Err(err)})
		}
	}

	jwtSvc := auth.NewJWTService(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience})
	h := hub.New(hub.Options{Auth: jwtSvc.Resolve, Metrics: mcol, Log: log})

	deps := tracking.Deps{
		Registry:     registry.New(),
		Cache:        cache,
		Throttle:     thr,
		Gateway:      h,
		Persist:      writer,
		Metrics:      mcol,
		Log:          log,
		NotifyRadius: cfg.NotifyRadius,
	}
	if pub != nil {
		deps.Mirror = pub
	}
	coord := tracking.NewCoordinator(deps)
	h.SetMessageHandler(func(ctx context.Context, c *hub.Client, msgType string, data json.RawMessage) error {
		return coord.Handle(ctx, c.ID, c.Identity, msgType, data)
	})
	h.SetDisconnectHandler(func(c *hub.Client) { coord.OnDisconnect(c.ID) })

	if cfg.AdminAPIKey == "" {
		log.Warn(logger.Entry{Action: "admin_api_disabled", Message: "ADMIN_API_KEY is empty, cache invalidation endpoints will answer 503"})
	}
	app := api.New(api.Deps{
		Cache:       cache,
		Positions:   positions,
		Invalidator: cache,
		Stats:       stats{coord: coord, hub: h},
		Observer:    mcol,
		AdminAPIKey: cfg.AdminAPIKey,
		Log:         log,
		AccessLog:   logger.ParseLevel(cfg.LogLevel) <= logger.LevelDebug,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/hubs/gpstracking", h.ServeWS)
	wsSrv := &http.Server{Addr: cfg.WSAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info(logger.Entry{Action: "ws_listening", Message: "tracking channel listening on " + cfg.WSAddr})
		if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info(logger.Entry{Action: "http_listening", Message: "api listening on " + cfg.HTTPAddr})
		return app.Listen(cfg.HTTPAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		errs = append(errs, wsSrv.Shutdown(shutdownCtx))
		errs = append(errs, app.ShutdownWithContext(shutdownCtx))
		if metricsSrv != nil {
			errs = append(errs, metricsSrv.Shutdown(shutdownCtx))
		}
		// Connections are gone; flush what they queued.
		errs = append(errs, writer.Stop(shutdownCtx))
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error(logger.Entry{Action: "shutdown_error", Message: "server stopped with error", Error: logger.Err(err)})
	}
	log.Info(logger.Entry{Action: "shutdown_complete", Message: "tracker stopped"})
}

func openDB(ctx context.Context, log *logger.Logger, cfg *config.Config) *sql.DB {
	dsn := cfg.DatabaseURL
	if cfg.DatabaseName != "" {
		var err error
		dsn, err = db.WithDBName(dsn, cfg.DatabaseName)
		if err != nil {
			log.Fatal(logger.Entry{Action: "dsn_invalid", Message: "compose DSN", Error: logger.Err(err)})
		}
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		log.Fatal(logger.Entry{Action: "db_open_failed", Message: "db open error", Error: logger.Err(err)})
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatal(logger.Entry{Action: "db_ping_failed", Message: "db ping error", Error: logger.Err(err)})
	}
	log.Info(logger.Entry{Action: "db_connected", Message: "connected to " + db.Redact(dsn)})
	return sqlDB
}

// stats feeds the health endpoint.
type stats struct {
	coord *tracking.Coordinator
	hub   *hub.Hub
}

func (s stats) OnlineDrivers() int { return s.coord.OnlineDrivers() }
func (s stats) Connections() int   { return s.hub.Count() }

func (s stats) BusOnline(busID int) bool { return s.coord.BusOnline(busID) }
