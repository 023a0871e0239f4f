package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	"bustrack/internal/auth"
	"bustrack/internal/config"
	"bustrack/internal/db"
	"bustrack/internal/logger"
	"bustrack/internal/model"
	"bustrack/internal/sim"
)

func main() {
	log := logger.New("bustrack-simulator")

	cfg, err := config.LoadSimulator()
	if err != nil {
		log.Fatal(logger.Entry{Action: "config_invalid", Message: "config error", Error: logger.Err(err)})
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	token := cfg.Token
	if token == "" {
		jwtSvc := auth.NewJWTService(auth.Config{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Expiry:   24 * time.Hour,
		})
		token, err = jwtSvc.GenerateToken(cfg.DriverUserID, "simulator@bustrack.local", model.RoleDriver)
		if err != nil {
			log.Fatal(logger.Entry{Action: "token_mint_failed", Message: "could not mint driver token", Error: logger.Err(err)})
		}
	}

	opts := sim.Options{
		URL:             cfg.TrackerURL,
		Interval:        cfg.PublishInterval,
		SpeedKmh:        cfg.SpeedKmh,
		SpeedMultiplier: cfg.SpeedMultiplier,
		Loop:            cfg.Loop,
		Log:             log,
	}

	if cfg.Mode == config.SimModeSubscriber {
		runSubscriber(ctx, log, sim.NewManager(nil, opts), token, cfg.BusIDs)
		return
	}

	sqlDB := openDB(ctx, log, cfg)
	defer sqlDB.Close()

	drivers := make([]sim.Driver, 0, len(cfg.BusIDs))
	for _, id := range cfg.BusIDs {
		drivers = append(drivers, sim.Driver{BusID: id, Token: token})
	}
	mgr := sim.NewManager(db.NewStore(sqlDB), opts)
	mgr.Start(ctx, drivers)

	// Without Loop every driver finishes its route on its own.
	finished := make(chan struct{})
	go func() {
		mgr.Wait()
		close(finished)
	}()
	select {
	case <-ctx.Done():
		mgr.Stop()
	case <-finished:
	}
	log.Info(logger.Entry{Action: "shutdown_complete", Message: "simulator stopped"})
}

func openDB(ctx context.Context, log *logger.Logger, cfg *config.Simulator) *sql.DB {
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

// runSubscriber follows the given buses (or every bus when none are given)
// and logs each event until interrupted.
func runSubscriber(ctx context.Context, log *logger.Logger, mgr *sim.Manager, token string, busIDs []int) {
	if len(busIDs) == 0 {
		busIDs = []int{0}
	}
	done := make(chan struct{}, len(busIDs))
	for _, id := range busIDs {
		go func(busID int) {
			defer func() { done <- struct{}{} }()
			err := mgr.Subscribe(ctx, token, busID, func(ev sim.Envelope) {
				log.Info(logger.Entry{Action: "sim_event_received", Message: ev.Type, BusID: busID, Additional: map[string]any{"data": string(ev.Data)}})
			})
			if err != nil {
				log.Error(logger.Entry{Action: "sim_subscribe_failed", Message: "subscriber stopped", BusID: busID, Error: logger.Err(err)})
			}
		}(id)
	}
	for range busIDs {
		<-done
	}
	log.Info(logger.Entry{Action: "shutdown_complete", Message: "simulator stopped"})
}
