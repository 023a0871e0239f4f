package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SimModeDriver     = "driver"
	SimModeSubscriber = "subscriber"
)

// Simulator configures cmd/simulator.
type Simulator struct {
	DatabaseURL  string `validate:"required_if=Mode driver"`
	DatabaseName string

	TrackerURL string `validate:"required,url"`
	Mode       string `validate:"oneof=driver subscriber"`
	// BusIDs to drive, or to follow in subscriber mode (empty = all buses).
	BusIDs []int `validate:"required_if=Mode driver,dive,gt=0"`

	// Token is sent as-is when set; otherwise one is minted with JWTSecret.
	Token        string
	JWTSecret    string `validate:"required_without=Token"`
	JWTIssuer    string
	JWTAudience  string
	DriverUserID int `validate:"gt=0"`

	PublishInterval time.Duration `validate:"gt=0s"`
	SpeedKmh        float64       `validate:"gt=0"`
	SpeedMultiplier float64       `validate:"gt=0"`
	Loop            bool
}

// LoadSimulator reads .env (if present) and the environment.
func LoadSimulator() (*Simulator, error) {
	_ = godotenv.Load()

	cfg := &Simulator{
		DatabaseURL:     databaseURLFromEnv(),
		DatabaseName:    os.Getenv("DATABASE_NAME"),
		TrackerURL:      getenvDefault("SIM_TRACKER_URL", "ws://localhost:8080/hubs/gpstracking"),
		Mode:            strings.ToLower(getenvDefault("SIM_MODE", SimModeDriver)),
		Token:           os.Getenv("SIM_TOKEN"),
		JWTSecret:       getenvDefault("JWT_SECRET", "dev_secret"),
		JWTIssuer:       os.Getenv("JWT_ISSUER"),
		JWTAudience:     os.Getenv("JWT_AUDIENCE"),
		DriverUserID:    1,
		PublishInterval: time.Second,
		SpeedKmh:        30,
		SpeedMultiplier: 1,
		Loop:            parseBool(os.Getenv("SIM_LOOP")),
	}

	ids, err := parseIDs(os.Getenv("SIM_BUS_IDS"))
	if err != nil {
		return nil, err
	}
	cfg.BusIDs = ids

	if err := setInt(&cfg.DriverUserID, "SIM_DRIVER_USER_ID", 1); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.PublishInterval, "PUBLISH_INTERVAL_MS", time.Millisecond); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"SIM_SPEED_KMH", &cfg.SpeedKmh},
		{"SPEED_MULTIPLIER", &cfg.SpeedMultiplier},
	} {
		if v := os.Getenv(f.key); v != "" {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid %s: %q", f.key, v)
			}
			*f.dst = n
		}
	}

	if err := validateStruct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseIDs parses a comma separated list of bus ids, e.g. "1, 2,5".
func parseIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid bus id %q in SIM_BUS_IDS", part)
		}
		ids = append(ids, n)
	}
	return ids, nil
}
