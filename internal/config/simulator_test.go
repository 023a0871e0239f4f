package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var simKeys = []string{
	"SIM_TRACKER_URL", "SIM_MODE", "SIM_BUS_IDS", "SIM_TOKEN", "SIM_DRIVER_USER_ID",
	"SIM_SPEED_KMH", "SPEED_MULTIPLIER", "SIM_LOOP", "PUBLISH_INTERVAL_MS",
}

func clearSimEnv(t *testing.T) {
	t.Helper()
	clearEnv(t)
	for _, k := range simKeys {
		t.Setenv(k, "")
	}
}

func TestLoadSimulator_DriverDefaults(t *testing.T) {
	clearSimEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/bus")
	t.Setenv("SIM_BUS_IDS", "3, 5,8")

	cfg, err := LoadSimulator()
	require.NoError(t, err)
	assert.Equal(t, SimModeDriver, cfg.Mode)
	assert.Equal(t, []int{3, 5, 8}, cfg.BusIDs)
	assert.Equal(t, "ws://localhost:8080/hubs/gpstracking", cfg.TrackerURL)
	assert.Equal(t, time.Second, cfg.PublishInterval)
	assert.Equal(t, 30.0, cfg.SpeedKmh)
	assert.Equal(t, 1.0, cfg.SpeedMultiplier)
	assert.Equal(t, "dev_secret", cfg.JWTSecret)
	assert.False(t, cfg.Loop)
}

func TestLoadSimulator_SubscriberNeedsNoDatabase(t *testing.T) {
	clearSimEnv(t)
	t.Setenv("SIM_MODE", "Subscriber")
	t.Setenv("PUBLISH_INTERVAL_MS", "250")
	t.Setenv("SPEED_MULTIPLIER", "4")
	t.Setenv("SIM_LOOP", "true")

	cfg, err := LoadSimulator()
	require.NoError(t, err)
	assert.Equal(t, SimModeSubscriber, cfg.Mode)
	assert.Empty(t, cfg.BusIDs)
	assert.Equal(t, 250*time.Millisecond, cfg.PublishInterval)
	assert.Equal(t, 4.0, cfg.SpeedMultiplier)
	assert.True(t, cfg.Loop)
}

func TestLoadSimulator_Errors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"driver without buses", map[string]string{"DATABASE_URL": "postgres://x/y"}},
		{"driver without database", map[string]string{"SIM_BUS_IDS": "1"}},
		{"bad bus id", map[string]string{"DATABASE_URL": "postgres://x/y", "SIM_BUS_IDS": "1,x"}},
		{"unknown mode", map[string]string{"SIM_MODE": "pilot"}},
		{"bad speed", map[string]string{"SIM_MODE": "subscriber", "SIM_SPEED_KMH": "-3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearSimEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadSimulator()
			assert.Error(t, err)
		})
	}
}
