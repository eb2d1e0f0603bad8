package config

import (
	"testing"
	"time"

	"farmcore/internal/accrual"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"PORT", "FARMCORE_API_ADDR", "DATABASE_URL", "FARMCORE_SQLITE_PATH", "FARMCORE_OBSERVER_TOKEN",
	"FARMCORE_TICK_EVERY", "FARMCORE_PERIOD", "FARMCORE_ACCRUAL_MODE", "FARMCORE_MAX_PERIODS_CAP",
	"FARMCORE_TICK_BUDGET", "FARMCORE_LEASE_TTL", "FARMCORE_LEASE_BACKEND", "REDIS_ADDR",
	"REDIS_PASSWORD", "FARMCORE_WORKER_RUN_ONCE", "FARMCORE_FARMING_DAILY_RATE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("FARMCORE_SQLITE_PATH", "farmcore.db")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 5*time.Minute, cfg.TickEvery)
	assert.Equal(t, 5*time.Minute, cfg.Period)
	assert.Equal(t, accrual.ModeInterval, cfg.AccrualMode)
	assert.Equal(t, 288, cfg.MaxPeriodsCap)
	assert.Equal(t, LeaseBackendStore, cfg.LeaseBackend)
	assert.False(t, cfg.WorkerRunOnce)
	assert.True(t, cfg.FarmingDailyRate.Equal(decimal.RequireFromString("0.01")))
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://farm@localhost/farm")
	t.Setenv("FARMCORE_TICK_EVERY", "1m")
	t.Setenv("FARMCORE_PERIOD", "10m")
	t.Setenv("FARMCORE_ACCRUAL_MODE", "cumulative")
	t.Setenv("FARMCORE_MAX_PERIODS_CAP", "144")
	t.Setenv("FARMCORE_TICK_BUDGET", "30s")
	t.Setenv("FARMCORE_LEASE_BACKEND", "Redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("FARMCORE_WORKER_RUN_ONCE", "true")
	t.Setenv("FARMCORE_FARMING_DAILY_RATE", "0.005")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, accrual.ModeCumulative, cfg.AccrualMode)
	assert.Equal(t, LeaseBackendRedis, cfg.LeaseBackend)
	assert.True(t, cfg.WorkerRunOnce)
	assert.True(t, cfg.FarmingDailyRate.Equal(decimal.RequireFromString("0.005")))

	ac := cfg.Accrual()
	assert.Equal(t, time.Minute, ac.TickEvery)
	assert.Equal(t, 10*time.Minute, ac.Period)
	assert.Equal(t, 144, ac.MaxPeriodsCap)
	assert.Equal(t, 30*time.Second, ac.TickBudget)
}

func TestFromEnvInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"no database", map[string]string{}},
		{"unknown mode", map[string]string{"FARMCORE_SQLITE_PATH": "x.db", "FARMCORE_ACCRUAL_MODE": "hourly"}},
		{"zero cap", map[string]string{"FARMCORE_SQLITE_PATH": "x.db", "FARMCORE_MAX_PERIODS_CAP": "0"}},
		{"negative period", map[string]string{"FARMCORE_SQLITE_PATH": "x.db", "FARMCORE_PERIOD": "-5m"}},
		{"zero rate", map[string]string{"FARMCORE_SQLITE_PATH": "x.db", "FARMCORE_FARMING_DAILY_RATE": "0"}},
		{"redis without address", map[string]string{"FARMCORE_SQLITE_PATH": "x.db", "FARMCORE_LEASE_BACKEND": "redis"}},
		{"unknown lease backend", map[string]string{"FARMCORE_SQLITE_PATH": "x.db", "FARMCORE_LEASE_BACKEND": "etcd"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("FARMCORE_SQLITE_PATH", "x.db")
	t.Setenv("FARMCORE_TICK_EVERY", "soon")
	t.Setenv("FARMCORE_MAX_PERIODS_CAP", "many")
	t.Setenv("FARMCORE_WORKER_RUN_ONCE", "perhaps")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.TickEvery)
	assert.Equal(t, 288, cfg.MaxPeriodsCap)
	assert.False(t, cfg.WorkerRunOnce)
}
