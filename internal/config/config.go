package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"farmcore/internal/accrual"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	LeaseBackendStore = "store"
	LeaseBackendRedis = "redis"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	SQLitePath    string
	ObserverToken string

	TickEvery     time.Duration
	Period        time.Duration
	AccrualMode   accrual.Mode
	MaxPeriodsCap int
	TickBudget    time.Duration
	LeaseTTL      time.Duration
	LeaseBackend  string
	RedisAddr     string
	RedisPassword string
	WorkerRunOnce bool

	FarmingDailyRate decimal.Decimal
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists. Variables already set win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("FARMCORE_API_ADDR", ":8080")
	}

	cfg := Config{
		Addr:             addr,
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:       strings.TrimSpace(os.Getenv("FARMCORE_SQLITE_PATH")),
		ObserverToken:    strings.TrimSpace(os.Getenv("FARMCORE_OBSERVER_TOKEN")),
		TickEvery:        envDurationDefault("FARMCORE_TICK_EVERY", 5*time.Minute),
		Period:           envDurationDefault("FARMCORE_PERIOD", 5*time.Minute),
		MaxPeriodsCap:    envIntDefault("FARMCORE_MAX_PERIODS_CAP", 288),
		TickBudget:       envDurationDefault("FARMCORE_TICK_BUDGET", 0),
		LeaseTTL:         envDurationDefault("FARMCORE_LEASE_TTL", 0),
		LeaseBackend:     strings.ToLower(envDefault("FARMCORE_LEASE_BACKEND", LeaseBackendStore)),
		RedisAddr:        strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		WorkerRunOnce:    envBoolDefault("FARMCORE_WORKER_RUN_ONCE", false),
		FarmingDailyRate: envDecimalDefault("FARMCORE_FARMING_DAILY_RATE", decimal.RequireFromString("0.01")),
	}

	mode, err := accrual.ParseMode(os.Getenv("FARMCORE_ACCRUAL_MODE"))
	if err != nil {
		return cfg, err
	}
	cfg.AccrualMode = mode

	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		return cfg, fmt.Errorf("DATABASE_URL or FARMCORE_SQLITE_PATH is required")
	}
	if cfg.TickEvery <= 0 || cfg.Period <= 0 {
		return cfg, fmt.Errorf("FARMCORE_TICK_EVERY and FARMCORE_PERIOD must be > 0")
	}
	if cfg.MaxPeriodsCap <= 0 {
		return cfg, fmt.Errorf("FARMCORE_MAX_PERIODS_CAP must be > 0")
	}
	if !cfg.FarmingDailyRate.IsPositive() {
		return cfg, fmt.Errorf("FARMCORE_FARMING_DAILY_RATE must be > 0")
	}
	switch cfg.LeaseBackend {
	case LeaseBackendStore:
	case LeaseBackendRedis:
		if cfg.RedisAddr == "" {
			return cfg, fmt.Errorf("REDIS_ADDR is required for the redis lease backend")
		}
	default:
		return cfg, fmt.Errorf("unknown FARMCORE_LEASE_BACKEND %q", cfg.LeaseBackend)
	}
	return cfg, nil
}

func (c Config) Accrual() accrual.Config {
	return accrual.Config{
		TickEvery:     c.TickEvery,
		Period:        c.Period,
		Mode:          c.AccrualMode,
		MaxPeriodsCap: c.MaxPeriodsCap,
		TickBudget:    c.TickBudget,
		LeaseTTL:      c.LeaseTTL,
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDecimalDefault(key string, fallback decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
