// Package testutil builds a fully wired core over a throwaway SQLite file.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"farmcore/internal/account"
	"farmcore/internal/accrual"
	"farmcore/internal/app"
	"farmcore/internal/config"
	"farmcore/internal/db/sqlite"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Epoch is the fixed start time used by tests.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
	// Step is added after every read, for tests that need time to pass
	// between calls.
	Step time.Duration
}

func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.Step)
	return now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func OpenStore(t testing.TB) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "farmcore.db"), Logger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// Config returns the worker defaults: five-minute ticks and periods,
// interval mode, a 1% farming rate.
func Config() config.Config {
	return config.Config{
		TickEvery:        5 * time.Minute,
		Period:           5 * time.Minute,
		AccrualMode:      accrual.ModeInterval,
		MaxPeriodsCap:    288,
		LeaseBackend:     config.LeaseBackendStore,
		FarmingDailyRate: decimal.RequireFromString("0.01"),
	}
}

// NewApp wires every service over a fresh SQLite store, using the store
// itself as the scheduler lease.
func NewApp(t testing.TB, cfg config.Config) (*app.App, *sqlite.Store) {
	t.Helper()
	st := OpenStore(t)
	a := &app.App{}
	a.Wire(st, st, cfg, Logger())
	return a, st
}

// NewUser registers a user at Epoch and returns its id.
func NewUser(t testing.TB, store account.Store, inviterID int64) int64 {
	t.Helper()
	u, created, err := store.EnsureUser(context.Background(), account.NewUser{InviterID: inviterID, At: Epoch})
	require.NoError(t, err)
	require.True(t, created)
	return u.ID
}

// NewFundedUser registers a user whose opening balances are the
// conservation baseline.
func NewFundedUser(t testing.TB, store account.Store, primary, secondary int64) int64 {
	t.Helper()
	u, _, err := store.EnsureUser(context.Background(), account.NewUser{
		InitialPrimary:   primary,
		InitialSecondary: secondary,
		At:               Epoch,
	})
	require.NoError(t, err)
	return u.ID
}
