package accrual_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"farmcore/internal/account"
	"farmcore/internal/accrual"
	"farmcore/internal/app"
	"farmcore/internal/config"
	"farmcore/internal/db/sqlite"
	"farmcore/internal/ledger"
	"farmcore/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unit = ledger.MicrosPerUnit

type harness struct {
	app   *app.App
	store *sqlite.Store
	desk  *testutil.Clock
	clock *testutil.Clock
}

func newHarness(t *testing.T, cfg config.Config) harness {
	t.Helper()
	a, st := testutil.NewApp(t, cfg)
	h := harness{app: a, store: st, desk: testutil.NewClock(testutil.Epoch), clock: testutil.NewClock(testutil.Epoch)}
	a.Positions.WithClock(h.desk.Now)
	a.Scheduler.WithClock(h.clock.Now)
	return h
}

// farmer registers a user and moves their whole primary balance into farming.
func (h harness) farmer(t *testing.T, deposit int64) int64 {
	t.Helper()
	uid := testutil.NewFundedUser(t, h.store, deposit, 0)
	_, err := h.app.Positions.OpenFarming(context.Background(), uid, deposit, "")
	require.NoError(t, err)
	return uid
}

func (h harness) cursor(t *testing.T, uid int64, kind ledger.PositionKind) time.Time {
	t.Helper()
	ps, err := h.store.ActivePositions(context.Background(), h.clock.Now(), 0)
	require.NoError(t, err)
	for _, p := range ps {
		if p.UserID == uid && p.Kind == kind {
			return p.Cursor
		}
	}
	t.Fatalf("no %s position for user %d", kind, uid)
	return time.Time{}
}

func TestTickPaysOnePeriodOfFarming(t *testing.T) {
	cfg := testutil.Config()
	cfg.FarmingDailyRate = decimal.RequireFromString("0.5")
	h := newHarness(t, cfg)
	ctx := context.Background()
	uid := h.farmer(t, 1000*unit)

	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))
	rep, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Skipped)
	assert.Equal(t, 1, rep.Positions)
	assert.Equal(t, 1, rep.Paid)
	assert.Equal(t, int64(1_736_111), rep.PaidMicros[ledger.Primary])

	bal, err := h.app.Ledger.GetBalance(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(1_736_111), bal.PrimaryMicros)
	assert.True(t, testutil.Epoch.Add(5*time.Minute).Equal(h.cursor(t, uid, ledger.PositionFarming)))

	// Same instant again: the cursor already covers it.
	rep, err = h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Paid)
	assert.Equal(t, 1, rep.NotDue)
}

func TestTickLowRateFarming(t *testing.T) {
	cfg := testutil.Config()
	cfg.FarmingDailyRate = decimal.RequireFromString("0.005")
	h := newHarness(t, cfg)
	uid := h.farmer(t, 1000*unit)

	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))
	_, err := h.app.Scheduler.Tick(context.Background())
	require.NoError(t, err)

	bal, err := h.app.Ledger.GetBalance(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, int64(17_361), bal.PrimaryMicros)
}

func TestIntervalModePaysOnePeriodWhenStale(t *testing.T) {
	h := newHarness(t, testutil.Config())
	uid := h.farmer(t, 1000*unit)

	now := testutil.Epoch.Add(15 * time.Minute)
	h.clock.Set(now)
	rep, err := h.app.Scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Paid)
	// 1000 * 0.01 / 288
	assert.Equal(t, int64(34_722), rep.PaidMicros[ledger.Primary])
	assert.True(t, now.Equal(h.cursor(t, uid, ledger.PositionFarming)))
}

func TestCumulativeModeIsCapped(t *testing.T) {
	cfg := testutil.Config()
	cfg.AccrualMode = accrual.ModeCumulative
	h := newHarness(t, cfg)
	ctx := context.Background()
	uid := h.farmer(t, 1000*unit)

	// Three days stale: 864 periods elapsed, 288 paid.
	h.clock.Set(testutil.Epoch.Add(72 * time.Hour))
	rep, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Paid)
	assert.Equal(t, int64(10*unit), rep.PaidMicros[ledger.Primary])

	entries, err := h.app.Ledger.History(ctx, uid, ledger.EntryFilter{Type: ledger.TypeFarmingReward})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 288, entries[0].Metadata.Extra["periods"])
	assert.Equal(t, "cumulative", entries[0].Metadata.Extra["mode"])
	assert.True(t, testutil.Epoch.Add(72*time.Hour).Equal(h.cursor(t, uid, ledger.PositionFarming)))
}

func TestTickSkippedWhileLeaseHeldElsewhere(t *testing.T) {
	h := newHarness(t, testutil.Config())
	ctx := context.Background()
	uid := h.farmer(t, 1000*unit)
	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))

	ok, err := h.store.TryAcquire(ctx, accrual.DefaultLeaseName, "another-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Equal(t, 0, rep.Paid)
	bal, err := h.app.Ledger.GetBalance(ctx, uid)
	require.NoError(t, err)
	assert.Zero(t, bal.PrimaryMicros)

	require.NoError(t, h.store.Release(ctx, accrual.DefaultLeaseName, "another-worker"))
	rep, err = h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Skipped)
	assert.Equal(t, 1, rep.Paid)
}

func TestConcurrentSchedulersPayOnce(t *testing.T) {
	cfg := testutil.Config()
	h := newHarness(t, cfg)
	ctx := context.Background()
	uid := h.farmer(t, 1000*unit)
	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))

	second := accrual.New(cfg.Accrual(), h.store, h.app.Ledger, h.app.Referrals, h.store, testutil.Logger()).WithClock(h.clock.Now)
	require.NotEqual(t, h.app.Scheduler.Owner(), second.Owner())

	var wg sync.WaitGroup
	reports := make([]accrual.TickReport, 2)
	for i, s := range []*accrual.Scheduler{h.app.Scheduler, second} {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := s.Tick(ctx)
			assert.NoError(t, err)
			reports[i] = rep
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, reports[0].Paid+reports[1].Paid)
	bal, err := h.app.Ledger.GetBalance(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(34_722), bal.PrimaryMicros)
}

func TestRewindCursorDoesNotPayTwice(t *testing.T) {
	h := newHarness(t, testutil.Config())
	ctx := context.Background()
	uid := h.farmer(t, 1000*unit)
	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))

	rep, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Paid)

	_, err = h.store.DB().ExecContext(ctx, `UPDATE users SET farming_last_accrual_at = ? WHERE id = ?`, testutil.Epoch.UnixNano(), uid)
	require.NoError(t, err)

	rep, err = h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Paid)
	assert.Equal(t, 1, rep.Duplicate)

	bal, err := h.app.Ledger.GetBalance(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(34_722), bal.PrimaryMicros)
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, testutil.Config())
	ctx := context.Background()
	uid := h.farmer(t, 1000*unit)

	later := testutil.Epoch.Add(10 * time.Minute)
	h.clock.Set(later)
	_, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)

	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))
	rep, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Paid)
	assert.Equal(t, 1, rep.NotDue)

	h.clock.Set(later)
	assert.True(t, later.Equal(h.cursor(t, uid, ledger.PositionFarming)))
}

func TestTickDefersPastBudget(t *testing.T) {
	cfg := testutil.Config()
	cfg.TickBudget = time.Minute
	h := newHarness(t, cfg)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.farmer(t, 1000*unit)
	}

	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))
	h.clock.Step = 40 * time.Second
	rep, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Positions)
	assert.Equal(t, 1, rep.Paid)
	assert.Equal(t, 2, rep.Deferred)

	h.clock.Step = 0
	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))
	rep, err = h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Paid)
	assert.Equal(t, 1, rep.NotDue)
}

func TestTickCascadesToInviter(t *testing.T) {
	h := newHarness(t, testutil.Config())
	ctx := context.Background()
	inviter := testutil.NewUser(t, h.store, 0)
	u, _, err := h.store.EnsureUser(ctx, account.NewUser{InviterID: inviter, InitialPrimary: 1000 * unit, At: testutil.Epoch})
	require.NoError(t, err)
	_, err = h.app.Positions.OpenFarming(ctx, u.ID, 1000*unit, "")
	require.NoError(t, err)

	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))
	rep, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Paid)
	assert.Equal(t, 1, rep.Commissions)

	bal, err := h.app.Ledger.GetBalance(ctx, inviter)
	require.NoError(t, err)
	assert.Equal(t, int64(34_722), bal.PrimaryMicros)
}

func TestBoostAccrues(t *testing.T) {
	h := newHarness(t, testutil.Config())
	ctx := context.Background()
	uid := testutil.NewFundedUser(t, h.store, 0, 10*unit)
	_, err := h.app.Positions.PurchaseBoost(ctx, uid, 3, 10*unit, "boost-1")
	require.NoError(t, err)

	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))
	rep, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Paid)
	// 10 * 0.02 / 288
	assert.Equal(t, int64(694), rep.PaidMicros[ledger.Secondary])

	entries, err := h.app.Ledger.History(ctx, uid, ledger.EntryFilter{Type: ledger.TypeBoostReward})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.Secondary, entries[0].Currency)
}

func TestExpiredBoostSettlesUpToExpiry(t *testing.T) {
	h := newHarness(t, testutil.Config())
	ctx := context.Background()
	uid := testutil.NewFundedUser(t, h.store, 0, 10*unit)
	_, err := h.app.Positions.PurchaseBoost(ctx, uid, 3, 10*unit, "boost-1")
	require.NoError(t, err)
	expires := testutil.Epoch.Add(365 * 24 * time.Hour)

	h.clock.Set(expires.Add(-7 * time.Minute))
	rep, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Paid)

	// The next tick lands after expiry; the last period before it is still paid.
	h.clock.Set(expires.Add(2 * time.Minute))
	rep, err = h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Paid)
	assert.Equal(t, int64(694), rep.PaidMicros[ledger.Secondary])
	assert.True(t, expires.Equal(h.cursor(t, uid, ledger.PositionBoost)))

	h.clock.Set(expires.Add(10 * time.Minute))
	rep, err = h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Positions)

	entries, err := h.app.Ledger.History(ctx, uid, ledger.EntryFilter{Type: ledger.TypeBoostReward})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestIntervalModeToleratesTimerJitter(t *testing.T) {
	h := newHarness(t, testutil.Config())
	ctx := context.Background()
	uid := h.farmer(t, 1000*unit)

	for _, at := range []time.Duration{
		5*time.Minute + 2*time.Millisecond,
		10*time.Minute + time.Millisecond,
		15*time.Minute - 3*time.Millisecond,
	} {
		h.clock.Set(testutil.Epoch.Add(at))
		rep, err := h.app.Scheduler.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Paid, "tick at %s", at)
	}

	// A second tick shortly after the last one is not due.
	h.clock.Set(testutil.Epoch.Add(16 * time.Minute))
	rep, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Paid)

	bal, err := h.app.Ledger.GetBalance(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(3*34_722), bal.PrimaryMicros)
}

// flakyPayer fails every credit for one user.
type flakyPayer struct {
	inner  accrual.Payer
	failID int64
}

func (p flakyPayer) Credit(ctx context.Context, req ledger.Request) (ledger.Result, error) {
	if req.UserID == p.failID {
		return ledger.Result{}, fmt.Errorf("%w: connection reset", ledger.ErrPersistence)
	}
	return p.inner.Credit(ctx, req)
}

func TestFailedCreditIsIsolated(t *testing.T) {
	cfg := testutil.Config()
	h := newHarness(t, cfg)
	ctx := context.Background()
	first := h.farmer(t, 1000*unit)
	failing := h.farmer(t, 1000*unit)
	last := h.farmer(t, 1000*unit)

	payer := flakyPayer{inner: h.app.Ledger, failID: failing}
	s := accrual.New(cfg.Accrual(), h.store, payer, h.app.Referrals, h.store, testutil.Logger()).WithClock(h.clock.Now)

	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))
	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 2, rep.Paid)

	for _, uid := range []int64{first, last} {
		bal, err := h.app.Ledger.GetBalance(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, int64(34_722), bal.PrimaryMicros)
	}
	assert.True(t, testutil.Epoch.Equal(h.cursor(t, failing, ledger.PositionFarming)))

	// Once credits go through again the user is paid on the next tick.
	rep, err = h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Paid)
	assert.Equal(t, 2, rep.NotDue)
	bal, err := h.app.Ledger.GetBalance(ctx, failing)
	require.NoError(t, err)
	assert.Equal(t, int64(34_722), bal.PrimaryMicros)
	assert.True(t, testutil.Epoch.Add(5*time.Minute).Equal(h.cursor(t, failing, ledger.PositionFarming)))
}

func TestDustRewardIsNotRecorded(t *testing.T) {
	h := newHarness(t, testutil.Config())
	ctx := context.Background()
	uid := h.farmer(t, 10)

	h.clock.Set(testutil.Epoch.Add(5 * time.Minute))
	rep, err := h.app.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dust)

	entries, err := h.app.Ledger.History(ctx, uid, ledger.EntryFilter{Type: ledger.TypeFarmingReward})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
