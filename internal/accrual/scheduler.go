package accrual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"farmcore/internal/ledger"
	"farmcore/internal/referral"

	"github.com/google/uuid"
)

const DefaultLeaseName = "accrual-scheduler"

type Config struct {
	TickEvery     time.Duration
	Period        time.Duration
	Mode          Mode
	MaxPeriodsCap int
	// TickBudget is the soft deadline after which a tick starts no new
	// positions.
	TickBudget time.Duration
	LeaseTTL   time.Duration
	LeaseName  string
}

func (c Config) withDefaults() Config {
	if c.TickEvery <= 0 {
		c.TickEvery = 5 * time.Minute
	}
	if c.Period <= 0 {
		c.Period = 5 * time.Minute
	}
	if c.Mode == "" {
		c.Mode = ModeInterval
	}
	if c.MaxPeriodsCap <= 0 {
		c.MaxPeriodsCap = 288
	}
	if c.TickBudget <= 0 {
		c.TickBudget = c.TickEvery * 4 / 5
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * c.TickEvery
	}
	if c.LeaseName == "" {
		c.LeaseName = DefaultLeaseName
	}
	return c
}

// slack is how early an interval-mode position may be paid: half the
// shorter of the tick and the period.
func (c Config) slack() time.Duration {
	return min(c.TickEvery, c.Period) / 2
}

// minElapsed is the least unpaid time that makes a position due.
func (c Config) minElapsed() time.Duration {
	if c.Mode == ModeInterval {
		return c.Period - c.slack()
	}
	return c.Period
}

// PositionStore lists positions to evaluate at now: every funded farming
// position, every boost still running, and every expired boost whose unpaid
// time before expiry is at least minElapsed.
type PositionStore interface {
	ActivePositions(ctx context.Context, now time.Time, minElapsed time.Duration) ([]Position, error)
}

// Lease is the durable single-flight primitive. TryAcquire succeeds when the
// lease is free, expired, or already held by owner.
type Lease interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

type Payer interface {
	Credit(ctx context.Context, req ledger.Request) (ledger.Result, error)
}

type Cascader interface {
	Distribute(ctx context.Context, p referral.Payout) (referral.CascadeReport, error)
}

type Scheduler struct {
	cfg       Config
	positions PositionStore
	payer     Payer
	cascade   Cascader
	lease     Lease
	owner     string
	log       *slog.Logger
	now       func() time.Time
	running   atomic.Bool
}

func New(cfg Config, positions PositionStore, payer Payer, cascade Cascader, lease Lease, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "farmcore"
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		positions: positions,
		payer:     payer,
		cascade:   cascade,
		lease:     lease,
		owner:     host + "/" + uuid.NewString(),
		log:       logger,
		now:       time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Owner() string { return s.owner }

type TickReport struct {
	Skipped     bool                      `json:"skipped"`
	Positions   int                       `json:"positions"`
	Paid        int                       `json:"paid"`
	NotDue      int                       `json:"not_due"`
	Dust        int                       `json:"dust"`
	Duplicate   int                       `json:"duplicate"`
	Failed      int                       `json:"failed"`
	Deferred    int                       `json:"deferred"`
	Commissions int                       `json:"commissions"`
	PaidMicros  map[ledger.Currency]int64 `json:"paid_micros"`
	Duration    time.Duration             `json:"duration"`
}

// Tick runs one accrual pass. When another tick is in progress, here or on
// another instance holding the lease, the tick returns a report with Skipped
// set and has no side effects.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	rep := TickReport{PaidMicros: map[ledger.Currency]int64{}}
	if !s.running.CompareAndSwap(false, true) {
		rep.Skipped = true
		s.log.Info("accrual tick skipped, previous tick still running")
		return rep, nil
	}
	defer s.running.Store(false)
	started := s.now().UTC()

	ok, err := s.lease.TryAcquire(ctx, s.cfg.LeaseName, s.owner, s.cfg.LeaseTTL)
	if err != nil {
		return rep, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		rep.Skipped = true
		s.log.Info("accrual tick skipped, lease held elsewhere", "lease", s.cfg.LeaseName)
		return rep, nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.lease.Release(relCtx, s.cfg.LeaseName, s.owner); err != nil {
			s.log.Warn("lease release failed", "lease", s.cfg.LeaseName, "err", err)
		}
	}()

	positions, err := s.positions.ActivePositions(ctx, started, s.cfg.minElapsed())
	if err != nil {
		return rep, fmt.Errorf("load active positions: %w", err)
	}
	rep.Positions = len(positions)
	deadline := started.Add(s.cfg.TickBudget)

	for i, p := range positions {
		if ctx.Err() != nil {
			rep.Deferred += len(positions) - i
			return rep, ctx.Err()
		}
		if !s.now().Before(deadline) {
			rep.Deferred += len(positions) - i
			s.log.Warn("accrual tick budget exhausted", "deferred", rep.Deferred, "budget", s.cfg.TickBudget.String())
			break
		}
		s.settle(ctx, p, started, &rep)
	}
	rep.Duration = s.now().Sub(started)
	return rep, nil
}

func (s *Scheduler) settle(ctx context.Context, p Position, now time.Time, rep *TickReport) {
	cursor := p.EffectiveCursor()
	// An expired boost is settled up to its expiry and then drops out.
	if !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(now) {
		now = p.ExpiresAt
	}
	periods := PeriodsDue(s.cfg.Mode, cursor, now, s.cfg.Period, s.cfg.slack(), s.cfg.MaxPeriodsCap)
	if periods == 0 {
		rep.NotDue++
		return
	}
	amount := Reward(p.DepositMicros, p.DailyRate, periods, s.cfg.Period)
	if amount <= 0 {
		rep.Dust++
		return
	}

	res, err := s.payer.Credit(ctx, ledger.Request{
		UserID:   p.UserID,
		Amount:   amount,
		Currency: p.Currency(),
		Type:     p.RewardType(),
		Meta: ledger.Metadata{
			Extra: map[string]any{
				"periods":    periods,
				"mode":       string(s.cfg.Mode),
				"daily_rate": p.DailyRate.String(),
				"cursor":     cursor.UTC().Format(time.RFC3339Nano),
			},
		},
		DedupKey: fmt.Sprintf("accrual:%s:%d:%d", p.Kind, p.UserID, cursor.UnixNano()),
		Position: &ledger.PositionUpdate{Kind: p.Kind, Op: ledger.OpAdvanceCursor, At: now},
	})
	switch {
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		rep.Duplicate++
		return
	case err != nil:
		rep.Failed++
		level := slog.LevelWarn
		if errors.Is(err, ledger.ErrReconciliationRequired) {
			level = slog.LevelError
		}
		s.log.Log(ctx, level, "accrual payout failed",
			"user_id", p.UserID,
			"kind", p.Kind,
			"amount_micros", amount,
			"periods", periods,
			"err", err,
		)
		return
	}
	rep.Paid++
	rep.PaidMicros[p.Currency()] += amount

	cascade, err := s.cascade.Distribute(ctx, referral.Payout{
		SourceUserID:  p.UserID,
		Amount:        amount,
		Currency:      p.Currency(),
		Type:          p.RewardType(),
		SourceEntryID: res.Entry.ID,
	})
	if err != nil {
		s.log.Error("referral cascade failed", "user_id", p.UserID, "entry_id", res.Entry.ID, "err", err)
		return
	}
	rep.Commissions += len(cascade.Paid)
}

// Run ticks immediately and then on every TickEvery until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickEvery)
	defer ticker.Stop()

	s.log.Info("accrual scheduler started",
		"owner", s.owner,
		"tick_every", s.cfg.TickEvery.String(),
		"period", s.cfg.Period.String(),
		"mode", s.cfg.Mode,
		"max_periods_cap", s.cfg.MaxPeriodsCap,
	)
	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("accrual scheduler shutdown")
			return nil
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	rep, err := s.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("accrual tick failed", "err", err)
		}
		return
	}
	if rep.Skipped {
		return
	}
	s.log.Info("accrual tick complete",
		"positions", rep.Positions,
		"paid", rep.Paid,
		"not_due", rep.NotDue,
		"dust", rep.Dust,
		"duplicate", rep.Duplicate,
		"failed", rep.Failed,
		"deferred", rep.Deferred,
		"commissions", rep.Commissions,
		"duration", rep.Duration.String(),
	)
}
