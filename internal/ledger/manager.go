package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Manager is the only writer of user balances. Every change it makes is
// paired with exactly one ledger entry in the same durable unit.
type Manager struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store: store,
		log:   logger,
		now:   time.Now,
	}
}

// WithClock replaces the time source. Tests use it to pin created_at.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

type Request struct {
	UserID   int64
	Amount   int64
	Currency Currency
	Type     TxType
	Meta     Metadata
	// DedupKey, when set, makes the call at-most-once: a second call with
	// the same key returns ErrAlreadyProcessed and changes nothing.
	DedupKey string
	Position *PositionUpdate
}

type Result struct {
	Entry   Entry   `json:"entry"`
	Balance Balance `json:"balance"`
}

func (m *Manager) Credit(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	if !req.Type.allowsCredit() {
		return Result{}, fmt.Errorf("%w: %s cannot be credited", ErrValidation, req.Type)
	}
	return m.apply(ctx, req, req.Amount)
}

func (m *Manager) Debit(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	if !req.Type.allowsDebit() {
		return Result{}, fmt.Errorf("%w: %s cannot be debited", ErrValidation, req.Type)
	}
	return m.apply(ctx, req, -req.Amount)
}

// Record appends an entry for a type that does not move any balance, such as
// a boost paid directly on-chain.
func (m *Manager) Record(ctx context.Context, req Request) (Entry, error) {
	if err := validateShape(req); err != nil {
		return Entry{}, err
	}
	if req.Type.AffectsBalance() {
		return Entry{}, fmt.Errorf("%w: %s affects balance, use Credit or Debit", ErrValidation, req.Type)
	}
	if req.Type == TypeReconciliation {
		return Entry{}, fmt.Errorf("%w: reconciliation entries are written by Reconcile", ErrValidation)
	}
	res, err := m.apply(ctx, req, 0)
	return res.Entry, err
}

func (m *Manager) apply(ctx context.Context, req Request, delta int64) (Result, error) {
	mut := Mutation{
		UserID:   req.UserID,
		Currency: req.Currency,
		Type:     req.Type,
		Amount:   req.Amount,
		Delta:    delta,
		DedupKey: req.DedupKey,
		Meta:     req.Meta,
		Position: req.Position,
		At:       m.now().UTC(),
	}
	applied, err := m.store.Apply(ctx, mut)
	if err != nil {
		return Result{}, m.classify(req, err)
	}
	if got, want := applied.After.Of(req.Currency), applied.Before.Of(req.Currency)+delta; got != want {
		rerr := &ReconciliationError{
			UserID:   req.UserID,
			Currency: req.Currency,
			Observed: got,
			Expected: want,
			Reason:   fmt.Sprintf("balance after %s entry %d does not match delta", req.Type, applied.Entry.ID),
		}
		m.alert(rerr)
		return Result{}, rerr
	}
	m.log.Debug("ledger entry applied",
		"user_id", req.UserID,
		"entry_id", applied.Entry.ID,
		"type", req.Type,
		"currency", req.Currency,
		"delta_micros", delta,
	)
	return Result{Entry: applied.Entry, Balance: applied.After}, nil
}

func (m *Manager) classify(req Request, err error) error {
	switch {
	case errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrAlreadyProcessed),
		errors.Is(err, ErrValidation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrCommitUnknown):
		rerr := &ReconciliationError{
			UserID:   req.UserID,
			Currency: req.Currency,
			Reason:   fmt.Sprintf("%s commit outcome unknown", req.Type),
			Err:      err,
		}
		m.alert(rerr)
		return rerr
	default:
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
}

func (m *Manager) alert(rerr *ReconciliationError) {
	m.log.Error("reconciliation required",
		"alert", true,
		"user_id", rerr.UserID,
		"currency", rerr.Currency,
		"observed_micros", rerr.Observed,
		"expected_micros", rerr.Expected,
		"reason", rerr.Reason,
	)
}

func (m *Manager) GetBalance(ctx context.Context, userID int64) (Balance, error) {
	if userID <= 0 {
		return Balance{}, fmt.Errorf("%w: user id must be > 0", ErrValidation)
	}
	b, err := m.store.Balance(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Balance{}, err
		}
		return Balance{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return b, nil
}

func (m *Manager) History(ctx context.Context, userID int64, f EntryFilter) ([]Entry, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be > 0", ErrValidation)
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	entries, err := m.store.Entries(ctx, userID, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return entries, nil
}

type Drift struct {
	Currency Currency `json:"currency"`
	Observed int64    `json:"observed_micros"`
	Expected int64    `json:"expected_micros"`
	EntryID  int64    `json:"entry_id"`
}

type ReconcileReport struct {
	UserID    int64   `json:"user_id"`
	Corrected []Drift `json:"corrected"`
	Balance   Balance `json:"balance"`
}

// Reconcile recomputes both balances from the ledger and, where they drifted,
// restores the ledger-derived value with a reconciliation entry recording the
// correction. A ledger history that sums below zero cannot be corrected and
// is reported as ReconciliationError.
func (m *Manager) Reconcile(ctx context.Context, userID int64) (ReconcileReport, error) {
	out := ReconcileReport{UserID: userID}
	totals, err := m.store.Totals(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return out, err
		}
		return out, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	out.Balance = totals.Balance

	for _, c := range []Currency{Primary, Secondary} {
		observed := totals.Balance.Of(c)
		expected := totals.Expected(c)
		if observed == expected {
			continue
		}
		rerr := &ReconciliationError{
			UserID:   userID,
			Currency: c,
			Observed: observed,
			Expected: expected,
			Reason:   "balance drifted from ledger",
		}
		m.alert(rerr)
		if expected < 0 {
			rerr.Reason = "ledger sums below zero"
			return out, rerr
		}
		entry, err := m.store.CorrectBalance(ctx, Correction{
			UserID:   userID,
			Currency: c,
			Observed: observed,
			Expected: expected,
			At:       m.now().UTC(),
		})
		if err != nil {
			if errors.Is(err, ErrCommitUnknown) {
				rerr.Err = err
				return out, rerr
			}
			return out, fmt.Errorf("%w: correct %s balance: %w", ErrPersistence, c, err)
		}
		out.Corrected = append(out.Corrected, Drift{Currency: c, Observed: observed, Expected: expected, EntryID: entry.ID})
		if c == Secondary {
			out.Balance.SecondaryMicros = expected
		} else {
			out.Balance.PrimaryMicros = expected
		}
	}
	if len(out.Corrected) > 0 {
		m.log.Warn("balance reconciled", "user_id", userID, "corrections", len(out.Corrected))
	}
	return out, nil
}

func validateShape(req Request) error {
	if req.UserID <= 0 {
		return fmt.Errorf("%w: user id must be > 0", ErrValidation)
	}
	if !req.Currency.Valid() {
		return fmt.Errorf("%w: unknown currency %q", ErrValidation, req.Currency)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrValidation, req.Type)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrValidation)
	}
	return nil
}

func validate(req Request) error {
	if err := validateShape(req); err != nil {
		return err
	}
	if !req.Type.AffectsBalance() {
		return fmt.Errorf("%w: %s does not affect balance, use Record", ErrValidation, req.Type)
	}
	return nil
}
