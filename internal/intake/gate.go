package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"farmcore/internal/ledger"
)

type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeRejected         Outcome = "rejected"
)

type DepositRequest struct {
	UserID            int64
	ExternalReference string
	Amount            int64
	Currency          ledger.Currency
}

type WithdrawalRequest struct {
	UserID         int64
	Amount         int64
	Currency       ledger.Currency
	IdempotencyKey string
	Destination    string
}

type Result struct {
	Outcome  Outcome         `json:"outcome"`
	DedupKey string          `json:"dedup_key,omitempty"`
	EntryID  int64           `json:"entry_id,omitempty"`
	Balance  *ledger.Balance `json:"balance,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	// Err is the cause of a rejection.
	Err error `json:"-"`
}

type Ledger interface {
	Credit(ctx context.Context, req ledger.Request) (ledger.Result, error)
	Debit(ctx context.Context, req ledger.Request) (ledger.Result, error)
}

// Gate turns externally retryable requests into at-most-once ledger calls.
// The dedup key is written by the same unit that moves the balance, so a key
// is never consumed without the credit and a credit never lands twice.
type Gate struct {
	ledger Ledger
	log    *slog.Logger
}

func NewGate(l Ledger, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{ledger: l, log: logger}
}

// ProcessDeposit applies an observed deposit once. A duplicate reports
// OutcomeAlreadyProcessed with a nil error. Only persistence and
// reconciliation failures are returned as errors.
func (g *Gate) ProcessDeposit(ctx context.Context, req DepositRequest) (Result, error) {
	key, err := DepositKey(req.ExternalReference)
	if err != nil {
		return g.reject(req.UserID, err), nil
	}
	res, err := g.ledger.Credit(ctx, ledger.Request{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Type:     ledger.TypeDeposit,
		Meta:     ledger.Metadata{ExternalRef: strings.TrimSpace(req.ExternalReference)},
		DedupKey: key,
	})
	return g.outcome(req.UserID, key, res, err)
}

// ProcessWithdrawal debits a withdrawal keyed by the caller's idempotency key.
func (g *Gate) ProcessWithdrawal(ctx context.Context, req WithdrawalRequest) (Result, error) {
	idem := strings.TrimSpace(req.IdempotencyKey)
	if idem == "" {
		return g.reject(req.UserID, fmt.Errorf("%w: idempotency key is required", ledger.ErrValidation)), nil
	}
	key := fmt.Sprintf("withdrawal:%d:%s", req.UserID, idem)
	meta := ledger.Metadata{}
	if d := strings.TrimSpace(req.Destination); d != "" {
		meta.Extra = map[string]any{"destination": d}
	}
	res, err := g.ledger.Debit(ctx, ledger.Request{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Type:     ledger.TypeWithdrawal,
		Meta:     meta,
		DedupKey: key,
	})
	return g.outcome(req.UserID, key, res, err)
}

func (g *Gate) outcome(userID int64, key string, res ledger.Result, err error) (Result, error) {
	switch {
	case err == nil:
		bal := res.Balance
		g.log.Info("external request applied", "user_id", userID, "dedup_key", key, "entry_id", res.Entry.ID)
		return Result{Outcome: OutcomeApplied, DedupKey: key, EntryID: res.Entry.ID, Balance: &bal}, nil
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		g.log.Info("duplicate external request absorbed", "user_id", userID, "dedup_key", key)
		return Result{Outcome: OutcomeAlreadyProcessed, DedupKey: key}, nil
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, ledger.ErrInsufficientFunds):
		r := g.reject(userID, err)
		r.DedupKey = key
		return r, nil
	default:
		return Result{DedupKey: key}, err
	}
}

func (g *Gate) reject(userID int64, err error) Result {
	g.log.Warn("external request rejected", "user_id", userID, "err", err)
	return Result{Outcome: OutcomeRejected, Reason: err.Error(), Err: err}
}
