package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"farmcore/internal/ledger"

	"github.com/shopspring/decimal"
)

type Ancestor struct {
	UserID int64 `json:"user_id"`
	Level  int   `json:"level"`
}

type LevelStat struct {
	Level           int   `json:"level"`
	Referrals       int64 `json:"referrals"`
	IncomePrimary   int64 `json:"income_primary_micros"`
	IncomeSecondary int64 `json:"income_secondary_micros"`
}

// ChainStore reads the invitation graph. Ancestors returns the referred_by
// chain of userID ordered by level, level 1 being the direct inviter.
type ChainStore interface {
	Ancestors(ctx context.Context, userID int64, maxDepth int) ([]Ancestor, error)
	LevelStats(ctx context.Context, userID int64) ([]LevelStat, error)
}

type Payer interface {
	Credit(ctx context.Context, req ledger.Request) (ledger.Result, error)
}

type Engine struct {
	chain ChainStore
	payer Payer
	log   *slog.Logger
}

func NewEngine(chain ChainStore, payer Payer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{chain: chain, payer: payer, log: logger}
}

var hundred = decimal.NewFromInt(100)

// Rate is the share of a reward paid at level: the direct inviter receives
// 100%, level L >= 2 receives L%.
func Rate(level int) decimal.Decimal {
	if level == 1 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(int64(level)).Div(hundred)
}

func Commission(amount int64, level int) int64 {
	if level < 1 || level > ledger.MaxCascadeDepth || amount <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(Rate(level)).Truncate(0).IntPart()
}

type Payout struct {
	SourceUserID  int64
	Amount        int64
	Currency      ledger.Currency
	Type          ledger.TxType
	SourceEntryID int64
}

type PaidCommission struct {
	Level      int   `json:"level"`
	AncestorID int64 `json:"ancestor_id"`
	Amount     int64 `json:"amount_micros"`
	EntryID    int64 `json:"entry_id"`
}

type LevelFailure struct {
	Level      int
	AncestorID int64
	Err        error
}

type CascadeReport struct {
	Paid        []PaidCommission
	Failed      []LevelFailure
	AlreadyPaid int
	Dust        int
}

// Distribute pays each ancestor of the payout's recipient its commission.
// Income types that do not trigger a cascade produce an empty report. A
// failure at one level is recorded and the walk continues with the next.
func (e *Engine) Distribute(ctx context.Context, p Payout) (CascadeReport, error) {
	var rep CascadeReport
	if !p.Type.TriggersCascade() || p.Amount <= 0 {
		return rep, nil
	}
	chain, err := e.chain.Ancestors(ctx, p.SourceUserID, ledger.MaxCascadeDepth)
	if err != nil {
		return rep, fmt.Errorf("%w: load ancestors of %d: %w", ledger.ErrPersistence, p.SourceUserID, err)
	}

	seen := make(map[int64]struct{}, len(chain))
	for i, a := range chain {
		if i >= ledger.MaxCascadeDepth {
			break
		}
		if _, dup := seen[a.UserID]; dup || a.UserID == p.SourceUserID {
			e.log.Warn("referral chain repeats, stopping walk", "source_user_id", p.SourceUserID, "ancestor_id", a.UserID, "level", a.Level)
			break
		}
		seen[a.UserID] = struct{}{}
		level := i + 1

		amount := Commission(p.Amount, level)
		if amount <= 0 {
			rep.Dust++
			continue
		}
		req := ledger.Request{
			UserID:   a.UserID,
			Amount:   amount,
			Currency: p.Currency,
			Type:     ledger.TypeReferralReward,
			Meta: ledger.Metadata{
				Level:        level,
				SourceUserID: p.SourceUserID,
				Extra:        map[string]any{"source_type": string(p.Type)},
			},
		}
		if p.SourceEntryID > 0 {
			req.DedupKey = fmt.Sprintf("referral:%d:%d", p.SourceEntryID, level)
		}
		res, err := e.payer.Credit(ctx, req)
		switch {
		case err == nil:
			rep.Paid = append(rep.Paid, PaidCommission{Level: level, AncestorID: a.UserID, Amount: amount, EntryID: res.Entry.ID})
		case errors.Is(err, ledger.ErrAlreadyProcessed):
			rep.AlreadyPaid++
		default:
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Failed = append(rep.Failed, LevelFailure{Level: level, AncestorID: a.UserID, Err: err})
			e.log.Error("referral commission failed",
				"source_user_id", p.SourceUserID,
				"ancestor_id", a.UserID,
				"level", level,
				"amount_micros", amount,
				"err", err,
			)
		}
	}
	if len(rep.Paid) > 0 {
		e.log.Info("referral cascade paid",
			"source_user_id", p.SourceUserID,
			"source_type", p.Type,
			"levels", len(rep.Paid),
			"failed", len(rep.Failed),
		)
	}
	return rep, nil
}

func (e *Engine) Chain(ctx context.Context, userID int64) ([]Ancestor, error) {
	chain, err := e.chain.Ancestors(ctx, userID, ledger.MaxCascadeDepth)
	if err != nil {
		return nil, fmt.Errorf("%w: load ancestors of %d: %w", ledger.ErrPersistence, userID, err)
	}
	return chain, nil
}

func (e *Engine) LevelStats(ctx context.Context, userID int64) ([]LevelStat, error) {
	stats, err := e.chain.LevelStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: level stats of %d: %w", ledger.ErrPersistence, userID, err)
	}
	return stats, nil
}
