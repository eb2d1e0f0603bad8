package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the persistence contract behind Manager. Implementations must run
// each Apply as one durable unit: the balance row update, the ledger insert
// and the optional position update commit together or not at all.
//
// Errors returned must wrap ErrUserNotFound, ErrInsufficientFunds,
// ErrAlreadyProcessed (dedup key conflict) or ErrCommitUnknown where those
// apply. Anything else is treated as a transient persistence failure.
type Store interface {
	Apply(ctx context.Context, m Mutation) (Applied, error)
	Balance(ctx context.Context, userID int64) (Balance, error)
	Totals(ctx context.Context, userID int64) (Totals, error)
	CorrectBalance(ctx context.Context, c Correction) (Entry, error)
	Entries(ctx context.Context, userID int64, f EntryFilter) ([]Entry, error)
}

type Mutation struct {
	UserID   int64
	Currency Currency
	Type     TxType
	Amount   int64
	Delta    int64
	DedupKey string
	Meta     Metadata
	Position *PositionUpdate
	At       time.Time
}

type Applied struct {
	Entry  Entry
	Before Balance
	After  Balance
}

type PositionKind string

const (
	PositionFarming PositionKind = "farming"
	PositionBoost   PositionKind = "boost"
)

type PositionOp uint8

const (
	// OpAdvanceCursor moves the accrual cursor to At, never backwards.
	OpAdvanceCursor PositionOp = iota + 1
	// OpOpen adds to (farming) or activates (boost) a position.
	OpOpen
)

// PositionUpdate rides along with a balance mutation so the farming or boost
// state on the user row changes in the same unit.
type PositionUpdate struct {
	Kind       PositionKind
	Op         PositionOp
	At         time.Time
	AddDeposit int64
	// DailyRate is applied to farming only when the user has no rate yet,
	// and always replaces the boost rate.
	DailyRate decimal.Decimal
	PackageID int
	ExpiresAt time.Time
}

type Totals struct {
	Balance          Balance
	InitialPrimary   int64
	InitialSecondary int64
	DeltaPrimary     int64
	DeltaSecondary   int64
}

func (t Totals) Expected(c Currency) int64 {
	if c == Secondary {
		return t.InitialSecondary + t.DeltaSecondary
	}
	return t.InitialPrimary + t.DeltaPrimary
}

// Correction sets a drifted balance back to its ledger-derived value. Stores
// apply it only if the balance still equals Observed.
type Correction struct {
	UserID   int64
	Currency Currency
	Observed int64
	Expected int64
	At       time.Time
}

type EntryFilter struct {
	Type     TxType
	Currency Currency
	Limit    int
	Offset   int
}
