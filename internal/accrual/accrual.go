package accrual

import (
	"fmt"
	"strings"
	"time"

	"farmcore/internal/ledger"

	"github.com/shopspring/decimal"
)

type Mode string

const (
	// ModeInterval pays exactly one period per due tick.
	ModeInterval Mode = "interval"
	// ModeCumulative pays every elapsed period up to the cap.
	ModeCumulative Mode = "cumulative"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeInterval, "":
		return ModeInterval, nil
	case ModeCumulative:
		return ModeCumulative, nil
	default:
		return "", fmt.Errorf("unknown accrual mode %q", s)
	}
}

// Position is one yield-bearing position due for evaluation.
type Position struct {
	UserID        int64
	Kind          ledger.PositionKind
	DepositMicros int64
	DailyRate     decimal.Decimal
	StartedAt     time.Time
	Cursor        time.Time
	ExpiresAt     time.Time
}

// EffectiveCursor is the last confirmed payout, or the start time for a
// position that has never been paid.
func (p Position) EffectiveCursor() time.Time {
	if p.Cursor.IsZero() {
		return p.StartedAt
	}
	return p.Cursor
}

func (p Position) Currency() ledger.Currency {
	if p.Kind == ledger.PositionBoost {
		return ledger.Secondary
	}
	return ledger.Primary
}

func (p Position) RewardType() ledger.TxType {
	if p.Kind == ledger.PositionBoost {
		return ledger.TypeBoostReward
	}
	return ledger.TypeFarmingReward
}

// PeriodsDue returns how many periods to pay for a position whose cursor is
// at cursor. Zero means the position is not due yet.
//
// In interval mode a position is due once elapsed+slack reaches one period.
// The cursor moves to the tick time on every payout, so without slack a tick
// that fires a little early relative to the previous one would find just
// under a period elapsed and pay nothing.
func PeriodsDue(mode Mode, cursor, now time.Time, period, slack time.Duration, maxCap int) int {
	if period <= 0 || cursor.IsZero() || !now.After(cursor) {
		return 0
	}
	elapsed := now.Sub(cursor)
	if mode == ModeInterval {
		if slack < 0 {
			slack = 0
		}
		if elapsed+slack >= period {
			return 1
		}
		return 0
	}
	n := int64(elapsed / period)
	if n < 1 {
		return 0
	}
	if maxCap > 0 && n > int64(maxCap) {
		return maxCap
	}
	return int(n)
}

// Reward is deposit * dailyRate / periodsPerDay * periods, truncated to micros.
func Reward(depositMicros int64, dailyRate decimal.Decimal, periods int, period time.Duration) int64 {
	if depositMicros <= 0 || periods <= 0 || period <= 0 || !dailyRate.IsPositive() {
		return 0
	}
	// periods/periodsPerDay == periods*period/day; dividing last keeps the
	// intermediate exact.
	v := decimal.NewFromInt(depositMicros).
		Mul(dailyRate).
		Mul(decimal.NewFromInt(int64(periods))).
		Mul(decimal.NewFromInt(int64(period))).
		Div(decimal.NewFromInt(int64(24 * time.Hour)))
	return v.Truncate(0).IntPart()
}
