package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	MicrosPerUnit = int64(1_000_000)

	// MaxCascadeDepth bounds every walk of the referred_by chain.
	MaxCascadeDepth = 20
)

var microsPerUnitDec = decimal.NewFromInt(MicrosPerUnit)

// UnitsToMicros converts a decimal amount to micros, truncating toward zero.
func UnitsToMicros(v decimal.Decimal) int64 {
	return v.Mul(microsPerUnitDec).Truncate(0).IntPart()
}

func MicrosToUnits(v int64) decimal.Decimal {
	return decimal.New(v, -6)
}

// ParseAmount parses a positive decimal string such as "10" or "1.736111"
// into micros. Precision beyond six places is rejected rather than rounded.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: amount is required", ErrValidation)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrValidation, s, err)
	}
	if !d.Equal(d.Truncate(6)) {
		return 0, fmt.Errorf("%w: amount %q has more than 6 decimal places", ErrValidation, s)
	}
	micros := UnitsToMicros(d)
	if micros <= 0 {
		return 0, fmt.Errorf("%w: amount must be > 0", ErrValidation)
	}
	return micros, nil
}

func FormatMicros(v int64) string {
	return MicrosToUnits(v).StringFixed(6)
}
