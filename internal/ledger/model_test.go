package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{in: "10", want: 10 * MicrosPerUnit},
		{in: " 1.736111 ", want: 1_736_111},
		{in: "0.000001", want: 1},
		{in: "250.5", want: 250_500_000},
	}
	for _, tc := range tests {
		got, err := ParseAmount(tc.in)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseAmount(%q) got=%d want=%d", tc.in, got, tc.want)
		}
	}

	invalid := []string{"", "abc", "0", "-5", "0.0000001", "1.1234567"}
	for _, in := range invalid {
		if _, err := ParseAmount(in); !errors.Is(err, ErrValidation) {
			t.Fatalf("ParseAmount(%q) expected validation error, got %v", in, err)
		}
	}
}

func TestUnitsToMicrosTruncates(t *testing.T) {
	got := UnitsToMicros(decimal.RequireFromString("1.9999999"))
	if got != 1_999_999 {
		t.Fatalf("got %d want 1999999", got)
	}
	if s := FormatMicros(1_736_111); s != "1.736111" {
		t.Fatalf("FormatMicros got %q", s)
	}
}

func TestParseCurrency(t *testing.T) {
	tests := map[string]Currency{
		"primary":   Primary,
		"UNI":       Primary,
		"secondary": Secondary,
		" ton ":     Secondary,
	}
	for in, want := range tests {
		got, err := ParseCurrency(in)
		if err != nil || got != want {
			t.Fatalf("ParseCurrency(%q) got=%q err=%v want=%q", in, got, err, want)
		}
	}
	if _, err := ParseCurrency("usd"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown currency")
	}
}

func TestTxTypeRules(t *testing.T) {
	for _, typ := range []TxType{TypeFarmingReward, TypeBoostReward} {
		if !typ.TriggersCascade() {
			t.Fatalf("%s should trigger the referral cascade", typ)
		}
	}
	for _, typ := range []TxType{TypeDeposit, TypeBoostPurchase, TypeReferralReward, TypeDailyBonus, TypeMissionReward, TypeWithdrawal} {
		if typ.TriggersCascade() {
			t.Fatalf("%s must not trigger the referral cascade", typ)
		}
	}
	for _, typ := range []TxType{TypeReconciliation, TypeBoostPaymentExternal} {
		if typ.AffectsBalance() {
			t.Fatalf("%s must not affect balance", typ)
		}
	}
	if TypeDeposit.allowsDebit() || !TypeDeposit.allowsCredit() {
		t.Fatalf("deposit is credit only")
	}
	if TypeWithdrawal.allowsCredit() || !TypeWithdrawal.allowsDebit() {
		t.Fatalf("withdrawal is debit only")
	}
	if !TypeAdjustment.allowsCredit() || !TypeAdjustment.allowsDebit() {
		t.Fatalf("adjustment goes both ways")
	}
}

func TestReconciliationErrorUnwrap(t *testing.T) {
	err := error(&ReconciliationError{UserID: 7, Currency: Primary, Reason: "commit", Err: ErrCommitUnknown})
	if !errors.Is(err, ErrReconciliationRequired) || !errors.Is(err, ErrCommitUnknown) {
		t.Fatalf("expected both sentinels in chain: %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("reconciliation errors are never retryable")
	}
	if !IsRetryable(errors.Join(ErrPersistence, errors.New("conn reset"))) {
		t.Fatalf("persistence errors are retryable")
	}
}
