package ledger

import (
	"fmt"
	"strings"
	"time"
)

type Currency string

const (
	Primary   Currency = "primary"
	Secondary Currency = "secondary"
)

func ParseCurrency(s string) (Currency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "uni":
		return Primary, nil
	case "secondary", "ton":
		return Secondary, nil
	default:
		return "", fmt.Errorf("%w: unknown currency %q", ErrValidation, s)
	}
}

func (c Currency) Valid() bool {
	return c == Primary || c == Secondary
}

// TxType is the closed set of ledger entry kinds. Adding one means adding a
// row to txTypes below.
type TxType string

const (
	TypeDeposit              TxType = "deposit"
	TypeWithdrawal           TxType = "withdrawal"
	TypeFarmingReward        TxType = "farming-reward"
	TypeBoostReward          TxType = "boost-reward"
	TypeReferralReward       TxType = "referral-reward"
	TypeDailyBonus           TxType = "daily-bonus"
	TypeMissionReward        TxType = "mission-reward"
	TypeBoostPurchase        TxType = "boost-purchase"
	TypeFarmingDeposit       TxType = "farming-deposit"
	TypeAdjustment           TxType = "adjustment"
	TypeReconciliation       TxType = "reconciliation"
	TypeBoostPaymentExternal TxType = "boost-payment-external"
)

type direction uint8

const (
	dirNone direction = iota
	dirCredit
	dirDebit
	dirBoth
)

type txTypeInfo struct {
	affectsBalance  bool
	triggersCascade bool
	dir             direction
}

var txTypes = map[TxType]txTypeInfo{
	TypeDeposit:              {affectsBalance: true, dir: dirCredit},
	TypeWithdrawal:           {affectsBalance: true, dir: dirDebit},
	TypeFarmingReward:        {affectsBalance: true, triggersCascade: true, dir: dirCredit},
	TypeBoostReward:          {affectsBalance: true, triggersCascade: true, dir: dirCredit},
	TypeReferralReward:       {affectsBalance: true, dir: dirCredit},
	TypeDailyBonus:           {affectsBalance: true, dir: dirCredit},
	TypeMissionReward:        {affectsBalance: true, dir: dirCredit},
	TypeBoostPurchase:        {affectsBalance: true, dir: dirDebit},
	TypeFarmingDeposit:       {affectsBalance: true, dir: dirDebit},
	TypeAdjustment:           {affectsBalance: true, dir: dirBoth},
	TypeReconciliation:       {affectsBalance: false, dir: dirNone},
	TypeBoostPaymentExternal: {affectsBalance: false, dir: dirNone},
}

func (t TxType) Valid() bool {
	_, ok := txTypes[t]
	return ok
}

func (t TxType) AffectsBalance() bool {
	return txTypes[t].affectsBalance
}

// TriggersCascade reports whether income of this type is shared with the
// payee's ancestors.
func (t TxType) TriggersCascade() bool {
	return txTypes[t].triggersCascade
}

func (t TxType) allowsCredit() bool {
	d := txTypes[t].dir
	return d == dirCredit || d == dirBoth
}

func (t TxType) allowsDebit() bool {
	d := txTypes[t].dir
	return d == dirDebit || d == dirBoth
}

func ParseTxType(s string) (TxType, error) {
	t := TxType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown transaction type %q", ErrValidation, s)
	}
	return t, nil
}

const StatusCompleted = "completed"

type Balance struct {
	UserID          int64 `json:"user_id"`
	PrimaryMicros   int64 `json:"primary_micros"`
	SecondaryMicros int64 `json:"secondary_micros"`
}

func (b Balance) Of(c Currency) int64 {
	if c == Secondary {
		return b.SecondaryMicros
	}
	return b.PrimaryMicros
}

// Metadata is stored as JSON next to each entry.
type Metadata struct {
	Level        int            `json:"level,omitempty"`
	SourceUserID int64          `json:"source_user_id,omitempty"`
	ExternalRef  string         `json:"external_ref,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

type Entry struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Type         TxType    `json:"type"`
	Currency     Currency  `json:"currency"`
	AmountMicros int64     `json:"amount_micros"`
	DeltaMicros  int64     `json:"delta_micros"`
	Status       string    `json:"status"`
	DedupKey     string    `json:"dedup_key,omitempty"`
	Metadata     Metadata  `json:"metadata"`
	CreatedAt    time.Time `json:"created_at"`
}
