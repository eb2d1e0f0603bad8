package positions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"farmcore/internal/intake"
	"farmcore/internal/ledger"

	"github.com/shopspring/decimal"
)

type Package struct {
	ID        int             `json:"id"`
	Name      string          `json:"name"`
	MinMicros int64           `json:"min_micros"`
	DailyRate decimal.Decimal `json:"daily_rate"`
	Duration  time.Duration   `json:"duration"`
}

const boostDuration = 365 * 24 * time.Hour

var catalog = []Package{
	{ID: 1, Name: "Starter", MinMicros: 1 * ledger.MicrosPerUnit, DailyRate: decimal.RequireFromString("0.01"), Duration: boostDuration},
	{ID: 2, Name: "Standard", MinMicros: 5 * ledger.MicrosPerUnit, DailyRate: decimal.RequireFromString("0.015"), Duration: boostDuration},
	{ID: 3, Name: "Advanced", MinMicros: 10 * ledger.MicrosPerUnit, DailyRate: decimal.RequireFromString("0.02"), Duration: boostDuration},
	{ID: 4, Name: "Premium", MinMicros: 25 * ledger.MicrosPerUnit, DailyRate: decimal.RequireFromString("0.025"), Duration: boostDuration},
	{ID: 5, Name: "Elite", MinMicros: 50 * ledger.MicrosPerUnit, DailyRate: decimal.RequireFromString("0.03"), Duration: boostDuration},
}

func Packages() []Package {
	out := make([]Package, len(catalog))
	copy(out, catalog)
	return out
}

func PackageByID(id int) (Package, error) {
	for _, p := range catalog {
		if p.ID == id {
			return p, nil
		}
	}
	return Package{}, fmt.Errorf("%w: unknown boost package %d", ledger.ErrValidation, id)
}

type Ledger interface {
	Debit(ctx context.Context, req ledger.Request) (ledger.Result, error)
	Record(ctx context.Context, req ledger.Request) (ledger.Entry, error)
}

// Desk opens farming deposits and boost packages. Each operation is a
// single ledger call carrying the position change, so the debit and the new
// position state commit together.
type Desk struct {
	ledger      Ledger
	farmingRate decimal.Decimal
	log         *slog.Logger
	now         func() time.Time
}

func NewDesk(l Ledger, farmingDailyRate decimal.Decimal, logger *slog.Logger) *Desk {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desk{ledger: l, farmingRate: farmingDailyRate, log: logger, now: time.Now}
}

func (d *Desk) WithClock(now func() time.Time) *Desk {
	d.now = now
	return d
}

// OpenFarming moves amount of the primary balance into the farming deposit.
// The first deposit starts the accrual cursor.
func (d *Desk) OpenFarming(ctx context.Context, userID, amount int64, idempotencyKey string) (ledger.Result, error) {
	if !d.farmingRate.IsPositive() {
		return ledger.Result{}, fmt.Errorf("%w: farming rate is not configured", ledger.ErrValidation)
	}
	req := ledger.Request{
		UserID:   userID,
		Amount:   amount,
		Currency: ledger.Primary,
		Type:     ledger.TypeFarmingDeposit,
		Position: &ledger.PositionUpdate{
			Kind:       ledger.PositionFarming,
			Op:         ledger.OpOpen,
			At:         d.now().UTC(),
			AddDeposit: amount,
			DailyRate:  d.farmingRate,
		},
	}
	if k := strings.TrimSpace(idempotencyKey); k != "" {
		req.DedupKey = fmt.Sprintf("farming:%d:%s", userID, k)
	}
	res, err := d.ledger.Debit(ctx, req)
	if err != nil {
		return res, err
	}
	d.log.Info("farming deposit opened", "user_id", userID, "amount_micros", amount, "entry_id", res.Entry.ID)
	return res, nil
}

// PurchaseBoost pays for a boost package from the secondary balance.
func (d *Desk) PurchaseBoost(ctx context.Context, userID int64, packageID int, amount int64, idempotencyKey string) (ledger.Result, error) {
	pkg, err := PackageByID(packageID)
	if err != nil {
		return ledger.Result{}, err
	}
	if amount < pkg.MinMicros {
		return ledger.Result{}, fmt.Errorf("%w: %s requires at least %s", ledger.ErrValidation, pkg.Name, ledger.FormatMicros(pkg.MinMicros))
	}
	k := strings.TrimSpace(idempotencyKey)
	if k == "" {
		return ledger.Result{}, fmt.Errorf("%w: idempotency key is required", ledger.ErrValidation)
	}
	now := d.now().UTC()
	res, err := d.ledger.Debit(ctx, ledger.Request{
		UserID:   userID,
		Amount:   amount,
		Currency: ledger.Secondary,
		Type:     ledger.TypeBoostPurchase,
		Meta:     ledger.Metadata{Extra: map[string]any{"package_id": pkg.ID, "package": pkg.Name}},
		DedupKey: fmt.Sprintf("boost:%d:%s", userID, k),
		Position: boostActivation(pkg, amount, now),
	})
	if err != nil {
		return res, err
	}
	d.log.Info("boost purchased", "user_id", userID, "package_id", pkg.ID, "amount_micros", amount, "entry_id", res.Entry.ID)
	return res, nil
}

// ActivateExternalBoost activates a boost that was paid directly on-chain.
// No balance moves; the payment is recorded once under its normalized
// reference.
func (d *Desk) ActivateExternalBoost(ctx context.Context, userID int64, packageID int, amount int64, externalRef string) (ledger.Entry, error) {
	pkg, err := PackageByID(packageID)
	if err != nil {
		return ledger.Entry{}, err
	}
	if amount < pkg.MinMicros {
		return ledger.Entry{}, fmt.Errorf("%w: %s requires at least %s", ledger.ErrValidation, pkg.Name, ledger.FormatMicros(pkg.MinMicros))
	}
	canonical, err := intake.NormalizeReference(externalRef)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: %w", ledger.ErrValidation, err)
	}
	now := d.now().UTC()
	entry, err := d.ledger.Record(ctx, ledger.Request{
		UserID:   userID,
		Amount:   amount,
		Currency: ledger.Secondary,
		Type:     ledger.TypeBoostPaymentExternal,
		Meta: ledger.Metadata{
			ExternalRef: strings.TrimSpace(externalRef),
			Extra:       map[string]any{"package_id": pkg.ID, "package": pkg.Name},
		},
		DedupKey: "boost-ext:" + canonical,
		Position: boostActivation(pkg, amount, now),
	})
	if err != nil {
		return entry, err
	}
	d.log.Info("external boost activated", "user_id", userID, "package_id", pkg.ID, "entry_id", entry.ID)
	return entry, nil
}

func boostActivation(pkg Package, amount int64, now time.Time) *ledger.PositionUpdate {
	return &ledger.PositionUpdate{
		Kind:       ledger.PositionBoost,
		Op:         ledger.OpOpen,
		At:         now,
		AddDeposit: amount,
		DailyRate:  pkg.DailyRate,
		PackageID:  pkg.ID,
		ExpiresAt:  now.Add(pkg.Duration),
	}
}
