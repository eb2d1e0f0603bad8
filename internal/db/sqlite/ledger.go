package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"farmcore/internal/ledger"

	"github.com/mattn/go-sqlite3"
)

func (s *Store) Apply(ctx context.Context, m ledger.Mutation) (ledger.Applied, error) {
	var out ledger.Applied
	meta, err := json.Marshal(m.Meta)
	if err != nil {
		return out, fmt.Errorf("encode metadata: %w", err)
	}
	col := balanceColumn(m.Currency)
	at := nanos(m.At)

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		out = ledger.Applied{}
		if err := tx.QueryRowContext(ctx, `
			SELECT id, balance_primary, balance_secondary FROM users WHERE id = ?
		`, m.UserID).Scan(&out.Before.UserID, &out.Before.PrimaryMicros, &out.Before.SecondaryMicros); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ledger.ErrUserNotFound
			}
			return err
		}
		if out.Before.Of(m.Currency)+m.Delta < 0 {
			return ledger.ErrInsufficientFunds
		}

		entry := ledger.Entry{
			UserID:       m.UserID,
			Type:         m.Type,
			Currency:     m.Currency,
			AmountMicros: m.Amount,
			DeltaMicros:  m.Delta,
			Status:       ledger.StatusCompleted,
			DedupKey:     m.DedupKey,
			Metadata:     m.Meta,
			CreatedAt:    m.At.UTC(),
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO transactions (user_id, type, currency, amount_micros, delta_micros, status, dedup_key, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (dedup_key) DO NOTHING
			RETURNING id
		`, m.UserID, string(m.Type), string(m.Currency), m.Amount, m.Delta, entry.Status, nullString(m.DedupKey), string(meta), at).Scan(&entry.ID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ledger.ErrAlreadyProcessed
			}
			return err
		}
		out.Entry = entry

		out.After = out.Before
		if m.Delta != 0 {
			err := tx.QueryRowContext(ctx, `
				UPDATE users
				SET `+col+` = `+col+` + ?1, updated_at = ?2
				WHERE id = ?3 AND `+col+` + ?1 >= 0
				RETURNING balance_primary, balance_secondary
			`, m.Delta, at, m.UserID).Scan(&out.After.PrimaryMicros, &out.After.SecondaryMicros)
			switch {
			case errors.Is(err, sql.ErrNoRows), isConstraint(err, sqlite3.ErrConstraintCheck):
				return ledger.ErrInsufficientFunds
			case err != nil:
				return err
			}
		}

		if m.Position != nil {
			return applyPosition(ctx, tx, m.UserID, *m.Position)
		}
		return nil
	})
	return out, err
}

func applyPosition(ctx context.Context, tx *sql.Tx, userID int64, p ledger.PositionUpdate) error {
	var q string
	var args []any
	switch {
	case p.Op == ledger.OpAdvanceCursor && p.Kind == ledger.PositionFarming:
		q = `
			UPDATE users
			SET farming_last_accrual_at = MAX(COALESCE(farming_last_accrual_at, ?2), ?2)
			WHERE id = ?1`
		args = []any{userID, nanos(p.At)}
	case p.Op == ledger.OpAdvanceCursor && p.Kind == ledger.PositionBoost:
		q = `
			UPDATE users
			SET boost_last_accrual_at = MAX(COALESCE(boost_last_accrual_at, ?2), ?2)
			WHERE id = ?1`
		args = []any{userID, nanos(p.At)}
	case p.Op == ledger.OpOpen && p.Kind == ledger.PositionFarming:
		q = `
			UPDATE users
			SET farming_deposit = farming_deposit + ?2,
				farming_rate = CASE WHEN CAST(farming_rate AS REAL) = 0 THEN ?3 ELSE farming_rate END,
				farming_started_at = COALESCE(farming_started_at, ?4),
				farming_last_accrual_at = COALESCE(farming_last_accrual_at, ?4)
			WHERE id = ?1`
		args = []any{userID, p.AddDeposit, p.DailyRate.String(), nanos(p.At)}
	case p.Op == ledger.OpOpen && p.Kind == ledger.PositionBoost:
		q = `
			UPDATE users
			SET boost_deposit = CASE WHEN boost_expires_at > ?2 THEN boost_deposit ELSE 0 END + ?3,
				boost_started_at = CASE WHEN boost_expires_at > ?2 THEN boost_started_at ELSE ?2 END,
				boost_last_accrual_at = CASE WHEN boost_expires_at > ?2 THEN boost_last_accrual_at ELSE ?2 END,
				boost_rate = ?4,
				boost_package_id = ?5,
				boost_expires_at = MAX(COALESCE(boost_expires_at, ?6), ?6)
			WHERE id = ?1`
		args = []any{userID, nanos(p.At), p.AddDeposit, p.DailyRate.String(), p.PackageID, nanos(p.ExpiresAt)}
	default:
		return fmt.Errorf("%w: unsupported position update %s/%d", ledger.ErrValidation, p.Kind, p.Op)
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update %s position: %w", p.Kind, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ledger.ErrUserNotFound
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, userID int64) (ledger.Balance, error) {
	b := ledger.Balance{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_primary, balance_secondary FROM users WHERE id = ?
	`, userID).Scan(&b.PrimaryMicros, &b.SecondaryMicros)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ledger.ErrUserNotFound
	}
	return b, err
}

func (s *Store) Totals(ctx context.Context, userID int64) (ledger.Totals, error) {
	t := ledger.Totals{Balance: ledger.Balance{UserID: userID}}
	err := s.db.QueryRowContext(ctx, `
		SELECT u.balance_primary, u.balance_secondary, u.initial_primary, u.initial_secondary,
			COALESCE((SELECT SUM(delta_micros) FROM transactions WHERE user_id = u.id AND currency = 'primary'), 0),
			COALESCE((SELECT SUM(delta_micros) FROM transactions WHERE user_id = u.id AND currency = 'secondary'), 0)
		FROM users u
		WHERE u.id = ?
	`, userID).Scan(
		&t.Balance.PrimaryMicros, &t.Balance.SecondaryMicros,
		&t.InitialPrimary, &t.InitialSecondary,
		&t.DeltaPrimary, &t.DeltaSecondary,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ledger.ErrUserNotFound
	}
	return t, err
}

func (s *Store) CorrectBalance(ctx context.Context, c ledger.Correction) (ledger.Entry, error) {
	drift := c.Expected - c.Observed
	amount := drift
	if amount < 0 {
		amount = -amount
	}
	entry := ledger.Entry{
		UserID:       c.UserID,
		Type:         ledger.TypeReconciliation,
		Currency:     c.Currency,
		AmountMicros: amount,
		Status:       ledger.StatusCompleted,
		Metadata: ledger.Metadata{Extra: map[string]any{
			"observed_micros": c.Observed,
			"expected_micros": c.Expected,
			"drift_micros":    drift,
		}},
		CreatedAt: c.At.UTC(),
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return entry, fmt.Errorf("encode metadata: %w", err)
	}
	col := balanceColumn(c.Currency)

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET `+col+` = ?, updated_at = ? WHERE id = ? AND `+col+` = ?
		`, c.Expected, nanos(c.At), c.UserID, c.Observed)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = ?)`, c.UserID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ledger.ErrUserNotFound
			}
			return fmt.Errorf("%w: %s balance changed during reconciliation", ledger.ErrConflict, c.Currency)
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO transactions (user_id, type, currency, amount_micros, delta_micros, status, metadata, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)
			RETURNING id
		`, c.UserID, string(entry.Type), string(c.Currency), amount, entry.Status, string(meta), nanos(c.At)).Scan(&entry.ID)
	})
	return entry, err
}

func (s *Store) Entries(ctx context.Context, userID int64, f ledger.EntryFilter) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, currency, amount_micros, delta_micros, status,
			COALESCE(dedup_key, ''), metadata, created_at
		FROM transactions
		WHERE user_id = ?1
			AND (?2 = '' OR type = ?2)
			AND (?3 = '' OR currency = ?3)
		ORDER BY id DESC
		LIMIT ?4 OFFSET ?5
	`, userID, string(f.Type), string(f.Currency), f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Entry, 0, f.Limit)
	for rows.Next() {
		var e ledger.Entry
		var typ, cur, meta string
		var created sql.NullInt64
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &cur, &e.AmountMicros, &e.DeltaMicros, &e.Status, &e.DedupKey, &meta, &created); err != nil {
			return nil, err
		}
		e.Type = ledger.TxType(typ)
		e.Currency = ledger.Currency(cur)
		e.CreatedAt = fromNanos(created)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of entry %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
