package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"farmcore/internal/account"
	"farmcore/internal/ledger"
	"farmcore/internal/referral"
)

func (s *Store) EnsureUser(ctx context.Context, in account.NewUser) (account.User, bool, error) {
	var out account.User
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if in.ExternalID != "" {
			u, err := scanUser(tx.QueryRowContext(ctx, userByExternalSQL, in.ExternalID))
			if err == nil {
				out = u
				return nil
			}
			if !errors.Is(err, ledger.ErrUserNotFound) {
				return err
			}
		}

		inviter := in.InviterID
		if inviter > 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = ?)`, inviter).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				inviter = 0
			}
		}

		at := nanos(in.At)
		var referredBy any
		if inviter > 0 {
			referredBy = inviter
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO users (external_id, referred_by, balance_primary, balance_secondary, initial_primary, initial_secondary, created_at, updated_at)
			VALUES (?1, ?2, ?3, ?4, ?3, ?4, ?5, ?5)
			RETURNING id
		`, nullString(in.ExternalID), referredBy, in.InitialPrimary, in.InitialSecondary, at).Scan(&out.ID); err != nil {
			return err
		}
		out.ExternalID = in.ExternalID
		out.ReferredBy = inviter
		out.CreatedAt = in.At.UTC()
		created = true

		if inviter == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO referral_edges (user_id, inviter_id, level, created_at) VALUES (?, ?, 1, ?)
		`, out.ID, inviter, at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO referral_edges (user_id, inviter_id, level, created_at)
			SELECT ?1, inviter_id, level + 1, ?3
			FROM referral_edges
			WHERE user_id = ?2 AND level < ?4
		`, out.ID, inviter, at, ledger.MaxCascadeDepth)
		return err
	})
	return out, created, err
}

const (
	userColumns       = `id, COALESCE(external_id, ''), COALESCE(referred_by, 0), created_at`
	userByExternalSQL = `SELECT ` + userColumns + ` FROM users WHERE external_id = ?`
	userByIDSQL       = `SELECT ` + userColumns + ` FROM users WHERE id = ?`
)

func scanUser(row *sql.Row) (account.User, error) {
	var u account.User
	var created sql.NullInt64
	if err := row.Scan(&u.ID, &u.ExternalID, &u.ReferredBy, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, ledger.ErrUserNotFound
		}
		return u, err
	}
	u.CreatedAt = fromNanos(created)
	return u, nil
}

func (s *Store) User(ctx context.Context, id int64) (account.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, userByIDSQL, id))
}

func (s *Store) Ancestors(ctx context.Context, userID int64, maxDepth int) ([]referral.Ancestor, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain (user_id, level) AS (
			SELECT referred_by, 1
			FROM users
			WHERE id = ?1 AND referred_by IS NOT NULL
			UNION ALL
			SELECT u.referred_by, c.level + 1
			FROM chain c
			JOIN users u ON u.id = c.user_id
			WHERE u.referred_by IS NOT NULL AND c.level < ?2
		)
		SELECT user_id, level FROM chain ORDER BY level
	`, userID, maxDepth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []referral.Ancestor
	for rows.Next() {
		var a referral.Ancestor
		if err := rows.Scan(&a.UserID, &a.Level); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) LevelStats(ctx context.Context, userID int64) ([]referral.LevelStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT level, COUNT(*), 0, 0
		FROM referral_edges
		WHERE inviter_id = ?1
		GROUP BY level
		UNION ALL
		SELECT CAST(json_extract(metadata, '$.level') AS INTEGER), 0,
			SUM(CASE WHEN currency = 'primary' THEN amount_micros ELSE 0 END),
			SUM(CASE WHEN currency = 'secondary' THEN amount_micros ELSE 0 END)
		FROM transactions
		WHERE user_id = ?1 AND type = ?2 AND json_extract(metadata, '$.level') IS NOT NULL
		GROUP BY 1
	`, userID, string(ledger.TypeReferralReward))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byLevel := map[int]*referral.LevelStat{}
	for rows.Next() {
		var level int
		var n, primary, secondary int64
		if err := rows.Scan(&level, &n, &primary, &secondary); err != nil {
			return nil, err
		}
		st, ok := byLevel[level]
		if !ok {
			st = &referral.LevelStat{Level: level}
			byLevel[level] = st
		}
		st.Referrals += n
		st.IncomePrimary += primary
		st.IncomeSecondary += secondary
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]referral.LevelStat, 0, len(byLevel))
	for _, st := range byLevel {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (s *Store) UserIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
