package db

import (
	"context"
	"errors"
	"sort"
	"time"

	"farmcore/internal/account"
	"farmcore/internal/ledger"
	"farmcore/internal/referral"

	"github.com/jackc/pgx/v5"
)

func (s *Store) EnsureUser(ctx context.Context, in account.NewUser) (account.User, bool, error) {
	var out account.User
	var created bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		created = false
		if in.ExternalID != "" {
			u, err := userByExternalID(ctx, tx, in.ExternalID)
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
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, inviter).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				inviter = 0
			}
		}

		var createdAt time.Time
		err := tx.QueryRow(ctx, `
			INSERT INTO users (external_id, referred_by, balance_primary, balance_secondary, initial_primary, initial_secondary, created_at, updated_at)
			VALUES (NULLIF($1, ''), NULLIF($2::bigint, 0), $3, $4, $3, $4, $5, $5)
			ON CONFLICT (external_id) DO NOTHING
			RETURNING id, created_at
		`, in.ExternalID, inviter, in.InitialPrimary, in.InitialSecondary, in.At).Scan(&out.ID, &createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost a race with a concurrent first login.
			u, err := userByExternalID(ctx, tx, in.ExternalID)
			out = u
			return err
		}
		if err != nil {
			return err
		}
		out.ExternalID = in.ExternalID
		out.ReferredBy = inviter
		out.CreatedAt = createdAt.UTC()
		created = true

		if inviter == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO referral_edges (user_id, inviter_id, level, created_at)
			VALUES ($1, $2, 1, $3)
		`, out.ID, inviter, in.At); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO referral_edges (user_id, inviter_id, level, created_at)
			SELECT $1, inviter_id, level + 1, $3
			FROM referral_edges
			WHERE user_id = $2 AND level < $4
		`, out.ID, inviter, in.At, ledger.MaxCascadeDepth)
		return err
	})
	return out, created, err
}

func userByExternalID(ctx context.Context, tx pgx.Tx, externalID string) (account.User, error) {
	var u account.User
	err := tx.QueryRow(ctx, `
		SELECT id, COALESCE(external_id, ''), COALESCE(referred_by, 0), created_at
		FROM users
		WHERE external_id = $1
	`, externalID).Scan(&u.ID, &u.ExternalID, &u.ReferredBy, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, ledger.ErrUserNotFound
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, err
}

func (s *Store) User(ctx context.Context, id int64) (account.User, error) {
	var u account.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(external_id, ''), COALESCE(referred_by, 0), created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.ExternalID, &u.ReferredBy, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, ledger.ErrUserNotFound
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, err
}

// Ancestors follows referred_by upwards. The depth bound also terminates the
// walk on a corrupted cyclic chain.
func (s *Store) Ancestors(ctx context.Context, userID int64, maxDepth int) ([]referral.Ancestor, error) {
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE chain (user_id, level) AS (
			SELECT referred_by, 1
			FROM users
			WHERE id = $1 AND referred_by IS NOT NULL
			UNION ALL
			SELECT u.referred_by, c.level + 1
			FROM chain c
			JOIN users u ON u.id = c.user_id
			WHERE u.referred_by IS NOT NULL AND c.level < $2
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
	byLevel := map[int]*referral.LevelStat{}
	stat := func(level int) *referral.LevelStat {
		st, ok := byLevel[level]
		if !ok {
			st = &referral.LevelStat{Level: level}
			byLevel[level] = st
		}
		return st
	}

	rows, err := s.pool.Query(ctx, `
		SELECT level, COUNT(*)
		FROM referral_edges
		WHERE inviter_id = $1
		GROUP BY level
	`, userID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var level int
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stat(level).Referrals = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT (metadata->>'level')::int, currency, SUM(amount_micros)::bigint
		FROM transactions
		WHERE user_id = $1 AND type = $2 AND metadata ? 'level'
		GROUP BY 1, 2
	`, userID, string(ledger.TypeReferralReward))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var level int
		var cur string
		var sum int64
		if err := rows.Scan(&level, &cur, &sum); err != nil {
			return nil, err
		}
		if ledger.Currency(cur) == ledger.Secondary {
			stat(level).IncomeSecondary = sum
		} else {
			stat(level).IncomePrimary = sum
		}
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
	rows, err := s.pool.Query(ctx, `SELECT id FROM users WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
