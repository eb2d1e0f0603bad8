package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"farmcore/internal/accrual"
	"farmcore/internal/ledger"

	"github.com/shopspring/decimal"
)

func (s *Store) ActivePositions(ctx context.Context, now time.Time, minElapsed time.Duration) ([]accrual.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, 'farming', farming_deposit, farming_rate,
			farming_started_at, farming_last_accrual_at, NULL
		FROM users
		WHERE farming_deposit > 0 AND CAST(farming_rate AS REAL) > 0 AND farming_started_at IS NOT NULL
		UNION ALL
		SELECT id, 'boost', boost_deposit, boost_rate,
			boost_started_at, boost_last_accrual_at, boost_expires_at
		FROM users
		WHERE boost_deposit > 0 AND CAST(boost_rate AS REAL) > 0 AND boost_started_at IS NOT NULL
			AND (boost_expires_at > ?1
				OR COALESCE(boost_last_accrual_at, boost_started_at) <= boost_expires_at - ?2)
		ORDER BY 1, 2 DESC
	`, nanos(now), int64(minElapsed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accrual.Position
	for rows.Next() {
		var p accrual.Position
		var kind, rate string
		var started, cursor, expires sql.NullInt64
		if err := rows.Scan(&p.UserID, &kind, &p.DepositMicros, &rate, &started, &cursor, &expires); err != nil {
			return nil, err
		}
		p.Kind = ledger.PositionKind(kind)
		if p.DailyRate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("parse %s rate of user %d: %w", kind, p.UserID, err)
		}
		p.StartedAt = fromNanos(started)
		p.Cursor = fromNanos(cursor)
		p.ExpiresAt = fromNanos(expires)
		out = append(out, p)
	}
	return out, rows.Err()
}
