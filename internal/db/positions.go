package db

import (
	"context"
	"fmt"
	"time"

	"farmcore/internal/accrual"
	"farmcore/internal/ledger"

	"github.com/shopspring/decimal"
)

// ActivePositions lists every farming position with a deposit and every boost
// that is still running at now or has at least minElapsed unpaid before its
// expiry, ordered by user then kind.
func (s *Store) ActivePositions(ctx context.Context, now time.Time, minElapsed time.Duration) ([]accrual.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, 'farming', farming_deposit, farming_rate::text,
			farming_started_at, farming_last_accrual_at, NULL::timestamptz
		FROM users
		WHERE farming_deposit > 0 AND farming_rate > 0 AND farming_started_at IS NOT NULL
		UNION ALL
		SELECT id, 'boost', boost_deposit, boost_rate::text,
			boost_started_at, boost_last_accrual_at, boost_expires_at
		FROM users
		WHERE boost_deposit > 0 AND boost_rate > 0 AND boost_started_at IS NOT NULL
			AND (boost_expires_at > $1
				OR COALESCE(boost_last_accrual_at, boost_started_at) <= boost_expires_at - $2::bigint * interval '1 microsecond')
		ORDER BY 1, 2 DESC
	`, now, minElapsed.Microseconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accrual.Position
	for rows.Next() {
		var p accrual.Position
		var kind, rate string
		var started, cursor, expires *time.Time
		if err := rows.Scan(&p.UserID, &kind, &p.DepositMicros, &rate, &started, &cursor, &expires); err != nil {
			return nil, err
		}
		p.Kind = ledger.PositionKind(kind)
		if p.DailyRate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("parse %s rate of user %d: %w", kind, p.UserID, err)
		}
		p.StartedAt = derefTime(started)
		p.Cursor = derefTime(cursor)
		p.ExpiresAt = derefTime(expires)
		out = append(out, p)
	}
	return out, rows.Err()
}
