package db

import (
	"context"
	"time"
)

// TryAcquire takes the named lease when it is free, expired, or already held
// by owner. Expiry is judged by the database clock so instances with skewed
// clocks agree.
func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_leases (name, owner, expires_at)
		VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE scheduler_leases.expires_at < now() OR scheduler_leases.owner = EXCLUDED.owner
	`, name, owner, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduler_leases WHERE name = $1 AND owner = $2`, name, owner)
	return err
}
