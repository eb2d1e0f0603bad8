package sqlite

import (
	"context"
	"time"
)

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_leases (name, owner, expires_at)
		VALUES (?1, ?2, ?3)
		ON CONFLICT (name) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE scheduler_leases.expires_at < ?4 OR scheduler_leases.owner = excluded.owner
	`, name, owner, nanos(now.Add(ttl)), nanos(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_leases WHERE name = ? AND owner = ?`, name, owner)
	return err
}
