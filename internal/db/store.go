package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"farmcore/internal/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL backend for the ledger, the account registry, the
// referral chain, the accrual positions and the scheduler lease.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, log: logger}
}

// inTx runs fn in a read-committed transaction, retrying serialization
// failures and deadlocks with backoff. A commit that fails without a server
// response is reported as ledger.ErrCommitUnknown and never retried.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxAttempts = 6
	retryDelay := 25 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
		}
		s.log.Debug("retrying transaction", "attempt", attempt+1, "err", err)
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 800*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ledger.ErrConflict
}

func (s *Store) attempt(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return err
		}
		return fmt.Errorf("%w: %w", ledger.ErrCommitUnknown, err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func balanceColumn(c ledger.Currency) string {
	if c == ledger.Secondary {
		return "balance_secondary"
	}
	return "balance_primary"
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
