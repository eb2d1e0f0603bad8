// Package app wires the accounting core onto a configured backend. The API,
// the worker and farmctl all build their services through Open.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"farmcore/internal/account"
	"farmcore/internal/accrual"
	"farmcore/internal/config"
	"farmcore/internal/db"
	"farmcore/internal/db/sqlite"
	"farmcore/internal/intake"
	"farmcore/internal/lease"
	"farmcore/internal/ledger"
	"farmcore/internal/positions"
	"farmcore/internal/referral"
)

// Backend is everything a storage implementation must provide.
type Backend interface {
	ledger.Store
	account.Store
	referral.ChainStore
	accrual.PositionStore
	accrual.Lease
}

type App struct {
	Ledger    *ledger.Manager
	Accounts  *account.Registry
	Referrals *referral.Engine
	Intake    *intake.Gate
	Positions *positions.Desk
	Scheduler *accrual.Scheduler

	closers []func()
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Open connects the backend named by cfg: PostgreSQL when DatabaseURL is
// set, otherwise SQLite at SQLitePath.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}

	var backend Backend
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, err
		}
		backend = db.NewStore(pool, logger)
	} else {
		st, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { st.Close() })
		backend = st
	}

	var lk accrual.Lease = backend
	if cfg.LeaseBackend == config.LeaseBackendRedis {
		rdb, err := lease.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		lk = lease.NewRedis(rdb)
	}

	a.Wire(backend, lk, cfg, logger)
	logger.Info("backend ready", "postgres", cfg.DatabaseURL != "", "lease_backend", cfg.LeaseBackend)
	return a, nil
}

// Wire builds the services over an already opened backend.
func (a *App) Wire(backend Backend, lk accrual.Lease, cfg config.Config, logger *slog.Logger) {
	a.Ledger = ledger.NewManager(backend, logger)
	a.Accounts = account.NewRegistry(backend, logger)
	a.Referrals = referral.NewEngine(backend, a.Ledger, logger)
	a.Intake = intake.NewGate(a.Ledger, logger)
	a.Positions = positions.NewDesk(a.Ledger, cfg.FarmingDailyRate, logger)
	a.Scheduler = accrual.New(cfg.Accrual(), backend, a.Ledger, a.Referrals, lk, logger)
}

// ReconcileUsers reconciles users one at a time. A failure for one user is
// collected and the sweep continues.
func (a *App) ReconcileUsers(ctx context.Context, userIDs []int64) ([]ledger.ReconcileReport, []error) {
	var reports []ledger.ReconcileReport
	var errs []error
	for _, id := range userIDs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		rep, err := a.Ledger.Reconcile(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", id, err))
			continue
		}
		reports = append(reports, rep)
	}
	return reports, errs
}

// ReconcileAll sweeps every user in id order.
func (a *App) ReconcileAll(ctx context.Context) ([]ledger.ReconcileReport, []error) {
	var reports []ledger.ReconcileReport
	var errs []error
	var after int64
	for {
		ids, err := a.Accounts.UserIDs(ctx, after, 500)
		if err != nil {
			return reports, append(errs, err)
		}
		if len(ids) == 0 {
			return reports, errs
		}
		r, e := a.ReconcileUsers(ctx, ids)
		reports = append(reports, r...)
		errs = append(errs, e...)
		if ctx.Err() != nil {
			return reports, errs
		}
		after = ids[len(ids)-1]
	}
}
