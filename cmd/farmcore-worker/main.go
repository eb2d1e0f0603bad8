package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"farmcore/internal/app"
	"farmcore/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	core, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("backend init failed", "err", err)
		os.Exit(1)
	}
	defer core.Close()

	if cfg.WorkerRunOnce {
		rep, err := core.Scheduler.Tick(ctx)
		if err != nil {
			logger.Error("tick failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed",
			"skipped", rep.Skipped,
			"paid", rep.Paid,
			"failed", rep.Failed,
			"deferred", rep.Deferred,
		)
		return
	}

	if err := core.Scheduler.Run(ctx); err != nil {
		logger.Error("scheduler stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("worker shutdown")
}
