package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/renton5150/campaign-forge-queue/internal/config"
	"github.com/renton5150/campaign-forge-queue/internal/engine"
	"github.com/renton5150/campaign-forge-queue/internal/queue"
	"github.com/renton5150/campaign-forge-queue/internal/store"
	"github.com/renton5150/campaign-forge-queue/internal/transport"
)

// processqueue is the one-shot deployment shape: it claims and processes
// exactly one batch to completion, runs a reclaim sweep, and exits.
// A scheduler invoking it repeatedly is what drains a backlog.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()

	limiter := engine.NewRateLimiter(redisStore.Client(), logger)
	breaker := engine.NewCircuitBreaker(redisStore.Client(), logger)
	registry := transport.NewRegistry(logger)

	worker := queue.NewWorker(pgStore, pgStore, limiter, breaker, registry, nil, logger, queue.Config{
		BatchSize:   cfg.BatchSize,
		SendTimeout: cfg.SendTimeout,
		ItemDelay:   cfg.ItemDelay,
	})

	stats, err := worker.ProcessBatch(ctx)
	if err != nil {
		logger.Error("batch processing failed", "error", err)
		os.Exit(1)
	}

	reclaimer := queue.NewReclaimer(pgStore, logger, cfg.ReclaimInterval, cfg.ReclaimThreshold)
	reclaimed, err := reclaimer.RunOnce(ctx)
	if err != nil {
		logger.Error("reclaim sweep failed", "error", err)
	}

	logger.Info("batch complete",
		"claimed", stats.Claimed,
		"sent", stats.Sent,
		"retried", stats.Retried,
		"failed", stats.Failed,
		"bounced", stats.Bounced,
		"deferred", stats.Deferred,
		"skipped", stats.Skipped,
		"reclaimed", reclaimed,
	)
}
