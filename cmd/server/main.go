package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/renton5150/campaign-forge-queue/internal/api"
	"github.com/renton5150/campaign-forge-queue/internal/config"
	"github.com/renton5150/campaign-forge-queue/internal/engine"
	"github.com/renton5150/campaign-forge-queue/internal/queue"
	"github.com/renton5150/campaign-forge-queue/internal/store"
	"github.com/renton5150/campaign-forge-queue/internal/transport"
	ws "github.com/renton5150/campaign-forge-queue/internal/websocket"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize PostgreSQL
	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis (rate-limit counters, circuit state)
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	// WebSocket hub for live campaign progress
	hub := ws.NewHub(logger)
	go hub.Run()

	// Delivery pipeline
	limiter := engine.NewRateLimiter(redisStore.Client(), logger)
	breaker := engine.NewCircuitBreaker(redisStore.Client(), logger)
	registry := transport.NewRegistry(logger)

	worker := queue.NewWorker(pgStore, pgStore, limiter, breaker, registry, hub, logger, queue.Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		SendTimeout:  cfg.SendTimeout,
		ItemDelay:    cfg.ItemDelay,
	})
	producer := queue.NewProducer(pgStore, worker, hub, logger)

	if cfg.WorkerAutorun {
		if err := worker.Start(); err != nil {
			logger.Error("failed to start worker", "error", err)
			os.Exit(1)
		}
	}

	// Stuck-item reclaimer runs on its own timer, independent of the
	// worker's poll cycle.
	reclaimCtx, stopReclaimer := context.WithCancel(ctx)
	reclaimer := queue.NewReclaimer(pgStore, logger, cfg.ReclaimInterval, cfg.ReclaimThreshold)
	go reclaimer.Start(reclaimCtx)

	// Setup router
	router := api.NewRouter(pgStore, producer, worker, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	stopReclaimer()
	worker.Stop()

	logger.Info("server stopped")
}
