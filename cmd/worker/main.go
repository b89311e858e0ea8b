package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ownmark/anchor/service/anchor"
	"github.com/ownmark/anchor/service/config"
	"github.com/ownmark/anchor/service/db"
	"github.com/ownmark/anchor/service/ledger"
	"github.com/ownmark/anchor/service/lock"
	"github.com/ownmark/anchor/service/metrics"
	natspkg "github.com/ownmark/anchor/service/nats"
	"github.com/ownmark/anchor/service/pool"
	"github.com/ownmark/anchor/service/records"
	"github.com/ownmark/anchor/service/signer"
	"github.com/ownmark/anchor/service/temporal"
	"github.com/ownmark/anchor/service/txbuilder"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// maintenanceInterval is how often the pool-maintenance schedule fires.
const maintenanceInterval = 60 * time.Second

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting anchor worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"store_atomicity", cfg.StoreAtomicity,
		"log_level", cfg.LogLevel,
	)

	// The worker exists to serve the queue; queue-disabled deployments run
	// the pipeline inline through the CLI instead.
	if !cfg.QueueEnabled {
		logger.Error("QUEUE_ENABLED is false: nothing for the worker to do; use `anchor records anchor` for inline runs")
		os.Exit(1)
	}

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Initialize database store with the configured atomicity capability
	store, err := db.NewStore(dbPool, cfg.StoreAtomicity, logger)
	if err != nil {
		logger.Error("failed to create store", "error", err)
		os.Exit(1)
	}

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry
	logger.Info("Prometheus metrics collector initialized")

	// Start metrics HTTP server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	// Initialize Redis-backed distributed locker
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}
	locker := lock.NewLocker(redisClient, logger)
	logger.Info("connected to redis lock store", "addr", cfg.RedisAddr)

	// Initialize ledger-data provider client
	ledgerClient := ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerTimeout, metricsCollector, logger)
	logger.Info("initialized ledger provider client", "url", cfg.LedgerURL)

	// Initialize external signer client
	signerClient := signer.NewHTTPClient(cfg.SignerURL, cfg.SignerTimeout, metricsCollector, logger)
	logger.Info("initialized signer client", "url", cfg.SignerURL)

	// Initialize transaction builder
	builder := txbuilder.NewBuilder(cfg.FeeRatePerKB)

	// Initialize NATS publisher
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer natsPublisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Initialize domain services
	recordService := records.NewService(store, natsPublisher, logger)

	poolService := pool.NewOrchestrator(store, ledgerClient, signerClient, builder, locker, pool.Config{
		FundingAddress:  cfg.FundingAddress,
		FundingKeyID:    cfg.FundingKeyID,
		MinPoolSize:     cfg.MinPoolSize,
		SplitOutputSize: cfg.SplitOutputSize,
		MaxSplitOutputs: cfg.MaxSplitOutputs,
		FeeBuffer:       cfg.FeeBuffer,
		DustThreshold:   cfg.DustThreshold,
		DustSweepFloor:  cfg.DustSweepFloor,
		Confirmations:   cfg.Confirmations,
		ReapAge:         cfg.ReapAge,
		LockTTL:         cfg.LockTTL,
	}, metricsCollector, logger)

	anchorService := anchor.NewService(store, recordService, ledgerClient, signerClient, builder, anchor.Config{
		FundingAddress: cfg.FundingAddress,
		FeeBuffer:      cfg.FeeBuffer,
	}, metricsCollector, logger)

	// Initialize Temporal client for schedule management
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	if err := temporalClient.EnsureMaintenanceSchedule(ctx, maintenanceInterval); err != nil {
		logger.Error("failed to ensure pool-maintenance schedule", "error", err)
		os.Exit(1)
	}
	logger.Info("pool-maintenance schedule ensured", "interval", maintenanceInterval)

	// Initialize Temporal worker
	workerConfig := temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		AnchorService:     anchorService,
		RecordService:     recordService,
		PoolService:       poolService,
		Metrics:           metricsCollector,
		Logger:            logger,
	}

	worker, err := temporal.NewWorker(workerConfig)
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	logger.Info("temporal worker initialized, all dependencies ready",
		"temporal_host", cfg.TemporalHost,
		"temporal_namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
	)

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		logger.Info("starting temporal worker")
		workerErrors <- worker.Start()
	}()

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		logger.Info("stopping temporal worker")
		worker.Stop()
		logger.Info("temporal worker stopped")

		logger.Info("shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
