package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solsink/solsink/service/config"
	"github.com/solsink/solsink/service/db"
	"github.com/solsink/solsink/service/discovery"
	"github.com/solsink/solsink/service/events"
	"github.com/solsink/solsink/service/ingest"
	"github.com/solsink/solsink/service/metrics"
	"github.com/solsink/solsink/service/solana"
	"github.com/solsink/solsink/service/watcher"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting ingestion worker",
		"rpc_url", cfg.SolanaRPCURL,
		"backup_rpc_configured", cfg.SolanaBackupRPCURL != "",
		"watch_interval", cfg.WatchInterval.String(),
		"reconcile_interval", cfg.ReconcileInterval.String(),
		"log_level", cfg.LogLevel,
	)

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

	// Initialize Prometheus metrics collector
	registry := prometheus.NewRegistry()
	metricsCollector := metrics.NewMetrics(registry)

	// Initialize database store
	store := db.NewStore(dbPool, metricsCollector)

	// Start metrics HTTP server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
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

	// Initialize RPC gateway with optional backup endpoint failover
	primary := solana.NewRPCClient(cfg.SolanaRPCURL)
	var backup solana.RPCClient
	if cfg.SolanaBackupRPCURL != "" {
		backup = solana.NewRPCClient(cfg.SolanaBackupRPCURL)
	}
	gateway := solana.NewGateway(primary, backup, solana.RetryConfig{
		MaxRetries:        cfg.RPCMaxRetries,
		BaseDelay:         cfg.RPCRetryBaseDelay,
		MaxDelay:          cfg.RPCRetryMaxDelay,
		FailoverThreshold: cfg.RPCFailoverThreshold,
	}, metricsCollector, logger)
	logger.Info("initialized solana RPC gateway",
		"max_retries", cfg.RPCMaxRetries,
		"failover_threshold", cfg.RPCFailoverThreshold,
	)

	// Initialize NATS event publisher
	publisher, err := events.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Wire the ingestion pipeline: gateway -> normalizer / discoverer -> watcher manager
	normalizer := ingest.NewNormalizer(gateway, metricsCollector, logger)
	discoverer := discovery.NewDiscoverer(gateway, store, cfg.SignaturePageLimit, metricsCollector, logger)

	manager := watcher.NewManager(watcher.ManagerConfig{
		Store:             store,
		Source:            discoverer,
		Normalizer:        normalizer,
		Publisher:         publisher,
		Logger:            logger,
		Metrics:           metricsCollector,
		WatchInterval:     cfg.WatchInterval,
		ReconcileInterval: cfg.ReconcileInterval,
	})
	logger.Info("ingestion pipeline initialized, all dependencies ready")

	// Run manager in background
	managerErrors := make(chan error, 1)
	go func() {
		managerErrors <- manager.Run(ctx)
	}()

	// Wait for shutdown signal or a fatal manager error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-managerErrors:
		if errors.Is(err, watcher.ErrSlotMonotonicityViolation) {
			logger.Error("fatal consistency violation", "error", err)
			os.Exit(1)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watcher manager error", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		cancel()
		if err := <-managerErrors; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watcher manager error during shutdown", "error", err)
		}

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
