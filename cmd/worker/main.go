package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/cache"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/config"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/database"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ledger"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/queue"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/reconcile"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.WithComponent("worker")

	if !cfg.Queue.Enabled {
		logger.Fatal("queue.enabled is false, nothing to reconcile")
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)

	// Charges applied here are logged synchronously so an acked task always
	// has its usage entry
	credits := ledger.New(repo, audit.New(repo, logger), repo, logger)

	var guard reconcile.Guard
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisCache.Close()
		guard = redisCache
	} else {
		logger.Warn("Redis disabled, redelivered settlements may be charged twice")
	}

	// Initialize queue
	q, err := queue.New(cfg.Queue, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	reconciler := reconcile.New(credits, guard, logger)

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("Metrics server stopped", err)
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	monitor := monitoring.NewMonitor(q, logger)
	monitor.Start(ctx)

	// Start consuming settlements
	if err := q.ConsumeSettlements(ctx, monitor.Observe(reconciler.Handle)); err != nil {
		logger.Fatalf("Failed to consume settlements: %v", err)
	}
	if err := monitor.Refresh(); err == nil {
		s := monitor.Snapshot()
		logger.Infof("Worker started, %d settlements waiting, %d dead-lettered", s.QueueDepth, s.DLQDepth)
	}

	// Wait for shutdown
	<-ctx.Done()
	s := monitor.Snapshot()
	logger.Infof("Worker stopped after %d settlements, %d failed", s.Handled, s.Failed)
}
