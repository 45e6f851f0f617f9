package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/audit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/cache"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/config"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/database"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/gate"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/generate"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ledger"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/middleware"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/queue"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/ratelimit"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/settlement"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/storage"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/tracing"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/webhook"
)

const sweepInterval = time.Minute

func main() {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

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

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwtSecret must be set")
	}

	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			logger.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer closer.Close()
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if cfg.Database.RunMigrations {
		if err := db.Migrate(); err != nil {
			logger.Fatalf("Failed to run migrations: %v", err)
		}
	}
	repo := database.NewRepository(db)

	// Audit log
	var auditLog *audit.Log
	if cfg.Audit.Async {
		auditLog = audit.NewAsync(repo, logger, cfg.Audit.BufferSize)
	} else {
		auditLog = audit.New(repo, logger)
	}
	defer auditLog.Close()

	credits := ledger.New(repo, auditLog, repo, logger)

	policy, err := ratelimit.ParsePolicy(cfg.RateLimit.FailurePolicy)
	if err != nil {
		logger.Fatalf("Invalid rate limit policy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs the limiter windows, the API key cache and idempotency
	// guards. Without it everything stays in process.
	var (
		limiterStore ratelimit.Store
		keyCache     middleware.APIKeyCache
		settleGuard  settlement.Guard
		grantGuard   webhook.Guard
		checks       = map[string]func(context.Context) error{"database": db.Health}
	)
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisCache.Close()

		limiterStore = ratelimit.NewRedisStore(redisCache.Client())
		keyCache = redisCache
		settleGuard = redisCache
		grantGuard = redisCache
		checks["redis"] = redisCache.Ping
	} else {
		logger.Warn("Redis disabled, rate limits are per instance")
		memStore := ratelimit.NewMemoryStore()
		limiterStore = memStore
		go sweep(ctx, memStore, cfg.RateLimit.Window)
	}

	limiter := ratelimit.New(limiterStore,
		ratelimit.WithWindow(cfg.RateLimit.Window),
		ratelimit.WithPolicy(policy),
		ratelimit.WithLogger(logger.WithComponent("ratelimit")),
	)

	var publisher settlement.Publisher
	if cfg.Queue.Enabled {
		q, err := queue.New(cfg.Queue, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to queue: %v", err)
		}
		defer q.Close()
		publisher = q
	} else {
		logger.Warn("Queue disabled, failed settlements are only logged")
	}

	var resumes storage.ResumeStore
	if cfg.Storage.Enabled {
		stor, err := storage.New(cfg.Storage, logger)
		if err != nil {
			logger.Fatalf("Failed to initialize storage: %v", err)
		}
		resumes = stor
		checks["storage"] = stor.Health
	} else {
		logger.Warn("Object storage disabled, uploads are kept in memory")
		resumes = storage.NewMemoryStorage()
	}

	api := &API{
		gate:       gate.New(limiter, repo, credits, auditLog, logger),
		ledger:     credits,
		settlement: settlement.New(credits, settleGuard, publisher, auditLog, logger),
		generator: generate.NewHTTPGenerator(cfg.Generator.URL, cfg.Generator.APIKey,
			cfg.Generator.Timeout, cfg.Generator.RPS, cfg.Generator.Burst, logger),
		resumes: resumes,
		audit:   auditLog,
		logger:  logger.WithComponent("api"),
		checks:  checks,
	}

	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret, repo, keyCache, auditLog, logger)
	billing := webhook.NewReceiver(cfg.Auth.BillingSecret, credits, grantGuard, auditLog, logger)
	throttle := middleware.NewThrottle(cfg.RateLimit.InternalRPS, cfg.RateLimit.InternalBurst)
	go cleanupThrottle(ctx, throttle)

	router := setupRouter(api, routerDeps{
		auth:           auth,
		billing:        billing,
		throttle:       throttle,
		logger:         logger,
		allowedOrigins: cfg.Server.AllowedOrigins,
		trustedProxies: cfg.Server.TrustedProxies,
	})

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("Metrics server stopped", err)
			}
		}()
		defer shutdown(metricsServer, cfg.Server.ShutdownTimeout)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("Server forced to shutdown", err)
	}

	logger.Info("Server stopped")
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func shutdown(s shutdowner, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.Shutdown(ctx)
}

func sweep(ctx context.Context, store *ratelimit.MemoryStore, window time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			store.Sweep(now, window)
		}
	}
}

func cleanupThrottle(ctx context.Context, throttle *middleware.Throttle) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			throttle.Cleanup(now, 10*time.Minute)
		}
	}
}
