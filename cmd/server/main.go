// Server exposes the webhook management API and accepts content events.
//
// Events are written to the outbox. Without Kafka the server also runs the
// outbox relay and dispatches in-process; with Kafka the worker does both.
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
	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/cmshooks/internal/api"
	"github.com/felipemaragno/cmshooks/internal/auth"
	"github.com/felipemaragno/cmshooks/internal/clock"
	"github.com/felipemaragno/cmshooks/internal/config"
	"github.com/felipemaragno/cmshooks/internal/delivery"
	"github.com/felipemaragno/cmshooks/internal/dispatch"
	"github.com/felipemaragno/cmshooks/internal/observability"
	"github.com/felipemaragno/cmshooks/internal/repository/postgres"
	"github.com/felipemaragno/cmshooks/internal/resilience"
	"github.com/felipemaragno/cmshooks/internal/retry"
	"github.com/felipemaragno/cmshooks/internal/webhooks"
	"github.com/felipemaragno/cmshooks/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser := observability.NewLogger(observability.LogConfig{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	webhookRepo := postgres.NewWebhookRepository(pool)
	logRepo := postgres.NewDeliveryLogRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool).WithBatcher(postgres.DefaultBatcherConfig())

	metrics := observability.NewMetrics("cmshooks", nil)
	healthHandler := observability.NewHealthHandler(pool)

	dispatcher := dispatch.New(
		dispatch.Config{MaxConcurrency: cfg.DispatchMaxConcurrency},
		webhookRepo,
		logRepo,
		delivery.NewExecutor(nil, clock.RealClock{}, logger),
		clock.RealClock{},
		logger,
	).WithMetrics(metrics)
	if cfg.CircuitBreakerEnabled {
		dispatcher.WithCircuitBreaker(resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig()))
	}

	// Test deliveries share one budget across replicas when Redis is available.
	var limiter resilience.RateLimiter = resilience.NewLocalRateLimiter(cfg.TestRatePerMinute, time.Minute)
	if cfg.RedisURL != "" {
		redisConfig := resilience.DefaultRedisConfig()
		redisConfig.URL = cfg.RedisURL
		client, err := resilience.NewRedisClient(redisConfig)
		if err != nil {
			logger.Error("failed to configure Redis", "error", err)
			os.Exit(1)
		}
		defer func() { _ = client.Close() }()

		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not available, using in-memory rate limiter", "error", err)
		} else {
			logger.Info("connected to Redis")
			limiter = resilience.NewRedisRateLimiter(client, resilience.RedisRateLimiterConfig{
				Limit:  cfg.TestRatePerMinute,
				Window: time.Minute,
				Prefix: "cmshooks:ratelimit",
			}, logger)
			healthHandler.WithCheck("redis", redisPinger{client})
		}
	}

	service := webhooks.NewService(webhookRepo, logRepo, outboxRepo, dispatcher, clock.RealClock{}, logger).
		WithTestRateLimit(limiter).
		WithMetrics(metrics)

	router := api.NewRouter(api.RouterConfig{
		Handler:       api.NewHandler(service, logger),
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Auth:          auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		Logger:        logger,
	})

	var relay *worker.Relay
	if !cfg.KafkaEnabled() {
		relay = worker.NewRelay(worker.Config{
			Workers:      cfg.OutboxWorkers,
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatchSize,
			StaleAfter:   cfg.OutboxStaleAfter,
		}, outboxRepo, dispatcher, clock.RealClock{}, retry.DefaultPolicy(), logger).WithMetrics(metrics)
		relay.Start(ctx)
	} else {
		logger.Info("kafka configured, outbox relay runs in the worker")
	}

	healthHandler.SetReady(true)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Addr, "instance_id", cfg.InstanceID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := outboxRepo.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to flush outbox", "error", err)
	}
	if relay != nil {
		relay.Stop()
	}

	logger.Info("shutdown complete")
}

// redisPinger adapts a Redis client to the readiness probe.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
