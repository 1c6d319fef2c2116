// Worker runs the background side of the service:
//
//  1. Outbox relay: moves accepted events to Kafka, or dispatches them
//     directly when Kafka is not configured
//  2. Kafka consumer: dispatches events from the topic to webhooks
//  3. Retry poller (optional): retries failed deliveries with backoff
//  4. Cleanup: purges expired delivery logs on a cron schedule
//
// Several instances may run side by side; the outbox claim and the Kafka
// consumer group split the work between them.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipemaragno/cmshooks/internal/clock"
	"github.com/felipemaragno/cmshooks/internal/config"
	"github.com/felipemaragno/cmshooks/internal/delivery"
	"github.com/felipemaragno/cmshooks/internal/dispatch"
	"github.com/felipemaragno/cmshooks/internal/kafka"
	"github.com/felipemaragno/cmshooks/internal/observability"
	"github.com/felipemaragno/cmshooks/internal/repository/postgres"
	"github.com/felipemaragno/cmshooks/internal/resilience"
	"github.com/felipemaragno/cmshooks/internal/retention"
	"github.com/felipemaragno/cmshooks/internal/retry"
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
	logger = logger.With("instance_id", cfg.InstanceID)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MinConns = poolConfig.MaxConns / 3

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
	outboxRepo := postgres.NewOutboxRepository(pool)

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

	relayConfig := worker.Config{
		Workers:      cfg.OutboxWorkers,
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		StaleAfter:   cfg.OutboxStaleAfter,
	}

	var (
		relay    *worker.Relay
		producer *kafka.Producer
		consumer *kafka.Consumer
	)
	if cfg.KafkaEnabled() {
		producerConfig := kafka.DefaultProducerConfig()
		producerConfig.Brokers = cfg.KafkaBrokers
		producerConfig.Topic = cfg.KafkaTopic
		producerConfig.Source = cfg.InstanceID
		producer = kafka.NewProducer(producerConfig, logger)

		relay = worker.NewRelay(relayConfig, outboxRepo, producer, clock.RealClock{}, retry.DefaultPolicy(), logger).WithMetrics(metrics)

		consumerConfig := kafka.DefaultConsumerConfig()
		consumerConfig.Brokers = cfg.KafkaBrokers
		consumerConfig.Topic = cfg.KafkaTopic
		consumerConfig.GroupID = cfg.KafkaConsumerGroup
		consumerConfig.InstanceID = cfg.InstanceID

		handler := kafka.NewDispatchHandler(kafka.DefaultHandlerConfig(), dispatcher, logger).WithMetrics(metrics)
		consumer = kafka.NewConsumer(consumerConfig, handler, logger)
		consumer.Start(ctx)
	} else {
		relay = worker.NewRelay(relayConfig, outboxRepo, dispatcher, clock.RealClock{}, retry.DefaultPolicy(), logger).WithMetrics(metrics)
	}
	relay.Start(ctx)

	var poller *retry.Poller
	if cfg.AutoRetryEnabled {
		pollerConfig := retry.DefaultPollerConfig()
		pollerConfig.PollInterval = cfg.RetryPollInterval
		pollerConfig.BatchSize = cfg.RetryBatchSize
		poller = retry.NewPoller(logRepo, dispatcher, pollerConfig, clock.RealClock{}, logger)
		go poller.Start(ctx)
	}

	cleanup, err := retention.NewScheduler(cfg.CleanupSchedule, dispatcher, logger)
	if err != nil {
		logger.Error("failed to schedule log cleanup", "error", err)
		os.Exit(1)
	}
	cleanup.Start()

	// Probes and metrics only; the management API lives in the server.
	r := chi.NewRouter()
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	probes := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := probes.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("probe server error", "error", err)
		}
	}()
	healthHandler.SetReady(true)

	logger.Info("worker started",
		"kafka", cfg.KafkaEnabled(),
		"topic", cfg.KafkaTopic,
		"group", cfg.KafkaConsumerGroup,
		"auto_retry", cfg.AutoRetryEnabled,
		"cleanup_schedule", cfg.CleanupSchedule,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	relay.Stop()
	if consumer != nil {
		consumer.Stop()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("failed to close kafka producer", "error", err)
		}
	}
	if poller != nil {
		poller.Stop()
	}
	cleanup.Stop(shutdownCtx)
	_ = probes.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}
