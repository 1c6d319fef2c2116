// Producer for load testing - writes synthetic content events to Kafka.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/felipemaragno/cmshooks/internal/config"
	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/kafka"
	"github.com/felipemaragno/cmshooks/internal/observability"
)

const batchSize = 1000

func main() {
	count := flag.Int("count", 10000, "Number of events to produce")
	tenants := flag.Int("tenants", 1, "Number of tenants to spread events over (tenant-1..tenant-N)")
	eventType := flag.String("type", "", "Event type to produce; empty cycles through every type")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	logger, logCloser := observability.NewLogger(observability.LogConfig{Level: cfg.LogLevel})
	defer func() { _ = logCloser.Close() }()

	if !cfg.KafkaEnabled() {
		logger.Error("KAFKA_BROKERS is required")
		os.Exit(1)
	}

	types := domain.EventTypes()
	if *eventType != "" {
		et := domain.EventType(*eventType)
		if !et.Valid() {
			logger.Error("unknown event type", "type", *eventType)
			os.Exit(1)
		}
		types = []domain.EventType{et}
	}
	if *tenants < 1 {
		*tenants = 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	producerConfig := kafka.DefaultProducerConfig()
	producerConfig.Brokers = cfg.KafkaBrokers
	producerConfig.Topic = cfg.KafkaTopic
	producerConfig.Source = "loadtest"
	producerConfig.BatchSize = 500
	producerConfig.BatchTimeout = 5 * time.Millisecond
	producerConfig.Async = true
	producer := kafka.NewProducer(producerConfig, logger)
	defer func() { _ = producer.Close() }()

	logger.Info("starting load test producer",
		"brokers", cfg.KafkaBrokers,
		"topic", cfg.KafkaTopic,
		"count", *count,
		"tenants", *tenants,
		"types", len(types),
	)

	start := time.Now()
	batch := make([]domain.ContentEvent, 0, batchSize)
	for i := 0; i < *count; i++ {
		et := types[i%len(types)]
		batch = append(batch, domain.ContentEvent{
			TenantID:   fmt.Sprintf("tenant-%d", i%*tenants+1),
			Type:       et,
			EntityType: entityType(et),
			EntityID:   fmt.Sprintf("loadtest-%d", i),
			EntityName: fmt.Sprintf("Load test entity %d", i),
		})

		if len(batch) == batchSize || i == *count-1 {
			if err := producer.PublishBatch(ctx, batch); err != nil {
				logger.Error("failed to produce events", "error", err, "produced", i+1-len(batch))
				os.Exit(1)
			}
			batch = batch[:0]
			if (i+1)%10000 == 0 {
				logger.Info("produced events", "count", i+1)
			}
		}
	}

	duration := time.Since(start)
	logger.Info("load test complete",
		"events", *count,
		"duration", duration,
		"rate", float64(*count)/duration.Seconds(),
	)
}

// entityType derives a plausible entity type from the event name, e.g.
// "faq" for faq_updated.
func entityType(et domain.EventType) string {
	prefix, _, _ := strings.Cut(string(et), "_")
	return prefix
}
