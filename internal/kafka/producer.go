package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/cmshooks/internal/clock"
	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/observability"
)

// messageWriter is the subset of *kafka.Writer used by Producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes content events to Kafka.
type Producer struct {
	writer messageWriter
	source string
	clock  clock.Clock
	logger *slog.Logger
	newID  func() string
}

// ProducerConfig configures the Kafka producer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	Source       string
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
}

// DefaultProducerConfig returns sensible defaults for production.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "content.events",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}
}

// NewProducer creates a Kafka producer. Synchronous producers wait for
// all replicas; async ones trade that for throughput.
func NewProducer(config ProducerConfig, logger *slog.Logger) *Producer {
	acks := kafka.RequireAll
	if config.Async {
		acks = kafka.RequireOne
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: acks,
		Async:        config.Async,
		Compression:  kafka.Snappy,
	}
	return newProducer(writer, config.Source, nil, logger)
}

func newProducer(w messageWriter, source string, clk clock.Clock, logger *slog.Logger) *Producer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Producer{
		writer: w,
		source: source,
		clock:  clk,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// Publish writes one event. Invalid events are rejected with
// domain.ErrInvalidInput before anything is sent.
func (p *Producer) Publish(ctx context.Context, ev domain.ContentEvent) error {
	return p.PublishBatch(ctx, []domain.ContentEvent{ev})
}

// PublishBatch writes events in one call. Either every event is valid
// and handed to the writer, or nothing is sent.
func (p *Producer) PublishBatch(ctx context.Context, events []domain.ContentEvent) error {
	if len(events) == 0 {
		return nil
	}

	now := p.clock.Now()
	messages := make([]kafka.Message, len(events))
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		msg, err := encode(EventMessage{
			ID:         p.newID(),
			Event:      ev,
			ProducedAt: now,
			Source:     p.source,
		})
		if err != nil {
			return err
		}
		messages[i] = msg
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}

	p.logger.Debug("published content events", "count", len(events))
	return nil
}

// Close flushes pending writes and closes the producer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
