// Package kafka moves content events through a Kafka topic. The Producer
// is the outbox relay's publisher; the Consumer reads the topic and hands
// batches to an EventHandler, committing offsets only after the batch has
// been processed (at-least-once).
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/cmshooks/internal/observability"
)

// ConsumerConfig defines Kafka consumer parameters.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	InstanceID    string
	BatchTimeout  time.Duration // Max time to collect messages before processing
	BatchSize     int           // Max messages per batch
	CommitTimeout time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchTimeout:  100 * time.Millisecond,
		BatchSize:     100,
		CommitTimeout: 5 * time.Second,
	}
}

// EventHandler processes a batch of events. It returns the events that
// were handled and those that had to be dropped.
type EventHandler interface {
	ProcessBatch(ctx context.Context, events []*EventMessage) (successes, failures []*EventMessage)
}

// messageReader is the subset of *kafka.Reader used by Consumer.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads events from Kafka and processes them.
type Consumer struct {
	config  ConsumerConfig
	reader  messageReader
	handler EventHandler
	logger  *slog.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

// NewConsumer creates a consumer that joins config.GroupID.
func NewConsumer(config ConsumerConfig, handler EventHandler, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        config.BatchTimeout,
		CommitInterval: 0, // manual commits only
		StartOffset:    kafka.LastOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
		IsolationLevel: kafka.ReadCommitted,
	})
	return newConsumer(config, reader, handler, logger)
}

func newConsumer(config ConsumerConfig, reader messageReader, handler EventHandler, logger *slog.Logger) *Consumer {
	defaults := DefaultConsumerConfig()
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = defaults.BatchTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = defaults.CommitTimeout
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Consumer{
		config:   config,
		reader:   reader,
		handler:  handler,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// Start begins consuming messages.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
		"instance", c.config.InstanceID,
		"batch_timeout", c.config.BatchTimeout,
	)
}

// Stop waits for the batch in flight, then closes the reader.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.shutdown)
		c.wg.Wait()
		if err := c.reader.Close(); err != nil {
			c.logger.Error("failed to close kafka reader", "error", err)
		}
		c.logger.Info("kafka consumer stopped")
	})
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		batch, events := c.collectBatch(ctx)
		if len(batch) > 0 {
			c.processBatchAndCommit(ctx, batch, events)
		}
	}
}

// collectBatch fetches messages until the batch timeout elapses or the
// batch is full. Messages that cannot be decoded are committed and
// skipped so they never block the partition.
func (c *Consumer) collectBatch(ctx context.Context) ([]kafka.Message, []*EventMessage) {
	var batch []kafka.Message
	var events []*EventMessage

	deadline := time.Now().Add(c.config.BatchTimeout)

	for len(events) < c.config.BatchSize {
		select {
		case <-ctx.Done():
			return batch, events
		case <-c.shutdown:
			return batch, events
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining > 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("failed to fetch message", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		event, err := decode(msg)
		if err != nil {
			c.logger.Error("dropping undecodable message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			if err := c.commitMessages(ctx, []kafka.Message{msg}); err != nil {
				c.logger.Error("failed to commit bad message", "error", err)
			}
			continue
		}

		batch = append(batch, msg)
		events = append(events, event)
	}

	return batch, events
}

func (c *Consumer) processBatchAndCommit(ctx context.Context, messages []kafka.Message, events []*EventMessage) {
	start := time.Now()

	successes, failures := c.handler.ProcessBatch(ctx, events)

	c.logger.Debug("batch processed",
		"total", len(events),
		"successes", len(successes),
		"failures", len(failures),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	// Offsets are committed after processing: a crash before this point
	// redelivers the batch, so handlers must tolerate duplicates.
	if err := c.commitMessages(ctx, messages); err != nil {
		c.logger.Error("failed to commit messages",
			"error", err,
			"count", len(messages),
		)
	}
}

func (c *Consumer) commitMessages(ctx context.Context, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()

	return c.reader.CommitMessages(commitCtx, messages...)
}
