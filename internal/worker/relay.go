// Package worker relays content events from the outbox to their publisher.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Worker 1  │     │   Worker 2  │     │   Worker N  │
//	└──────┬──────┘     └──────┬──────┘     └──────┬──────┘
//	       │                   │                   │
//	       └───────────────────┼───────────────────┘
//	                           │
//	                    ┌──────▼──────┐
//	                    │ Outbox Repo │  (FOR UPDATE SKIP LOCKED)
//	                    └──────┬──────┘
//	                           │
//	                    ┌──────▼──────┐
//	                    │  Publisher  │  dispatcher or Kafka producer
//	                    └─────────────┘
//
// Each worker claims a batch of due entries, hands every event to the
// Publisher and records the outcome on the entry. A failed hand-off is
// rescheduled with exponential backoff until the entry's attempt budget
// is spent, then the entry is marked failed.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/felipemaragno/cmshooks/internal/clock"
	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/observability"
	"github.com/felipemaragno/cmshooks/internal/repository"
	"github.com/felipemaragno/cmshooks/internal/retry"
)

// Publisher takes ownership of one content event. *dispatch.Dispatcher
// and *kafka.Producer implement it.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ContentEvent) error
}

// BatchUpdater is implemented by outbox stores that can persist several
// outcomes in one round trip.
type BatchUpdater interface {
	UpdateStatusBatch(ctx context.Context, entries []*domain.OutboxEntry) error
}

// Config defines relay parameters.
//
// Workers: Number of concurrent polling goroutines.
// PollInterval: How often each worker checks for due entries.
// BatchSize: Maximum entries claimed per poll.
// Timeout: Upper bound for one Publish call.
// StaleAfter: How long an entry may stay in processing before another
// relay claims it again. Must exceed Timeout.
type Config struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	Timeout      time.Duration
	StaleAfter   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 500 * time.Millisecond,
		BatchSize:    50,
		Timeout:      2 * time.Minute,
		StaleAfter:   10 * time.Minute,
	}
}

// Relay manages the goroutines draining the outbox.
// Use NewRelay to create, then call Start to begin processing.
// Call Stop for graceful shutdown.
type Relay struct {
	config    Config
	outbox    repository.OutboxRepository
	publisher Publisher
	clock     clock.Clock
	policy    retry.Policy
	logger    *slog.Logger
	metrics   *observability.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewRelay(
	config Config,
	outbox repository.OutboxRepository,
	publisher Publisher,
	clk clock.Clock,
	policy retry.Policy,
	logger *slog.Logger,
) *Relay {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.StaleAfter <= config.Timeout {
		config.StaleAfter = 5 * config.Timeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Relay{
		config:    config,
		outbox:    outbox,
		publisher: publisher,
		clock:     clk,
		policy:    policy,
		logger:    logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (r *Relay) WithMetrics(m *observability.Metrics) *Relay {
	r.metrics = m
	return r
}

func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}

	r.logger.Info("outbox relay started", "workers", r.config.Workers)
}

func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("relay worker shutting down", "worker_id", id)
			return
		case <-ticker.C:
			r.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims one batch of due entries and relays it. It returns
// how many entries were claimed.
//
// Entries are handed off one at a time. Once ctx is done, or a further
// hand-off could outlive StaleAfter, the remaining entries are released
// back to pending so that no other relay picks up an entry still owned
// by this one.
func (r *Relay) ProcessBatch(ctx context.Context) int {
	claimedAt := r.clock.Now()
	entries, err := r.outbox.ClaimPending(ctx, r.config.BatchSize, r.config.StaleAfter)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Error("failed to claim outbox entries", "error", err)
		}
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	for i, e := range entries {
		if ctx.Err() != nil || r.clock.Since(claimedAt)+r.config.Timeout > r.config.StaleAfter {
			r.release(entries[i:])
			break
		}
		r.relay(ctx, e)
	}
	r.persist(entries)
	return len(entries)
}

func (r *Relay) release(entries []*domain.OutboxEntry) {
	now := r.clock.Now()
	for _, e := range entries {
		e.Release(now)
	}
	r.logger.Info("released unstarted outbox entries", "count", len(entries))
}

func (r *Relay) relay(ctx context.Context, e *domain.OutboxEntry) {
	logger := r.logger.With("outbox_id", e.ID, "event", e.Event.Type, "tenant_id", e.Event.TenantID)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.Timeout)
	err := r.publisher.Publish(pubCtx, e.Event)
	cancel()

	now := r.clock.Now()
	switch {
	case err == nil:
		e.MarkAsProcessed(now)
		logger.Debug("outbox entry relayed")
	case errors.Is(err, domain.ErrInvalidInput):
		e.MarkAsFailed(now, err.Error())
		logger.Warn("outbox entry rejected", "error", err)
	case e.Attempts+1 < e.MaxAttempts:
		next := r.policy.NextAttemptTime(now, e.Attempts+1)
		e.MarkAsRetrying(now, next, err.Error())
		logger.Info("scheduling outbox retry",
			"attempt", e.Attempts,
			"next_attempt_at", next,
			"error", err,
		)
	default:
		e.MarkAsFailed(now, err.Error())
		logger.Warn("outbox entry failed permanently", "attempts", e.Attempts, "error", err)
	}
	r.recordMetric(e.Status)
}

// persist writes outcomes even when the relay is shutting down, so that
// no claimed entry is left in processing.
func (r *Relay) persist(entries []*domain.OutboxEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if b, ok := r.outbox.(BatchUpdater); ok {
		if err := b.UpdateStatusBatch(ctx, entries); err != nil {
			r.logger.Error("failed to update outbox batch", "error", err, "count", len(entries))
		}
		return
	}
	for _, e := range entries {
		if err := r.outbox.UpdateStatus(ctx, e); err != nil {
			r.logger.Error("failed to update outbox entry", "error", err, "outbox_id", e.ID)
		}
	}
}

func (r *Relay) recordMetric(status domain.OutboxStatus) {
	if r.metrics != nil {
		r.metrics.OutboxEvents.WithLabelValues(string(status)).Inc()
	}
}
