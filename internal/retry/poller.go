// Package retry provides backoff policies and the sweep that retries
// failed deliveries without an operator asking for it.
package retry

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
)

// Retrier replays one delivery log entry. *dispatch.Dispatcher implements it.
type Retrier interface {
	Retry(ctx context.Context, logID string) (bool, error)
}

// PollerConfig holds configuration for the retry poller.
type PollerConfig struct {
	// PollInterval is how often to look for failed deliveries (default: 30s)
	PollInterval time.Duration
	// BatchSize is the maximum number of entries to fetch per poll (default: 100)
	BatchSize int
	// MaxConcurrentBatches limits parallel batch processing (default: 1)
	MaxConcurrentBatches int
	Policy               Policy
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval:         30 * time.Second,
		BatchSize:            100,
		MaxConcurrentBatches: 1,
		Policy:               DeliveryPolicy(),
	}
}

// Poller periodically retries failed delivery log entries that still have
// retry budget once their backoff has elapsed. Several instances may run;
// the log's version token lets only one of them retry a given entry.
type Poller struct {
	config  PollerConfig
	logs    repository.DeliveryLogRepository
	retrier Retrier
	clock   clock.Clock
	logger  *slog.Logger

	batches chan struct{}
	wg      sync.WaitGroup
	stopCh  chan struct{}
	once    sync.Once
}

func NewPoller(
	logs repository.DeliveryLogRepository,
	retrier Retrier,
	config PollerConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *Poller {
	defaults := DefaultPollerConfig()
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize == 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxConcurrentBatches == 0 {
		config.MaxConcurrentBatches = defaults.MaxConcurrentBatches
	}
	if config.Policy.InitialInterval == 0 {
		config.Policy = defaults.Policy
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}

	return &Poller{
		config:  config,
		logs:    logs,
		retrier: retrier,
		clock:   clk,
		logger:  logger,
		batches: make(chan struct{}, config.MaxConcurrentBatches),
		stopCh:  make(chan struct{}),
	}
}

// Start begins polling for failed deliveries.
// This method blocks until Stop is called or context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("retry poller started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
	)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start, then on interval
	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("retry poller stopping due to context cancellation")
			return
		case <-p.stopCh:
			p.logger.Info("retry poller stopping due to stop signal")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Stop signals the poller to stop and waits for in-flight batches.
func (p *Poller) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) poll(ctx context.Context) {
	select {
	case p.batches <- struct{}{}:
	default:
		p.logger.Debug("retry batch still running, skipping poll")
		return
	}

	now := p.clock.Now()
	entries, err := p.logs.ListRetryable(ctx, now.Add(-p.config.Policy.InitialInterval), p.config.BatchSize)
	if err != nil {
		<-p.batches
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to fetch retryable deliveries", "error", err)
		}
		return
	}

	var due []*domain.DeliveryLog
	for _, l := range entries {
		if l.RetryCount < p.config.Policy.MaxAttempts && p.config.Policy.Due(l.UpdatedAt, now, l.RetryCount+1) {
			due = append(due, l)
		}
	}
	if len(due) == 0 {
		<-p.batches
		return
	}

	p.logger.Debug("fetched deliveries for retry", "count", len(due))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.batches }()
		p.processBatch(ctx, due)
	}()
}

func (p *Poller) processBatch(ctx context.Context, entries []*domain.DeliveryLog) {
	var succeeded, failed, skipped int
	for _, l := range entries {
		if ctx.Err() != nil {
			return
		}
		ok, err := p.retrier.Retry(ctx, l.ID)
		switch {
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			skipped++
		case err != nil:
			failed++
			p.logger.Error("automatic retry failed", "log_id", l.ID, "error", err)
		case ok:
			succeeded++
		default:
			failed++
		}
	}

	p.logger.Info("retry batch processed",
		"total", len(entries),
		"succeeded", succeeded,
		"failed", failed,
		"skipped", skipped,
	)
}
