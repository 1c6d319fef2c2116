package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felipemaragno/cmshooks/internal/dispatch"
	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/observability"
	"github.com/felipemaragno/cmshooks/internal/retry"
)

// Dispatcher fans one content event out to its subscribers.
// *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.ContentEvent) (dispatch.Result, error)
}

// HandlerConfig defines dispatch handler parameters.
//
// Concurrency: events of one batch dispatched at the same time.
// Policy: backoff between dispatch attempts of one event. Only errors
// from the dispatcher itself are retried; failed deliveries are already
// recorded in the delivery log.
type HandlerConfig struct {
	Concurrency int
	Policy      retry.Policy
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Concurrency: 10,
		Policy: retry.Policy{
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			Jitter:          0.1,
			MaxAttempts:     3,
		},
	}
}

// DispatchHandler is the EventHandler that dispatches consumed events.
type DispatchHandler struct {
	config     HandlerConfig
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewDispatchHandler(config HandlerConfig, d Dispatcher, logger *slog.Logger) *DispatchHandler {
	defaults := DefaultHandlerConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.Policy.MaxAttempts <= 0 {
		config.Policy = defaults.Policy
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &DispatchHandler{
		config:     config,
		dispatcher: d,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (h *DispatchHandler) WithMetrics(m *observability.Metrics) *DispatchHandler {
	h.metrics = m
	return h
}

// ProcessBatch dispatches every event of the batch. The order of the
// returned slices is unspecified.
func (h *DispatchHandler) ProcessBatch(ctx context.Context, events []*EventMessage) (successes, failures []*EventMessage) {
	ok := make([]bool, len(events))

	var g errgroup.Group
	g.SetLimit(h.config.Concurrency)
	for i, ev := range events {
		g.Go(func() error {
			ok[i] = h.handle(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	for i, ev := range events {
		if ok[i] {
			successes = append(successes, ev)
		} else {
			failures = append(failures, ev)
		}
	}
	return successes, failures
}

func (h *DispatchHandler) handle(ctx context.Context, msg *EventMessage) bool {
	logger := h.logger.With("message_id", msg.ID, "event", msg.Event.Type, "tenant_id", msg.Event.TenantID)

	for attempt := 1; ; attempt++ {
		result, err := h.dispatcher.Dispatch(ctx, msg.Event)
		if err == nil {
			h.recordMetric("processed")
			logger.Debug("event consumed", "dispatched", result.Dispatched, "failed", result.Failed)
			return true
		}

		if errors.Is(err, domain.ErrInvalidInput) {
			h.recordMetric("failed")
			logger.Warn("dropping invalid event", "error", err)
			return false
		}
		if attempt >= h.config.Policy.MaxAttempts {
			h.recordMetric("failed")
			logger.Error("dropping event after repeated dispatch errors", "attempts", attempt, "error", err)
			return false
		}

		delay := h.config.Policy.CalculateDelay(attempt)
		logger.Warn("dispatch failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		if err := h.sleep(ctx, delay); err != nil {
			h.recordMetric("failed")
			return false
		}
	}
}

func (h *DispatchHandler) recordMetric(status string) {
	if h.metrics != nil {
		h.metrics.ConsumedEvents.WithLabelValues(status).Inc()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
