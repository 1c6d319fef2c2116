// Package dispatch fans content events out to subscribed webhooks.
//
// For every event the Dispatcher builds one envelope, serializes it once
// and delivers it concurrently to each matching webhook:
//
//	ContentEvent ──► Envelope ──► FindSubscribers
//	                                  │
//	          ┌───────────────────────┼───────────────────────┐
//	          ▼                       ▼                       ▼
//	  sign + pending log      sign + pending log      sign + pending log
//	          │                       │                       │
//	       Deliver                 Deliver                 Deliver
//	          │                       │                       │
//	  update log, counters    update log, counters    update log, counters
//	          └───────────────────────┼───────────────────────┘
//	                                  ▼
//	                       Result{Dispatched, Failed}
//
// A failing webhook never aborts its siblings and delivery failures never
// escape Dispatch; they become log rows and counter increments.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/felipemaragno/cmshooks/internal/clock"
	"github.com/felipemaragno/cmshooks/internal/delivery"
	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/observability"
	"github.com/felipemaragno/cmshooks/internal/repository"
	"github.com/felipemaragno/cmshooks/internal/resilience"
	"github.com/felipemaragno/cmshooks/internal/signature"
)

// Deliverer performs one HTTP delivery. *delivery.Executor implements it.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*delivery.Response, error)
}

// Config defines dispatcher parameters.
//
// MaxConcurrency caps simultaneous deliveries of one event; 0 means one
// goroutine per matched webhook. InFlightWindow is how long a pending or
// retrying log entry is considered owned by a running attempt; Retry
// refuses such entries. It must exceed DispatchTimeout.
type Config struct {
	MaxConcurrency  int
	DispatchTimeout time.Duration
	TestTimeout     time.Duration
	InFlightWindow  time.Duration
}

func DefaultConfig() Config {
	return Config{
		DispatchTimeout: delivery.DispatchTimeout,
		TestTimeout:     delivery.TestTimeout,
		InFlightWindow:  2 * delivery.DispatchTimeout,
	}
}

// Result aggregates one Dispatch call.
type Result struct {
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

type Dispatcher struct {
	config   Config
	webhooks repository.WebhookRepository
	logs     repository.DeliveryLogRepository
	executor Deliverer
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	breakers *resilience.CircuitBreakerManager
	newID    func() string
}

// New creates a dispatcher. Use WithMetrics and WithCircuitBreaker to add
// optional features.
func New(
	config Config,
	webhooks repository.WebhookRepository,
	logs repository.DeliveryLogRepository,
	executor Deliverer,
	clk clock.Clock,
	logger *slog.Logger,
) *Dispatcher {
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = delivery.DispatchTimeout
	}
	if config.TestTimeout <= 0 {
		config.TestTimeout = delivery.TestTimeout
	}
	if config.InFlightWindow <= config.DispatchTimeout {
		config.InFlightWindow = 2 * config.DispatchTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		config:   config,
		webhooks: webhooks,
		logs:     logs,
		executor: executor,
		clock:    clk,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (d *Dispatcher) WithMetrics(m *observability.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithCircuitBreaker routes live deliveries and retries through a
// per-webhook breaker. Rejected deliveries are logged as failed without
// a network call. Test deliveries bypass the breaker.
func (d *Dispatcher) WithCircuitBreaker(m *resilience.CircuitBreakerManager) *Dispatcher {
	d.breakers = m
	m.OnStateChange(func(webhookID string, from, to resilience.CircuitBreakerState) {
		d.logger.Warn("circuit breaker state changed",
			"webhook_id", webhookID,
			"from", from,
			"to", to,
		)
		if d.metrics == nil {
			return
		}
		d.metrics.CircuitBreakerState.WithLabelValues(webhookID).Set(to.Float())
		if to == resilience.CircuitBreakerStateOpen {
			d.metrics.CircuitBreakerTrips.WithLabelValues(webhookID).Inc()
		}
	})
	return d
}

// Dispatch delivers ev to every active webhook of its tenant that
// subscribes to the event type and entity type. Only validation,
// subscriber lookup and serialization errors are returned.
//
// In-flight deliveries are not cancelled with ctx; each is bounded by
// the dispatch timeout instead.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.ContentEvent) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}

	env := domain.NewEnvelope(d.clock.Now(), ev)

	subs, err := d.webhooks.FindSubscribers(ctx, ev.TenantID, ev.Type, ev.EntityType)
	if err != nil {
		return Result{}, fmt.Errorf("find subscribers: %w", err)
	}
	if len(subs) == 0 {
		d.logger.Debug("no subscribers for event",
			"tenant_id", ev.TenantID,
			"event", ev.Type,
			"entity_type", ev.EntityType,
		)
		return Result{}, nil
	}

	body, err := env.Marshal()
	if err != nil {
		return Result{}, fmt.Errorf("serialize envelope: %w", err)
	}

	var dispatched, failed atomic.Int64
	deliverCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	if d.config.MaxConcurrency > 0 {
		g.SetLimit(d.config.MaxConcurrency)
	}
	for _, w := range subs {
		g.Go(func() error {
			if d.deliver(deliverCtx, w, env, body) {
				dispatched.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := Result{Dispatched: int(dispatched.Load()), Failed: int(failed.Load())}
	if d.metrics != nil {
		d.metrics.EventsDispatched.Inc()
	}
	d.logger.Info("event dispatched",
		"tenant_id", ev.TenantID,
		"event", ev.Type,
		"entity_type", ev.EntityType,
		"entity_id", ev.EntityID,
		"dispatched", result.Dispatched,
		"failed", result.Failed,
	)
	return result, nil
}

// Publish dispatches ev and discards the counts. It lets the dispatcher
// consume outbox entries and Kafka messages directly.
func (d *Dispatcher) Publish(ctx context.Context, ev domain.ContentEvent) error {
	_, err := d.Dispatch(ctx, ev)
	return err
}

// deliver signs body for w, records the pending request and sends it.
func (d *Dispatcher) deliver(ctx context.Context, w *domain.Webhook, env domain.Envelope, body []byte) bool {
	sig := signature.Sign(body, w.Secret)
	now := d.clock.Now()

	entry := &domain.DeliveryLog{
		ID:             d.newID(),
		TenantID:       w.TenantID,
		WebhookID:      w.ID,
		EventType:      env.Event,
		EntityType:     env.Data.EntityType,
		EntityID:       env.Data.EntityID,
		EntityName:     env.Data.EntityName,
		RequestURL:     w.URL,
		RequestHeaders: BuildHeaders(w.Headers, env.Event, sig, env.Timestamp),
		RequestBody:    string(body),
		Status:         domain.DeliveryStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	logger := d.logger.With("webhook_id", w.ID, "log_id", entry.ID, "event", env.Event)

	if err := d.logs.Create(ctx, entry); err != nil {
		logger.Error("failed to create delivery log, skipping delivery", "error", err)
		return false
	}

	return d.attempt(ctx, entry, logger)
}

// attempt sends the request stored in entry and persists the outcome on
// the same row, the attempt history and the webhook counters.
func (d *Dispatcher) attempt(ctx context.Context, entry *domain.DeliveryLog, logger *slog.Logger) bool {
	req := delivery.Request{
		URL:     entry.RequestURL,
		Headers: entry.RequestHeaders,
		Body:    []byte(entry.RequestBody),
		Timeout: d.config.DispatchTimeout,
	}

	resp, err := d.send(ctx, entry.WebhookID, req)
	now := d.clock.Now()
	outcome := repository.OutcomeFailure

	switch {
	case err != nil:
		var derr *delivery.Error
		var duration time.Duration
		if errors.As(err, &derr) {
			duration = derr.Duration
		}
		entry.MarkAsFailed(now, 0, nil, duration, err.Error())
		logger.Warn("delivery failed", "error", err)
	case resp.OK():
		entry.MarkAsSucceeded(now, resp.StatusCode, resp.Body, resp.Duration)
		outcome = repository.OutcomeSuccess
		logger.Debug("delivery successful",
			"status_code", resp.StatusCode,
			"duration_ms", resp.Duration.Milliseconds(),
		)
	default:
		body := resp.Body
		entry.MarkAsFailed(now, resp.StatusCode, &body, resp.Duration, resp.FailureReason())
		logger.Warn("delivery rejected by endpoint",
			"status_code", resp.StatusCode,
			"duration_ms", resp.Duration.Milliseconds(),
		)
	}

	if err := d.logs.Update(ctx, entry); err != nil {
		logger.Error("failed to update delivery log", "error", err)
	}
	if err := d.logs.RecordAttempt(ctx, domain.AttemptFor(entry)); err != nil {
		logger.Error("failed to record delivery attempt", "error", err)
	}
	if err := d.webhooks.RecordOutcome(ctx, entry.WebhookID, outcome, now); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Debug("webhook removed, counters not updated")
		} else {
			logger.Error("failed to update webhook counters", "error", err)
		}
	}

	d.recordMetricDelivery(outcome, entry)
	return outcome == repository.OutcomeSuccess
}

// send delivers req, through the webhook's breaker when one is configured.
// 5xx responses and transport errors count as breaker failures.
func (d *Dispatcher) send(ctx context.Context, webhookID string, req delivery.Request) (*delivery.Response, error) {
	if d.breakers == nil {
		return d.executor.Deliver(ctx, req)
	}

	var resp *delivery.Response
	_, err := d.breakers.Execute(webhookID, func() (interface{}, error) {
		r, err := d.executor.Deliver(ctx, req)
		if err != nil {
			return nil, err
		}
		resp = r
		if r.StatusCode >= 500 {
			return r, errors.New(r.FailureReason())
		}
		return r, nil
	})
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

func (d *Dispatcher) recordMetricDelivery(outcome repository.Outcome, entry *domain.DeliveryLog) {
	if d.metrics == nil {
		return
	}
	label := "failed"
	if outcome == repository.OutcomeSuccess {
		label = "success"
	}
	d.metrics.Deliveries.WithLabelValues(label).Inc()
	if entry.DurationMs != nil {
		d.metrics.DeliveryDuration.Observe(float64(*entry.DurationMs) / 1000)
	}
}

// BuildHeaders merges the webhook's custom headers with the four reserved
// headers. Custom headers that collide with a reserved name, in any case,
// are dropped.
func BuildHeaders(custom map[string]string, event domain.EventType, sig, timestamp string) map[string]string {
	headers := make(map[string]string, len(custom)+4)
	for name, value := range custom {
		if domain.IsReservedHeader(name) {
			continue
		}
		headers[name] = value
	}
	headers[domain.HeaderContentType] = "application/json"
	headers[domain.HeaderEvent] = string(event)
	headers[domain.HeaderSignature] = sig
	headers[domain.HeaderTimestamp] = timestamp
	return headers
}
