package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/felipemaragno/cmshooks/internal/delivery"
	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/signature"
)

// Retry replays the request stored on a delivery log entry and updates
// the entry in place. It reports whether the replay succeeded.
//
// An entry that already succeeded or has used its retry budget is left
// untouched and Retry returns false without sending anything. The entry
// is marked retrying before the request goes out; a concurrent retry of
// the same entry fails with domain.ErrConflict, as does a retry of an
// entry whose delivery is still in flight.
func (d *Dispatcher) Retry(ctx context.Context, logID string) (bool, error) {
	entry, err := d.logs.GetByID(ctx, logID)
	if err != nil {
		return false, err
	}

	logger := d.logger.With("webhook_id", entry.WebhookID, "log_id", entry.ID, "event", entry.EventType)

	if !entry.CanRetry() {
		logger.Info("retry rejected",
			"status", entry.Status,
			"retry_count", entry.RetryCount,
		)
		d.recordMetricRetry("rejected")
		return false, nil
	}

	if entry.InFlight(d.clock.Now(), d.config.InFlightWindow) {
		logger.Info("retry rejected, delivery in flight", "status", entry.Status)
		d.recordMetricRetry("conflict")
		return false, fmt.Errorf("delivery %s in flight: %w", entry.ID, domain.ErrConflict)
	}

	entry.MarkAsRetrying(d.clock.Now())
	if err := d.logs.Update(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			d.recordMetricRetry("conflict")
		}
		return false, err
	}

	d.recordMetricRetry("accepted")
	logger.Info("retrying delivery", "retry_count", entry.RetryCount)

	return d.attempt(context.WithoutCancel(ctx), entry, logger), nil
}

func (d *Dispatcher) recordMetricRetry(result string) {
	if d.metrics != nil {
		d.metrics.Retries.WithLabelValues(result).Inc()
	}
}

// TestResult is the outcome of a diagnostic delivery.
type TestResult struct {
	Success    bool   `json:"success"`
	Status     int    `json:"status,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// Test sends a synthetic signed page_updated envelope to the webhook with
// the shorter test budget. It writes no log entry and leaves the
// counters alone; only a missing webhook is returned as an error.
func (d *Dispatcher) Test(ctx context.Context, webhookID string) (TestResult, error) {
	w, err := d.webhooks.GetByID(ctx, webhookID)
	if err != nil {
		return TestResult{}, err
	}

	env := domain.NewTestEnvelope(d.clock.Now())
	body, err := env.Marshal()
	if err != nil {
		return TestResult{}, fmt.Errorf("serialize envelope: %w", err)
	}

	resp, err := d.executor.Deliver(ctx, delivery.Request{
		URL:     w.URL,
		Headers: BuildHeaders(w.Headers, env.Event, signature.Sign(body, w.Secret), env.Timestamp),
		Body:    body,
		Timeout: d.config.TestTimeout,
	})

	var result TestResult
	switch {
	case err != nil:
		result.Error = err.Error()
		var derr *delivery.Error
		if errors.As(err, &derr) {
			result.DurationMs = derr.Duration.Milliseconds()
		}
	default:
		result.Success = resp.OK()
		result.Status = resp.StatusCode
		result.DurationMs = resp.Duration.Milliseconds()
		if !resp.OK() {
			result.Error = resp.FailureReason()
		}
	}

	if d.metrics != nil {
		label := "failed"
		if result.Success {
			label = "success"
		}
		d.metrics.TestDeliveries.WithLabelValues(label).Inc()
	}
	d.logger.Info("test delivery",
		"webhook_id", w.ID,
		"success", result.Success,
		"status_code", result.Status,
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// Stats returns the lifetime counters of a webhook, its status breakdown
// over the stats window and its most recent log entries.
func (d *Dispatcher) Stats(ctx context.Context, webhookID string) (*domain.WebhookStats, error) {
	w, err := d.webhooks.GetByID(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	since := d.clock.Now().Add(-domain.StatsWindow)
	breakdown, err := d.logs.CountByStatusSince(ctx, webhookID, since)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}

	recent, err := d.logs.ListRecent(ctx, webhookID, domain.RecentLogsLimit)
	if err != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", err)
	}

	summaries := make([]domain.DeliveryLogSummary, 0, len(recent))
	for _, l := range recent {
		summaries = append(summaries, l.Summary())
	}

	return &domain.WebhookStats{
		WebhookID:       w.ID,
		SuccessCount:    w.SuccessCount,
		FailureCount:    w.FailureCount,
		LastTriggeredAt: w.LastTriggeredAt,
		Last7Days:       breakdown,
		RecentLogs:      summaries,
	}, nil
}

// Cleanup deletes delivery log entries older than the retention period
// and returns how many were removed. Webhook counters are not touched.
func (d *Dispatcher) Cleanup(ctx context.Context) (int64, error) {
	cutoff := d.clock.Now().Add(-domain.LogRetention)

	deleted, err := d.logs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired logs: %w", err)
	}

	if d.metrics != nil {
		d.metrics.LogsPurged.Add(float64(deleted))
	}
	d.logger.Info("delivery log cleanup", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}
