// Package repository declares the persistence contracts used by the dispatcher
// and the management service. Implementations live in postgres and memory.
package repository

import (
	"context"
	"time"

	"github.com/felipemaragno/cmshooks/internal/domain"
)

// Outcome is the result of one delivery, applied to a webhook's counters.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

type WebhookRepository interface {
	Create(ctx context.Context, w *domain.Webhook) error
	GetByID(ctx context.Context, id string) (*domain.Webhook, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.Webhook, error)
	Update(ctx context.Context, w *domain.Webhook) error
	Delete(ctx context.Context, id string) error

	// FindSubscribers returns active webhooks of tenantID matching event and entityType.
	FindSubscribers(ctx context.Context, tenantID string, event domain.EventType, entityType string) ([]*domain.Webhook, error)

	// RecordOutcome atomically increments one counter and sets last_triggered_at.
	RecordOutcome(ctx context.Context, id string, outcome Outcome, at time.Time) error

	// UpdateSecret replaces the signing secret in a single write.
	UpdateSecret(ctx context.Context, id, secret string, at time.Time) error
}

// LogFilter narrows ListByWebhook.
type LogFilter struct {
	Status domain.DeliveryStatus
	Limit  int
	Offset int
}

type DeliveryLogRepository interface {
	Create(ctx context.Context, l *domain.DeliveryLog) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryLog, error)

	// Update persists l if its Version still matches the stored one and
	// bumps the version. A mismatch yields domain.ErrConflict.
	Update(ctx context.Context, l *domain.DeliveryLog) error

	ListByWebhook(ctx context.Context, webhookID string, filter LogFilter) ([]*domain.DeliveryLog, int, error)
	ListRecent(ctx context.Context, webhookID string, limit int) ([]*domain.DeliveryLog, error)
	CountByStatusSince(ctx context.Context, webhookID string, since time.Time) (domain.StatusBreakdown, error)

	// ListRetryable returns failed entries with budget left, last touched before olderThan.
	ListRetryable(ctx context.Context, olderThan time.Time, limit int) ([]*domain.DeliveryLog, error)

	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	RecordAttempt(ctx context.Context, a *domain.DeliveryAttempt) error
	ListAttempts(ctx context.Context, logID string) ([]*domain.DeliveryAttempt, error)
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, e *domain.OutboxEntry) error

	// ClaimPending marks up to limit due entries as processing and returns them.
	// Entries left in processing for longer than staleAfter are claimed again.
	// Concurrent callers never receive the same entry.
	ClaimPending(ctx context.Context, limit int, staleAfter time.Duration) ([]*domain.OutboxEntry, error)

	UpdateStatus(ctx context.Context, e *domain.OutboxEntry) error
}
