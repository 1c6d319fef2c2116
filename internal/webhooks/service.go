// Package webhooks is the management surface over webhook registrations
// and their delivery logs. Every operation is authorized against the
// calling principal before anything else happens.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/felipemaragno/cmshooks/internal/clock"
	"github.com/felipemaragno/cmshooks/internal/dispatch"
	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/observability"
	"github.com/felipemaragno/cmshooks/internal/repository"
	"github.com/felipemaragno/cmshooks/internal/resilience"
	"github.com/felipemaragno/cmshooks/internal/signature"
)

// ErrRateLimited is returned when a caller exceeds the test delivery budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// Operations is the part of the dispatcher the service delegates to.
// *dispatch.Dispatcher implements it.
type Operations interface {
	Retry(ctx context.Context, logID string) (bool, error)
	Test(ctx context.Context, webhookID string) (dispatch.TestResult, error)
	Stats(ctx context.Context, webhookID string) (*domain.WebhookStats, error)
	Cleanup(ctx context.Context) (int64, error)
}

type Service struct {
	webhooks repository.WebhookRepository
	logs     repository.DeliveryLogRepository
	outbox   repository.OutboxRepository
	ops      Operations
	limiter  resilience.RateLimiter
	metrics  *observability.Metrics
	clock    clock.Clock
	logger   *slog.Logger
	newID    func() string
	secret   func() (string, error)
}

func NewService(
	webhooks repository.WebhookRepository,
	logs repository.DeliveryLogRepository,
	outbox repository.OutboxRepository,
	ops Operations,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		webhooks: webhooks,
		logs:     logs,
		outbox:   outbox,
		ops:      ops,
		clock:    clk,
		logger:   logger,
		newID:    uuid.NewString,
		secret:   signature.GenerateSecret,
	}
}

// WithTestRateLimit bounds test deliveries per webhook.
func (s *Service) WithTestRateLimit(l resilience.RateLimiter) *Service {
	s.limiter = l
	return s
}

// WithMetrics enables Prometheus metrics collection.
func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

// CreateInput holds the caller-settable fields of a new webhook.
type CreateInput struct {
	Name        string
	Description string
	URL         string
	Headers     map[string]string
	Events      []domain.EventType
	EntityTypes []string
	IsActive    *bool
}

// Create registers a webhook in the caller's tenant with a fresh secret.
// The returned webhook is the only place the full secret is shown.
func (s *Service) Create(ctx context.Context, p domain.Principal, in CreateInput) (*domain.Webhook, error) {
	if !p.Can(p.TenantID, domain.RoleAdmin) {
		return nil, domain.ErrUnauthorized
	}

	now := s.clock.Now()
	w := &domain.Webhook{
		ID:          s.newID(),
		TenantID:    p.TenantID,
		Name:        in.Name,
		Description: in.Description,
		URL:         in.URL,
		Headers:     in.Headers,
		Events:      in.Events,
		EntityTypes: in.EntityTypes,
		IsActive:    true,
		CreatedBy:   p.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.IsActive != nil {
		w.IsActive = *in.IsActive
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	secret, err := s.secret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	w.Secret = secret

	if err := s.webhooks.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}

	s.logger.Info("webhook created", "webhook_id", w.ID, "tenant_id", w.TenantID, "user_id", p.UserID)
	return w, nil
}

// List returns the tenant's webhooks with secrets masked.
func (s *Service) List(ctx context.Context, p domain.Principal) ([]*domain.Webhook, error) {
	if !p.Can(p.TenantID, domain.RoleViewer) {
		return nil, domain.ErrUnauthorized
	}

	ws, err := s.webhooks.ListByTenant(ctx, p.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	out := make([]*domain.Webhook, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Redacted())
	}
	return out, nil
}

// Get returns one webhook with its secret masked.
func (s *Service) Get(ctx context.Context, p domain.Principal, id string) (*domain.Webhook, error) {
	w, err := s.load(ctx, p, id, domain.RoleViewer)
	if err != nil {
		return nil, err
	}
	return w.Redacted(), nil
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	Name        *string
	Description *string
	URL         *string
	Headers     *map[string]string
	Events      *[]domain.EventType
	EntityTypes *[]string
	IsActive    *bool
}

func (s *Service) Update(ctx context.Context, p domain.Principal, id string, in UpdateInput) (*domain.Webhook, error) {
	w, err := s.load(ctx, p, id, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		w.Name = *in.Name
	}
	if in.Description != nil {
		w.Description = *in.Description
	}
	if in.URL != nil {
		w.URL = *in.URL
	}
	if in.Headers != nil {
		w.Headers = *in.Headers
	}
	if in.Events != nil {
		w.Events = *in.Events
	}
	if in.EntityTypes != nil {
		w.EntityTypes = *in.EntityTypes
	}
	if in.IsActive != nil {
		w.IsActive = *in.IsActive
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	w.UpdatedAt = s.clock.Now()

	if err := s.webhooks.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}

	s.logger.Info("webhook updated", "webhook_id", w.ID, "user_id", p.UserID)
	return w.Redacted(), nil
}

// Delete removes the registration. Its delivery logs are kept.
func (s *Service) Delete(ctx context.Context, p domain.Principal, id string) error {
	if _, err := s.load(ctx, p, id, domain.RoleAdmin); err != nil {
		return err
	}
	if err := s.webhooks.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	s.logger.Info("webhook deleted", "webhook_id", id, "user_id", p.UserID)
	return nil
}

// RegenerateSecret replaces the signing secret and returns the new one.
// Requests already recorded keep the signature they were sent with.
func (s *Service) RegenerateSecret(ctx context.Context, p domain.Principal, id string) (string, error) {
	if _, err := s.load(ctx, p, id, domain.RoleAdmin); err != nil {
		return "", err
	}

	secret, err := s.secret()
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	if err := s.webhooks.UpdateSecret(ctx, id, secret, s.clock.Now()); err != nil {
		return "", fmt.Errorf("update secret: %w", err)
	}

	s.logger.Info("webhook secret regenerated", "webhook_id", id, "user_id", p.UserID)
	return secret, nil
}

// Test sends a diagnostic delivery, subject to the per-webhook test budget.
func (s *Service) Test(ctx context.Context, p domain.Principal, id string) (dispatch.TestResult, error) {
	if _, err := s.load(ctx, p, id, domain.RoleAdmin); err != nil {
		return dispatch.TestResult{}, err
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "test:"+id)
		if err != nil {
			s.logger.Warn("test rate limiter unavailable", "webhook_id", id, "error", err)
		} else if !allowed {
			if s.metrics != nil {
				s.metrics.RateLimiterRejections.WithLabelValues("test").Inc()
			}
			return dispatch.TestResult{}, ErrRateLimited
		}
	}

	return s.ops.Test(ctx, id)
}

func (s *Service) Stats(ctx context.Context, p domain.Principal, id string) (*domain.WebhookStats, error) {
	if _, err := s.load(ctx, p, id, domain.RoleViewer); err != nil {
		return nil, err
	}
	return s.ops.Stats(ctx, id)
}

// ListLogs pages through a webhook's delivery log, newest first.
func (s *Service) ListLogs(ctx context.Context, p domain.Principal, webhookID string, filter repository.LogFilter) ([]*domain.DeliveryLog, int, error) {
	if _, err := s.load(ctx, p, webhookID, domain.RoleViewer); err != nil {
		return nil, 0, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, domain.Invalid("status", "Unknown delivery status: %s", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > MaxPageSize {
		filter.Limit = DefaultPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	logs, total, err := s.logs.ListByWebhook(ctx, webhookID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list delivery logs: %w", err)
	}
	return logs, total, nil
}

// Page size bounds for ListLogs.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// LogDetail is a delivery log entry with its attempt history.
type LogDetail struct {
	*domain.DeliveryLog
	Attempts []*domain.DeliveryAttempt `json:"attempts"`
}

func (s *Service) GetLog(ctx context.Context, p domain.Principal, logID string) (*LogDetail, error) {
	entry, err := s.loadLog(ctx, p, logID, domain.RoleViewer)
	if err != nil {
		return nil, err
	}

	attempts, err := s.logs.ListAttempts(ctx, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return &LogDetail{DeliveryLog: entry, Attempts: attempts}, nil
}

func (s *Service) Retry(ctx context.Context, p domain.Principal, logID string) (bool, error) {
	if _, err := s.loadLog(ctx, p, logID, domain.RoleAdmin); err != nil {
		return false, err
	}
	return s.ops.Retry(ctx, logID)
}

// Publish stores a content event of the caller's tenant in the outbox for
// asynchronous dispatch. The caller becomes the actor when none is given.
func (s *Service) Publish(ctx context.Context, p domain.Principal, ev domain.ContentEvent) (*domain.OutboxEntry, error) {
	if !p.Can(p.TenantID, domain.RoleEditor) {
		return nil, domain.ErrUnauthorized
	}

	ev.TenantID = p.TenantID
	if ev.Actor == nil {
		ev.Actor = p.Actor()
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	entry := domain.NewOutboxEntry(s.newID(), ev, s.clock.Now())
	if err := s.outbox.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("enqueue event: %w", err)
	}
	if s.metrics != nil {
		s.metrics.EventsReceived.Inc()
	}

	s.logger.Info("event enqueued",
		"outbox_id", entry.ID,
		"tenant_id", ev.TenantID,
		"event", ev.Type,
		"entity_id", ev.EntityID,
	)
	return entry, nil
}

// Cleanup purges expired delivery logs across all tenants, so it needs
// an admin of any tenant.
func (s *Service) Cleanup(ctx context.Context, p domain.Principal) (int64, error) {
	if !p.Can(p.TenantID, domain.RoleAdmin) {
		return 0, domain.ErrUnauthorized
	}
	return s.ops.Cleanup(ctx)
}

// load authorizes p for min in its own tenant, then fetches id. Webhooks
// of other tenants are reported as not found.
func (s *Service) load(ctx context.Context, p domain.Principal, id string, min domain.Role) (*domain.Webhook, error) {
	if !p.Can(p.TenantID, min) {
		return nil, domain.ErrUnauthorized
	}

	w, err := s.webhooks.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.TenantID != p.TenantID {
		return nil, domain.ErrNotFound
	}
	return w, nil
}

// loadLog authorizes against the tenant stored on the entry, so logs stay
// reachable after their webhook is deleted. Entries written before logs
// carried a tenant fall back to the owning webhook.
func (s *Service) loadLog(ctx context.Context, p domain.Principal, logID string, min domain.Role) (*domain.DeliveryLog, error) {
	if !p.Can(p.TenantID, min) {
		return nil, domain.ErrUnauthorized
	}

	entry, err := s.logs.GetByID(ctx, logID)
	if err != nil {
		return nil, err
	}
	if entry.TenantID == "" {
		if _, err := s.load(ctx, p, entry.WebhookID, min); err != nil {
			return nil, err
		}
		return entry, nil
	}
	if entry.TenantID != p.TenantID {
		return nil, domain.ErrNotFound
	}
	return entry, nil
}
