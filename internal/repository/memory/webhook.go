// Package memory provides in-process repositories for tests and local runs.
// Every read and write copies the entity so callers never share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/repository"
)

type WebhookRepository struct {
	mu       sync.RWMutex
	webhooks map[string]*domain.Webhook
}

func NewWebhookRepository() *WebhookRepository {
	return &WebhookRepository{webhooks: make(map[string]*domain.Webhook)}
}

func (r *WebhookRepository) Create(ctx context.Context, w *domain.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.webhooks[w.ID]; exists {
		return domain.ErrAlreadyExists
	}
	r.webhooks[w.ID] = copyWebhook(w)
	return nil
}

func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*domain.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.webhooks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyWebhook(w), nil
}

func (r *WebhookRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Webhook
	for _, w := range r.webhooks {
		if w.TenantID == tenantID {
			out = append(out, copyWebhook(w))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (r *WebhookRepository) Update(ctx context.Context, w *domain.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.webhooks[w.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cp := copyWebhook(w)
	// Counters and the secret have dedicated writers.
	cp.SuccessCount = existing.SuccessCount
	cp.FailureCount = existing.FailureCount
	cp.LastTriggeredAt = existing.LastTriggeredAt
	cp.Secret = existing.Secret
	r.webhooks[w.ID] = cp
	return nil
}

func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.webhooks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.webhooks, id)
	return nil
}

func (r *WebhookRepository) FindSubscribers(ctx context.Context, tenantID string, event domain.EventType, entityType string) ([]*domain.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Webhook
	for _, w := range r.webhooks {
		if w.TenantID == tenantID && w.Matches(event, entityType) {
			out = append(out, copyWebhook(w))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (r *WebhookRepository) RecordOutcome(ctx context.Context, id string, outcome repository.Outcome, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.webhooks[id]
	if !ok {
		return domain.ErrNotFound
	}
	switch outcome {
	case repository.OutcomeSuccess:
		w.SuccessCount++
	case repository.OutcomeFailure:
		w.FailureCount++
	}
	w.LastTriggeredAt = &at
	return nil
}

func (r *WebhookRepository) UpdateSecret(ctx context.Context, id, secret string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.webhooks[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Secret = secret
	w.UpdatedAt = at
	return nil
}

func copyWebhook(w *domain.Webhook) *domain.Webhook {
	cp := *w
	if w.Headers != nil {
		cp.Headers = make(map[string]string, len(w.Headers))
		for k, v := range w.Headers {
			cp.Headers[k] = v
		}
	}
	cp.Events = append([]domain.EventType(nil), w.Events...)
	cp.EntityTypes = append([]string(nil), w.EntityTypes...)
	if w.LastTriggeredAt != nil {
		t := *w.LastTriggeredAt
		cp.LastTriggeredAt = &t
	}
	return &cp
}

func sortByCreated(ws []*domain.Webhook) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].ID < ws[j].ID
		}
		return ws[i].CreatedAt.Before(ws[j].CreatedAt)
	})
}
