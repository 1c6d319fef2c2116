package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/repository"
)

type DeliveryLogRepository struct {
	mu       sync.RWMutex
	logs     map[string]*domain.DeliveryLog
	attempts map[string][]*domain.DeliveryAttempt
	nextID   int64
}

func NewDeliveryLogRepository() *DeliveryLogRepository {
	return &DeliveryLogRepository{
		logs:     make(map[string]*domain.DeliveryLog),
		attempts: make(map[string][]*domain.DeliveryAttempt),
	}
}

func (r *DeliveryLogRepository) Create(ctx context.Context, l *domain.DeliveryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.logs[l.ID]; exists {
		return domain.ErrAlreadyExists
	}
	l.Version = 1
	r.logs[l.ID] = copyLog(l)
	return nil
}

func (r *DeliveryLogRepository) GetByID(ctx context.Context, id string) (*domain.DeliveryLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.logs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyLog(l), nil
}

func (r *DeliveryLogRepository) Update(ctx context.Context, l *domain.DeliveryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.logs[l.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != l.Version {
		return domain.ErrConflict
	}
	l.Version++
	r.logs[l.ID] = copyLog(l)
	return nil
}

func (r *DeliveryLogRepository) ListByWebhook(ctx context.Context, webhookID string, filter repository.LogFilter) ([]*domain.DeliveryLog, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*domain.DeliveryLog
	for _, l := range r.logs {
		if l.WebhookID != webhookID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		matched = append(matched, l)
	}
	sortNewestFirst(matched)

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	out := make([]*domain.DeliveryLog, 0, end-start)
	for _, l := range matched[start:end] {
		out = append(out, copyLog(l))
	}
	return out, total, nil
}

func (r *DeliveryLogRepository) ListRecent(ctx context.Context, webhookID string, limit int) ([]*domain.DeliveryLog, error) {
	logs, _, err := r.ListByWebhook(ctx, webhookID, repository.LogFilter{Limit: limit})
	return logs, err
}

func (r *DeliveryLogRepository) CountByStatusSince(ctx context.Context, webhookID string, since time.Time) (domain.StatusBreakdown, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b domain.StatusBreakdown
	for _, l := range r.logs {
		if l.WebhookID == webhookID && !l.CreatedAt.Before(since) {
			b.Add(l.Status, 1)
		}
	}
	return b, nil
}

func (r *DeliveryLogRepository) ListRetryable(ctx context.Context, olderThan time.Time, limit int) ([]*domain.DeliveryLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*domain.DeliveryLog
	for _, l := range r.logs {
		if l.Status == domain.DeliveryStatusFailed && l.RetryCount < domain.MaxRetries && l.UpdatedAt.Before(olderThan) {
			matched = append(matched, l)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.Before(matched[j].UpdatedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*domain.DeliveryLog, len(matched))
	for i, l := range matched {
		out[i] = copyLog(l)
	}
	return out, nil
}

func (r *DeliveryLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, l := range r.logs {
		if l.CreatedAt.Before(cutoff) {
			delete(r.logs, id)
			delete(r.attempts, id)
			n++
		}
	}
	return n, nil
}

func (r *DeliveryLogRepository) RecordAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	a.ID = r.nextID
	cp := *a
	r.attempts[a.LogID] = append(r.attempts[a.LogID], &cp)
	return nil
}

func (r *DeliveryLogRepository) ListAttempts(ctx context.Context, logID string) ([]*domain.DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.DeliveryAttempt, 0, len(r.attempts[logID]))
	for _, a := range r.attempts[logID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// Len returns the number of stored log entries.
func (r *DeliveryLogRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs)
}

func copyLog(l *domain.DeliveryLog) *domain.DeliveryLog {
	cp := *l
	if l.RequestHeaders != nil {
		cp.RequestHeaders = make(map[string]string, len(l.RequestHeaders))
		for k, v := range l.RequestHeaders {
			cp.RequestHeaders[k] = v
		}
	}
	return &cp
}

func sortNewestFirst(logs []*domain.DeliveryLog) {
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].CreatedAt.Equal(logs[j].CreatedAt) {
			return logs[i].ID > logs[j].ID
		}
		return logs[i].CreatedAt.After(logs[j].CreatedAt)
	})
}
