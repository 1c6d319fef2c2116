package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipemaragno/cmshooks/internal/clock"
	"github.com/felipemaragno/cmshooks/internal/domain"
)

type OutboxRepository struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]*domain.OutboxEntry
}

func NewOutboxRepository(clk clock.Clock) *OutboxRepository {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &OutboxRepository{clock: clk, entries: make(map[string]*domain.OutboxEntry)}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, e *domain.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.ID]; exists {
		return domain.ErrAlreadyExists
	}
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int, staleAfter time.Duration) ([]*domain.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()

	var due []*domain.OutboxEntry
	for _, e := range r.entries {
		switch e.Status {
		case domain.OutboxStatusPending, domain.OutboxStatusRetrying:
			if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
				continue
			}
		case domain.OutboxStatusProcessing:
			if now.Sub(e.UpdatedAt) <= staleAfter {
				continue
			}
		default:
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*domain.OutboxEntry, len(due))
	for i, e := range due {
		e.Status = domain.OutboxStatusProcessing
		e.UpdatedAt = now
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (r *OutboxRepository) UpdateStatus(ctx context.Context, e *domain.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

// Get returns a copy of the entry with id.
func (r *OutboxRepository) Get(id string) (*domain.OutboxEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Counts groups entries by status.
func (r *OutboxRepository) Counts() map[domain.OutboxStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.OutboxStatus]int)
	for _, e := range r.entries {
		out[e.Status]++
	}
	return out
}
