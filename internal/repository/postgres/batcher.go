package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/cmshooks/internal/domain"
)

// BatcherConfig configures the outbox batcher behavior.
type BatcherConfig struct {
	// MaxSize is the maximum number of entries to batch before flushing.
	MaxSize int
	// MaxWait is the maximum time to wait before flushing a partial batch.
	MaxWait time.Duration
}

func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxSize: 50,
		MaxWait: 5 * time.Millisecond,
	}
}

type pendingEntry struct {
	args []any
	done chan error
}

// OutboxBatcher groups outbox inserts into multi-row statements.
// A batch flushes when full or after MaxWait, whichever comes first,
// and each caller blocks until its entry is persisted.
type OutboxBatcher struct {
	pool   *pgxpool.Pool
	config BatcherConfig

	mu      sync.Mutex
	pending []pendingEntry
	timer   *time.Timer
	closed  bool
	flushes sync.WaitGroup
}

func NewOutboxBatcher(pool *pgxpool.Pool, config BatcherConfig) *OutboxBatcher {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultBatcherConfig().MaxSize
	}
	if config.MaxWait <= 0 {
		config.MaxWait = DefaultBatcherConfig().MaxWait
	}
	return &OutboxBatcher{
		pool:    pool,
		config:  config,
		pending: make([]pendingEntry, 0, config.MaxSize),
	}
}

// ErrBatcherClosed is returned by Add after Shutdown.
var ErrBatcherClosed = errors.New("outbox batcher closed")

// Add queues e and blocks until it is written or ctx ends.
func (b *OutboxBatcher) Add(ctx context.Context, e *domain.OutboxEntry) error {
	args, err := outboxArgs(e)
	if err != nil {
		return err
	}
	done := make(chan error, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatcherClosed
	}
	b.pending = append(b.pending, pendingEntry{args: args, done: done})

	if len(b.pending) == 1 && b.timer == nil {
		b.timer = time.AfterFunc(b.config.MaxWait, func() {
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
		})
	}

	if len(b.pending) >= b.config.MaxSize {
		b.flushLocked()
	}
	b.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes what is queued and waits for in-flight inserts.
func (b *OutboxBatcher) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.flushLocked()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.flushes.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushLocked must be called with mu held.
func (b *OutboxBatcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}

	toFlush := b.pending
	b.pending = make([]pendingEntry, 0, b.config.MaxSize)

	b.flushes.Add(1)
	go func() {
		defer b.flushes.Done()
		err := b.insert(context.Background(), toFlush)
		for _, pe := range toFlush {
			pe.done <- err
			close(pe.done)
		}
	}()
}

const outboxColumnsPerRow = 9

func (b *OutboxBatcher) insert(ctx context.Context, entries []pendingEntry) error {
	var query strings.Builder
	query.WriteString(`
		INSERT INTO outbox_events (id, tenant_id, payload, status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES `)

	args := make([]any, 0, len(entries)*outboxColumnsPerRow)
	for i, pe := range entries {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString("(")
		for c := 0; c < outboxColumnsPerRow; c++ {
			if c > 0 {
				query.WriteString(", ")
			}
			fmt.Fprintf(&query, "$%d", i*outboxColumnsPerRow+c+1)
		}
		query.WriteString(")")
		args = append(args, pe.args...)
	}
	query.WriteString(" ON CONFLICT (id) DO NOTHING")

	_, err := b.pool.Exec(ctx, query.String(), args...)
	return err
}
