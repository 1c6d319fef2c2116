package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/cmshooks/internal/domain"
)

type OutboxRepository struct {
	pool    *pgxpool.Pool
	batcher *OutboxBatcher
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// WithBatcher enables batched inserts for Enqueue.
func (r *OutboxRepository) WithBatcher(config BatcherConfig) *OutboxRepository {
	r.batcher = NewOutboxBatcher(r.pool, config)
	return r
}

// Shutdown flushes any batched entries.
func (r *OutboxRepository) Shutdown(ctx context.Context) error {
	if r.batcher != nil {
		return r.batcher.Shutdown(ctx)
	}
	return nil
}

const insertOutbox = `
	INSERT INTO outbox_events (id, tenant_id, payload, status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING
`

func outboxArgs(e *domain.OutboxEntry) ([]any, error) {
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	return []any{
		e.ID,
		e.Event.TenantID,
		payload,
		string(e.Status),
		e.Attempts,
		e.MaxAttempts,
		e.NextAttemptAt,
		e.CreatedAt,
		e.UpdatedAt,
	}, nil
}

func (r *OutboxRepository) Enqueue(ctx context.Context, e *domain.OutboxEntry) error {
	if r.batcher != nil {
		return r.batcher.Add(ctx, e)
	}

	args, err := outboxArgs(e)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, insertOutbox, args...)
	return err
}

// EnqueueTx writes the entry inside the caller's transaction so the
// content change and its event commit together.
func (r *OutboxRepository) EnqueueTx(ctx context.Context, tx pgx.Tx, e *domain.OutboxEntry) error {
	args, err := outboxArgs(e)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, insertOutbox, args...)
	return err
}

func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int, staleAfter time.Duration) ([]*domain.OutboxEntry, error) {
	const query = `
		UPDATE outbox_events
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE (status IN ('pending', 'retrying')
			       AND (next_attempt_at IS NULL OR next_attempt_at <= NOW()))
			   OR (status = 'processing'
			       AND updated_at < NOW() - make_interval(secs => $2))
			ORDER BY next_attempt_at NULLS FIRST, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING id, payload, status, attempts, max_attempts, next_attempt_at,
		          last_error, created_at, updated_at, processed_at
	`

	rows, err := r.pool.Query(ctx, query, limit, staleAfter.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.OutboxEntry
	for rows.Next() {
		var (
			e       domain.OutboxEntry
			payload []byte
			status  string
		)
		err := rows.Scan(
			&e.ID,
			&payload,
			&status,
			&e.Attempts,
			&e.MaxAttempts,
			&e.NextAttemptAt,
			&e.LastError,
			&e.CreatedAt,
			&e.UpdatedAt,
			&e.ProcessedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Event); err != nil {
			return nil, fmt.Errorf("decode outbox payload %s: %w", e.ID, err)
		}
		e.Status = domain.OutboxStatus(status)
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

func (r *OutboxRepository) UpdateStatus(ctx context.Context, e *domain.OutboxEntry) error {
	const query = `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_attempt_at = $4,
		    last_error = $5, updated_at = $6, processed_at = $7
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query,
		e.ID,
		string(e.Status),
		e.Attempts,
		e.NextAttemptAt,
		e.LastError,
		e.UpdatedAt,
		e.ProcessedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatusBatch persists several relay outcomes in one round trip.
func (r *OutboxRepository) UpdateStatusBatch(ctx context.Context, entries []*domain.OutboxEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			UPDATE outbox_events
			SET status = $2, attempts = $3, next_attempt_at = $4,
			    last_error = $5, updated_at = $6, processed_at = $7
			WHERE id = $1
		`, e.ID, string(e.Status), e.Attempts, e.NextAttemptAt,
			e.LastError, e.UpdatedAt, e.ProcessedAt)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
