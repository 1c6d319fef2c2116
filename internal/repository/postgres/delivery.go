package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/repository"
)

const logColumns = `id, tenant_id, webhook_id, event_type, entity_type, entity_id, entity_name, request_url,
	request_headers, request_body, response_status, response_body, duration_ms, error, status,
	retry_count, version, created_at, updated_at`

type DeliveryLogRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryLogRepository(pool *pgxpool.Pool) *DeliveryLogRepository {
	return &DeliveryLogRepository{pool: pool}
}

func (r *DeliveryLogRepository) Create(ctx context.Context, l *domain.DeliveryLog) error {
	const query = `
		INSERT INTO delivery_logs (id, tenant_id, webhook_id, event_type, entity_type, entity_id,
		                           entity_name, request_url, request_headers, request_body, status,
		                           retry_count, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)
	`

	_, err := r.pool.Exec(ctx, query,
		l.ID,
		l.TenantID,
		l.WebhookID,
		string(l.EventType),
		l.EntityType,
		l.EntityID,
		l.EntityName,
		l.RequestURL,
		headersOrEmpty(l.RequestHeaders),
		l.RequestBody,
		string(l.Status),
		l.RetryCount,
		l.CreatedAt,
		l.UpdatedAt,
	)
	if err != nil {
		return err
	}
	l.Version = 1
	return nil
}

func (r *DeliveryLogRepository) GetByID(ctx context.Context, id string) (*domain.DeliveryLog, error) {
	query := `SELECT ` + logColumns + ` FROM delivery_logs WHERE id = $1`

	l, err := scanLog(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (r *DeliveryLogRepository) Update(ctx context.Context, l *domain.DeliveryLog) error {
	const query = `
		UPDATE delivery_logs
		SET response_status = $3, response_body = $4, duration_ms = $5, error = $6,
		    status = $7, retry_count = $8, updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $2
	`

	result, err := r.pool.Exec(ctx, query,
		l.ID,
		l.Version,
		l.ResponseStatus,
		l.ResponseBody,
		l.DurationMs,
		l.Error,
		string(l.Status),
		l.RetryCount,
		l.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM delivery_logs WHERE id = $1)`, l.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	l.Version++
	return nil
}

func (r *DeliveryLogRepository) ListByWebhook(ctx context.Context, webhookID string, filter repository.LogFilter) ([]*domain.DeliveryLog, int, error) {
	const countQuery = `
		SELECT COUNT(*) FROM delivery_logs
		WHERE webhook_id = $1 AND ($2::text = '' OR status = $2::text)
	`

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, webhookID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + logColumns + `
		FROM delivery_logs
		WHERE webhook_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`
	logs, err := r.query(ctx, query, webhookID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (r *DeliveryLogRepository) ListRecent(ctx context.Context, webhookID string, limit int) ([]*domain.DeliveryLog, error) {
	query := `
		SELECT ` + logColumns + `
		FROM delivery_logs
		WHERE webhook_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	return r.query(ctx, query, webhookID, limit)
}

func (r *DeliveryLogRepository) CountByStatusSince(ctx context.Context, webhookID string, since time.Time) (domain.StatusBreakdown, error) {
	const query = `
		SELECT status, COUNT(*)
		FROM delivery_logs
		WHERE webhook_id = $1 AND created_at >= $2
		GROUP BY status
	`

	var b domain.StatusBreakdown
	rows, err := r.pool.Query(ctx, query, webhookID, since)
	if err != nil {
		return b, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return b, err
		}
		b.Add(domain.DeliveryStatus(status), count)
	}
	return b, rows.Err()
}

func (r *DeliveryLogRepository) ListRetryable(ctx context.Context, olderThan time.Time, limit int) ([]*domain.DeliveryLog, error) {
	query := `
		SELECT ` + logColumns + `
		FROM delivery_logs
		WHERE status = 'failed' AND retry_count < $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`
	return r.query(ctx, query, domain.MaxRetries, olderThan, limit)
}

func (r *DeliveryLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM delivery_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func (r *DeliveryLogRepository) RecordAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	const query = `
		INSERT INTO delivery_attempts (log_id, attempt_number, status_code, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	return r.pool.QueryRow(ctx, query,
		a.LogID,
		a.AttemptNumber,
		a.StatusCode,
		a.Error,
		a.DurationMs,
		a.CreatedAt,
	).Scan(&a.ID)
}

func (r *DeliveryLogRepository) ListAttempts(ctx context.Context, logID string) ([]*domain.DeliveryAttempt, error) {
	const query = `
		SELECT id, log_id, attempt_number, status_code, error, duration_ms, created_at
		FROM delivery_attempts
		WHERE log_id = $1
		ORDER BY attempt_number, id
	`

	rows, err := r.pool.Query(ctx, query, logID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		err := rows.Scan(
			&a.ID,
			&a.LogID,
			&a.AttemptNumber,
			&a.StatusCode,
			&a.Error,
			&a.DurationMs,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, &a)
	}

	return attempts, rows.Err()
}

func (r *DeliveryLogRepository) query(ctx context.Context, query string, args ...any) ([]*domain.DeliveryLog, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.DeliveryLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}

func scanLog(row pgx.Row) (*domain.DeliveryLog, error) {
	var (
		l         domain.DeliveryLog
		eventType string
		status    string
	)
	err := row.Scan(
		&l.ID,
		&l.TenantID,
		&l.WebhookID,
		&eventType,
		&l.EntityType,
		&l.EntityID,
		&l.EntityName,
		&l.RequestURL,
		&l.RequestHeaders,
		&l.RequestBody,
		&l.ResponseStatus,
		&l.ResponseBody,
		&l.DurationMs,
		&l.Error,
		&status,
		&l.RetryCount,
		&l.Version,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.EventType = domain.EventType(eventType)
	l.Status = domain.DeliveryStatus(status)
	return &l, nil
}
