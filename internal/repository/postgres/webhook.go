package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/repository"
)

const webhookColumns = `id, tenant_id, name, description, url, secret, headers, events, entity_types,
	is_active, success_count, failure_count, last_triggered_at, created_by, created_at, updated_at`

type WebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

func (r *WebhookRepository) Create(ctx context.Context, w *domain.Webhook) error {
	const query = `
		INSERT INTO webhooks (id, tenant_id, name, description, url, secret, headers, events, entity_types,
		                      is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.pool.Exec(ctx, query,
		w.ID,
		w.TenantID,
		w.Name,
		w.Description,
		w.URL,
		w.Secret,
		headersOrEmpty(w.Headers),
		eventStrings(w.Events),
		stringsOrEmpty(w.EntityTypes),
		w.IsActive,
		w.CreatedBy,
		w.CreatedAt,
		w.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*domain.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

	w, err := scanWebhook(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *WebhookRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE tenant_id = $1 ORDER BY created_at, id`
	return r.query(ctx, query, tenantID)
}

func (r *WebhookRepository) Update(ctx context.Context, w *domain.Webhook) error {
	const query = `
		UPDATE webhooks
		SET name = $2, description = $3, url = $4, headers = $5, events = $6,
		    entity_types = $7, is_active = $8, updated_at = $9
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query,
		w.ID,
		w.Name,
		w.Description,
		w.URL,
		headersOrEmpty(w.Headers),
		eventStrings(w.Events),
		stringsOrEmpty(w.EntityTypes),
		w.IsActive,
		w.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FindSubscribers filters in SQL; an empty entity_types array matches everything.
func (r *WebhookRepository) FindSubscribers(ctx context.Context, tenantID string, event domain.EventType, entityType string) ([]*domain.Webhook, error) {
	query := `
		SELECT ` + webhookColumns + `
		FROM webhooks
		WHERE tenant_id = $1
		  AND is_active = TRUE
		  AND $2 = ANY(events)
		  AND (cardinality(entity_types) = 0 OR $3 = ANY(entity_types))
		ORDER BY created_at, id
	`
	return r.query(ctx, query, tenantID, string(event), entityType)
}

func (r *WebhookRepository) RecordOutcome(ctx context.Context, id string, outcome repository.Outcome, at time.Time) error {
	query := `
		UPDATE webhooks
		SET success_count = success_count + 1, last_triggered_at = $2
		WHERE id = $1
	`
	if outcome == repository.OutcomeFailure {
		query = `
			UPDATE webhooks
			SET failure_count = failure_count + 1, last_triggered_at = $2
			WHERE id = $1
		`
	}

	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *WebhookRepository) UpdateSecret(ctx context.Context, id, secret string, at time.Time) error {
	const query = `UPDATE webhooks SET secret = $2, updated_at = $3 WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, secret, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *WebhookRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Webhook, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}

	return webhooks, rows.Err()
}

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var (
		w      domain.Webhook
		events []string
	)
	err := row.Scan(
		&w.ID,
		&w.TenantID,
		&w.Name,
		&w.Description,
		&w.URL,
		&w.Secret,
		&w.Headers,
		&events,
		&w.EntityTypes,
		&w.IsActive,
		&w.SuccessCount,
		&w.FailureCount,
		&w.LastTriggeredAt,
		&w.CreatedBy,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Events = make([]domain.EventType, len(events))
	for i, e := range events {
		w.Events[i] = domain.EventType(e)
	}
	return &w, nil
}

func eventStrings(events []domain.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func headersOrEmpty(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
