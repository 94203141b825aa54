package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

const webhookColumns = `id, owner_id, url, method, events, secret, status, description, headers,
	timeout_ms, max_attempts, initial_delay_ms, max_delay_ms, backoff_factor,
	total_deliveries, successful_deliveries, failed_deliveries, last_success_at, last_failure_at,
	created_at, updated_at`

type WebhookRepository struct {
	conn
}

func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{conn: newConn(db)}
}

func (r *WebhookRepository) Create(ctx context.Context, w *domain.Webhook) error {
	headers, err := marshalHeaders(w.Headers)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	_, err = r.tr(ctx).ExecContext(ctx,
		`INSERT INTO webhooks (
			id, owner_id, url, method, events, secret, status, description, headers,
			timeout_ms, max_attempts, initial_delay_ms, max_delay_ms, backoff_factor,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		w.ID, w.OwnerID, w.URL, w.Method, pq.Array(w.Events), w.Secret, w.Status, w.Description, headers,
		w.Timeout.Milliseconds(), w.RetryPolicy.MaxAttempts, w.RetryPolicy.InitialDelay.Milliseconds(),
		w.RetryPolicy.MaxDelay.Milliseconds(), w.RetryPolicy.Factor,
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *WebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Webhook, error) {
	row := r.tr(ctx).QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id,
	)
	w, err := scanWebhook(row)
	if err != nil {
		return nil, notFound("GetByID", err)
	}
	return w, nil
}

func (r *WebhookRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Webhook, error) {
	return r.list(ctx, "ListByOwner",
		`SELECT `+webhookColumns+` FROM webhooks WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
}

func (r *WebhookRepository) ListActive(ctx context.Context) ([]domain.Webhook, error) {
	return r.list(ctx, "ListActive",
		`SELECT `+webhookColumns+` FROM webhooks WHERE status = 'active' ORDER BY created_at`)
}

func (r *WebhookRepository) list(ctx context.Context, op, query string, args ...any) ([]domain.Webhook, error) {
	rows, err := r.tr(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var hooks []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		hooks = append(hooks, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return hooks, nil
}

// Update writes the owner-editable fields. Delivery stats are never touched here.
func (r *WebhookRepository) Update(ctx context.Context, w *domain.Webhook) error {
	headers, err := marshalHeaders(w.Headers)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	res, err := r.tr(ctx).ExecContext(ctx,
		`UPDATE webhooks SET
			url = $2, method = $3, events = $4, status = $5, description = $6, headers = $7,
			timeout_ms = $8, max_attempts = $9, initial_delay_ms = $10, max_delay_ms = $11,
			backoff_factor = $12, updated_at = $13
		WHERE id = $1`,
		w.ID, w.URL, w.Method, pq.Array(w.Events), w.Status, w.Description, headers,
		w.Timeout.Milliseconds(), w.RetryPolicy.MaxAttempts, w.RetryPolicy.InitialDelay.Milliseconds(),
		w.RetryPolicy.MaxDelay.Milliseconds(), w.RetryPolicy.Factor, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	return expectOneRow(res, "Update", domain.ErrNotFound)
}

// RecordOutcome bumps the delivery counters for one finalized attempt.
func (r *WebhookRepository) RecordOutcome(ctx context.Context, id uuid.UUID, success bool, at time.Time) error {
	query := `UPDATE webhooks SET
			total_deliveries = total_deliveries + 1,
			failed_deliveries = failed_deliveries + 1,
			last_failure_at = $2
		WHERE id = $1`
	if success {
		query = `UPDATE webhooks SET
			total_deliveries = total_deliveries + 1,
			successful_deliveries = successful_deliveries + 1,
			last_success_at = $2
		WHERE id = $1`
	}

	res, err := r.tr(ctx).ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("RecordOutcome: %w", err)
	}
	return expectOneRow(res, "RecordOutcome", domain.ErrNotFound)
}

func marshalHeaders(h map[string]string) ([]byte, error) {
	if h == nil {
		h = map[string]string{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	return b, nil
}

func scanWebhook(s scanner) (*domain.Webhook, error) {
	var w domain.Webhook
	var events pq.StringArray
	var headers []byte
	var timeoutMs, initialMs, maxMs int64

	err := s.Scan(
		&w.ID, &w.OwnerID, &w.URL, &w.Method, &events, &w.Secret, &w.Status, &w.Description, &headers,
		&timeoutMs, &w.RetryPolicy.MaxAttempts, &initialMs, &maxMs, &w.RetryPolicy.Factor,
		&w.Stats.TotalDeliveries, &w.Stats.SuccessfulDeliveries, &w.Stats.FailedDeliveries,
		&w.Stats.LastSuccessAt, &w.Stats.LastFailureAt,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Events = []string(events)
	w.Timeout = time.Duration(timeoutMs) * time.Millisecond
	w.RetryPolicy.InitialDelay = time.Duration(initialMs) * time.Millisecond
	w.RetryPolicy.MaxDelay = time.Duration(maxMs) * time.Millisecond
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &w.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return &w, nil
}
