package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

const deliveryColumns = `id, webhook_id, event_id, event_name, payload, status, current_attempt,
	next_retry_at, last_attempt_at, delivered_at, created_at, updated_at`

const attemptColumns = `id, delivery_id, attempt_number, outcome, started_at, finished_at,
	response_status, response_body, error, duration_ms`

// DeliveryRepository persists deliveries and their append-only attempt log.
type DeliveryRepository struct {
	conn
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{conn: newConn(db)}
}

// Create inserts d unless a delivery for the same (event, webhook) pair exists.
// It reports whether a row was written.
func (r *DeliveryRepository) Create(ctx context.Context, d *domain.Delivery) (bool, error) {
	res, err := r.tr(ctx).ExecContext(ctx,
		`INSERT INTO webhook_deliveries (
			id, webhook_id, event_id, event_name, payload, status, current_attempt,
			next_retry_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id, webhook_id) DO NOTHING`,
		d.ID, d.WebhookID, d.EventID, d.EventName, []byte(d.Payload), d.Status, d.CurrentAttempt,
		d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("Create: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Create: rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *DeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Delivery, error) {
	row := r.tr(ctx).QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id,
	)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, notFound("GetByID", err)
	}
	if err := r.loadAttempts(ctx, d); err != nil {
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return d, nil
}

func (r *DeliveryRepository) GetByEventAndWebhook(ctx context.Context, eventID, webhookID uuid.UUID) (*domain.Delivery, error) {
	row := r.tr(ctx).QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE event_id = $1 AND webhook_id = $2`,
		eventID, webhookID,
	)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, notFound("GetByEventAndWebhook", err)
	}
	if err := r.loadAttempts(ctx, d); err != nil {
		return nil, fmt.Errorf("GetByEventAndWebhook: %w", err)
	}
	return d, nil
}

func (r *DeliveryRepository) ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]domain.Delivery, error) {
	return r.list(ctx, "ListByWebhook",
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE webhook_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		webhookID, limit, offset)
}

// FindReadyForRetry returns retrying deliveries whose backoff has elapsed, oldest due first.
// Deliveries of paused webhooks wait until the webhook is resumed.
func (r *DeliveryRepository) FindReadyForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Delivery, error) {
	return r.list(ctx, "FindReadyForRetry",
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status = 'retrying' AND next_retry_at <= $1
		AND webhook_id IN (SELECT id FROM webhooks WHERE status <> 'paused')
		ORDER BY next_retry_at LIMIT $2`,
		now, limit)
}

func (r *DeliveryRepository) FindPending(ctx context.Context, limit int) ([]domain.Delivery, error) {
	return r.list(ctx, "FindPending",
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status = 'pending'
		AND webhook_id IN (SELECT id FROM webhooks WHERE status <> 'paused')
		ORDER BY created_at LIMIT $1`,
		limit)
}

// FindStuck returns deliveries left mid-attempt since before.
func (r *DeliveryRepository) FindStuck(ctx context.Context, before time.Time, limit int) ([]domain.Delivery, error) {
	return r.list(ctx, "FindStuck",
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status IN ('processing', 'failed') AND updated_at <= $1
		ORDER BY updated_at LIMIT $2`,
		before, limit)
}

// Claim starts attempt current_attempt+1. Only pending or retrying deliveries can
// be claimed, which keeps attempts on one delivery strictly sequential.
func (r *DeliveryRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Delivery, error) {
	row := r.tr(ctx).QueryRowContext(ctx,
		`UPDATE webhook_deliveries SET
			status = 'processing',
			current_attempt = current_attempt + 1,
			last_attempt_at = $2,
			next_retry_at = NULL,
			updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'retrying')
		RETURNING `+deliveryColumns,
		id, now,
	)
	d, err := scanDelivery(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("Claim: %w", err)
	}

	var status domain.DeliveryStatus
	err = r.tr(ctx).QueryRowContext(ctx,
		`SELECT status FROM webhook_deliveries WHERE id = $1`, id,
	).Scan(&status)
	if err != nil {
		return nil, notFound("Claim", err)
	}
	if status.IsTerminal() {
		return nil, fmt.Errorf("Claim: %w", domain.ErrDeliveryTerminal)
	}
	return nil, fmt.Errorf("Claim: %w", domain.ErrDeliveryInFlight)
}

func (r *DeliveryRepository) InsertAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	_, err := r.tr(ctx).ExecContext(ctx,
		`INSERT INTO webhook_delivery_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.DeliveryID, a.AttemptNumber, a.Outcome, a.StartedAt, a.FinishedAt,
		a.ResponseStatus, a.ResponseBody, a.Error, a.DurationMs,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("InsertAttempt: %w", domain.ErrDeliveryInFlight)
		}
		return fmt.Errorf("InsertAttempt: %w", err)
	}
	return nil
}

// CompleteAttempt records the outcome of a pending attempt. Attempts that
// already carry an outcome are immutable.
func (r *DeliveryRepository) CompleteAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	res, err := r.tr(ctx).ExecContext(ctx,
		`UPDATE webhook_delivery_attempts SET
			outcome = $2, finished_at = $3, response_status = $4, response_body = $5,
			error = $6, duration_ms = $7
		WHERE id = $1 AND outcome = 'pending'`,
		a.ID, a.Outcome, a.FinishedAt, a.ResponseStatus, a.ResponseBody, a.Error, a.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("CompleteAttempt: %w", err)
	}
	return expectOneRow(res, "CompleteAttempt", domain.ErrVersionConflict)
}

// Transition moves a delivery out of from for the given attempt. The attempt
// number pins the update to the attempt the caller observed.
func (r *DeliveryRepository) Transition(ctx context.Context, d *domain.Delivery, from domain.DeliveryStatus) error {
	res, err := r.tr(ctx).ExecContext(ctx,
		`UPDATE webhook_deliveries SET
			status = $4, next_retry_at = $5, delivered_at = $6, updated_at = $7
		WHERE id = $1 AND status = $2 AND current_attempt = $3`,
		d.ID, from, d.CurrentAttempt, d.Status, d.NextRetryAt, d.DeliveredAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Transition: %w", err)
	}
	return expectOneRow(res, "Transition", domain.ErrVersionConflict)
}

func (r *DeliveryRepository) list(ctx context.Context, op, query string, args ...any) ([]domain.Delivery, error) {
	rows, err := r.tr(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var deliveries []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	rows.Close()

	if err := r.loadAttemptsFor(ctx, deliveries); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return deliveries, nil
}

func (r *DeliveryRepository) loadAttempts(ctx context.Context, d *domain.Delivery) error {
	one := []domain.Delivery{*d}
	if err := r.loadAttemptsFor(ctx, one); err != nil {
		return err
	}
	d.Attempts = one[0].Attempts
	return nil
}

func (r *DeliveryRepository) loadAttemptsFor(ctx context.Context, deliveries []domain.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(deliveries))
	index := make(map[uuid.UUID]int, len(deliveries))
	for i, d := range deliveries {
		ids[i] = d.ID
		index[d.ID] = i
	}

	rows, err := r.tr(ctx).QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM webhook_delivery_attempts
		WHERE delivery_id = ANY($1::uuid[]) ORDER BY delivery_id, attempt_number`,
		uuidStrings(ids),
	)
	if err != nil {
		return fmt.Errorf("load attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.DeliveryAttempt
		err := rows.Scan(
			&a.ID, &a.DeliveryID, &a.AttemptNumber, &a.Outcome, &a.StartedAt, &a.FinishedAt,
			&a.ResponseStatus, &a.ResponseBody, &a.Error, &a.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("load attempts: scan: %w", err)
		}
		if i, ok := index[a.DeliveryID]; ok {
			deliveries[i].Attempts = append(deliveries[i].Attempts, a)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load attempts: rows: %w", err)
	}
	return nil
}

func scanDelivery(s scanner) (*domain.Delivery, error) {
	var d domain.Delivery
	var eventID uuid.NullUUID
	var payload []byte

	err := s.Scan(
		&d.ID, &d.WebhookID, &eventID, &d.EventName, &payload, &d.Status, &d.CurrentAttempt,
		&d.NextRetryAt, &d.LastAttemptAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if eventID.Valid {
		d.EventID = &eventID.UUID
	}
	d.Payload = payload
	return &d, nil
}
