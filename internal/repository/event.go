package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

const eventColumns = `id, name, payload, source, initiator, status, attempts, max_attempts,
	lease_owner, lease_expires_at, next_attempt_at, last_error, expires_at, processed_at,
	created_at, updated_at`

type EventRepository struct {
	conn
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{conn: newConn(db)}
}

func (r *EventRepository) Create(ctx context.Context, e *domain.Event) error {
	_, err := r.tr(ctx).ExecContext(ctx,
		`INSERT INTO events (
			id, name, payload, source, initiator, status, attempts, max_attempts,
			next_attempt_at, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Name, []byte(e.Payload), e.Source, e.Initiator, e.Status, e.Attempts, e.MaxAttempts,
		e.NextAttemptAt, e.ExpiresAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	row := r.tr(ctx).QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id,
	)
	e, err := scanEvent(row)
	if err != nil {
		return nil, notFound("GetByID", err)
	}
	return e, nil
}

// ClaimBatch leases up to limit eligible events to workerID in one statement.
// An event is eligible when its status allows work (pending, retrying and due, or
// processing under a dead lease) and no live lease exists on it.
func (r *EventRepository) ClaimBatch(ctx context.Context, workerID string, now, leaseUntil time.Time, limit int) ([]domain.Event, error) {
	rows, err := r.tr(ctx).QueryContext(ctx,
		`UPDATE events SET
			status = 'processing',
			lease_owner = $1,
			lease_expires_at = $2,
			attempts = attempts + 1,
			updated_at = $3
		WHERE id IN (
			SELECT id FROM events
			WHERE (status = 'pending'
				OR (status = 'retrying' AND next_attempt_at <= $3)
				OR status = 'processing')
			AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
			AND attempts < max_attempts
			AND (expires_at IS NULL OR expires_at > $3)
			ORDER BY COALESCE(next_attempt_at, created_at)
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns,
		workerID, leaseUntil, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ClaimBatch: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ClaimBatch: scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ClaimBatch: rows: %w", err)
	}
	return events, nil
}

// Complete marks the event processed. The lease owner and expiry act as a fence:
// a worker whose lease was taken over gets ErrLeaseLost.
func (r *EventRepository) Complete(ctx context.Context, e *domain.Event, workerID string, now time.Time) error {
	res, err := r.tr(ctx).ExecContext(ctx,
		`UPDATE events SET
			status = 'processed', processed_at = $4, updated_at = $4,
			lease_owner = NULL, lease_expires_at = NULL, last_error = NULL
		WHERE id = $1 AND status = 'processing' AND lease_owner = $2 AND lease_expires_at = $3`,
		e.ID, workerID, e.LeaseExpiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	return expectOneRow(res, "Complete", domain.ErrLeaseLost)
}

func (r *EventRepository) Fail(ctx context.Context, e *domain.Event, workerID string, status domain.EventStatus, nextAttemptAt *time.Time, lastError string, now time.Time) error {
	res, err := r.tr(ctx).ExecContext(ctx,
		`UPDATE events SET
			status = $4, next_attempt_at = $5, last_error = $6, updated_at = $7,
			lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing' AND lease_owner = $2 AND lease_expires_at = $3`,
		e.ID, workerID, e.LeaseExpiresAt, status, nextAttemptAt, lastError, now,
	)
	if err != nil {
		return fmt.Errorf("Fail: %w", err)
	}
	return expectOneRow(res, "Fail", domain.ErrLeaseLost)
}

func (r *EventRepository) CountExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.tr(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE status = 'processing' AND lease_expires_at <= $1`, now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountExpiredLeases: %w", err)
	}
	return n, nil
}

// FailExhaustedLeases settles events whose final attempt died with its lease.
// ClaimBatch will never pick them up again.
func (r *EventRepository) FailExhaustedLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.tr(ctx).ExecContext(ctx,
		`UPDATE events SET
			status = 'failed', last_error = 'lease expired on final attempt', updated_at = $1,
			lease_owner = NULL, lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at <= $1 AND attempts >= max_attempts`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("FailExhaustedLeases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("FailExhaustedLeases: rows affected: %w", err)
	}
	return n, nil
}

// DiscardExpired stops unprocessed events from being worked once their TTL has
// passed. A processing event whose lease lapsed is covered too: no worker holds
// it and claims skip expired events, so nothing else would settle it.
func (r *EventRepository) DiscardExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.tr(ctx).ExecContext(ctx,
		`UPDATE events SET status = 'discarded', last_error = 'expired before processing',
			lease_owner = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE expires_at <= $1
		AND (status IN ('pending', 'retrying')
			OR (status = 'processing' AND lease_expires_at <= $1))`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("DiscardExpired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DiscardExpired: rows affected: %w", err)
	}
	return n, nil
}

// DeleteSettledBefore removes terminal events whose expiry (or last update when
// no TTL was set) is older than before.
func (r *EventRepository) DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.tr(ctx).ExecContext(ctx,
		`DELETE FROM events
		WHERE status IN ('processed', 'failed', 'discarded')
		AND COALESCE(expires_at, updated_at) < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("DeleteSettledBefore: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteSettledBefore: rows affected: %w", err)
	}
	return n, nil
}

func scanEvent(s scanner) (*domain.Event, error) {
	var e domain.Event
	var payload []byte
	err := s.Scan(
		&e.ID, &e.Name, &payload, &e.Source, &e.Initiator, &e.Status, &e.Attempts, &e.MaxAttempts,
		&e.LeaseOwner, &e.LeaseExpiresAt, &e.NextAttemptAt, &e.LastError, &e.ExpiresAt, &e.ProcessedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}
