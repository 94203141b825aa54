package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

const statusLogColumns = `seq, id, entity_type, entity_id, status, actor, reason, metadata, created_at`

type StatusLogRepository struct {
	conn
}

func NewStatusLogRepository(db *sql.DB) *StatusLogRepository {
	return &StatusLogRepository{conn: newConn(db)}
}

// Append writes e and fills in its sequence number. There is no update or delete.
func (r *StatusLogRepository) Append(ctx context.Context, e *domain.StatusLogEntry) error {
	var metadata []byte
	if len(e.Metadata) > 0 {
		metadata = e.Metadata
	}

	err := r.tr(ctx).QueryRowContext(ctx,
		`INSERT INTO status_log_entries (id, entity_type, entity_id, status, actor, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`,
		e.ID, e.EntityType, e.EntityID, e.Status, e.Actor, e.Reason, metadata, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("Append: %w", err)
	}
	return nil
}

func (r *StatusLogRepository) ListByEntity(ctx context.Context, ref domain.EntityRef) ([]domain.StatusLogEntry, error) {
	rows, err := r.tr(ctx).QueryContext(ctx,
		`SELECT `+statusLogColumns+` FROM status_log_entries
		WHERE entity_type = $1 AND entity_id = $2 ORDER BY seq`,
		ref.Type, ref.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByEntity: %w", err)
	}
	defer rows.Close()

	var entries []domain.StatusLogEntry
	for rows.Next() {
		e, err := scanStatusLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ListByEntity: scan: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByEntity: rows: %w", err)
	}
	return entries, nil
}

func (r *StatusLogRepository) Latest(ctx context.Context, ref domain.EntityRef) (*domain.StatusLogEntry, error) {
	row := r.tr(ctx).QueryRowContext(ctx,
		`SELECT `+statusLogColumns+` FROM status_log_entries
		WHERE entity_type = $1 AND entity_id = $2 ORDER BY seq DESC LIMIT 1`,
		ref.Type, ref.ID,
	)
	e, err := scanStatusLogEntry(row)
	if err != nil {
		return nil, notFound("Latest", err)
	}
	return e, nil
}

// AverageDurations computes, per status, how long entities of entityType that
// entered it since `since` stayed there. Open intervals are closed at now.
func (r *StatusLogRepository) AverageDurations(ctx context.Context, entityType domain.EntityType, since, now time.Time) ([]domain.StatusAverage, error) {
	rows, err := r.tr(ctx).QueryContext(ctx,
		`SELECT status, COUNT(*), AVG(EXTRACT(EPOCH FROM (COALESCE(exited_at, $3) - created_at)))
		FROM (
			SELECT status, created_at,
				LEAD(created_at) OVER (PARTITION BY entity_id ORDER BY seq) AS exited_at
			FROM status_log_entries
			WHERE entity_type = $1
		) spans
		WHERE created_at >= $2
		GROUP BY status
		ORDER BY status`,
		entityType, since, now,
	)
	if err != nil {
		return nil, fmt.Errorf("AverageDurations: %w", err)
	}
	defer rows.Close()

	var out []domain.StatusAverage
	for rows.Next() {
		var a domain.StatusAverage
		var seconds float64
		if err := rows.Scan(&a.Status, &a.Samples, &seconds); err != nil {
			return nil, fmt.Errorf("AverageDurations: scan: %w", err)
		}
		a.Average = time.Duration(seconds * float64(time.Second))
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("AverageDurations: rows: %w", err)
	}
	return out, nil
}

func scanStatusLogEntry(s scanner) (*domain.StatusLogEntry, error) {
	var e domain.StatusLogEntry
	var metadata []byte
	err := s.Scan(
		&e.Seq, &e.ID, &e.EntityType, &e.EntityID, &e.Status, &e.Actor, &e.Reason, &metadata, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Metadata = metadata
	return &e, nil
}
