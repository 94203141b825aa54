package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

const refundColumns = `id, payment_id, amount, currency, status, reason, initiated_by, processed_by,
	failure_reason, processed_at, failed_at, cancelled_at, created_at, updated_at`

type RefundRepository struct {
	conn
}

func NewRefundRepository(db *sql.DB) *RefundRepository {
	return &RefundRepository{conn: newConn(db)}
}

func (r *RefundRepository) Create(ctx context.Context, rf *domain.Refund) error {
	_, err := r.tr(ctx).ExecContext(ctx,
		`INSERT INTO refunds (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rf.ID, rf.PaymentID, rf.Amount, rf.Currency, rf.Status, rf.Reason, rf.InitiatedBy, rf.ProcessedBy,
		rf.FailureReason, rf.ProcessedAt, rf.FailedAt, rf.CancelledAt, rf.CreatedAt, rf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *RefundRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	row := r.tr(ctx).QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id,
	)
	rf, err := scanRefund(row)
	if err != nil {
		return nil, notFound("GetByID", err)
	}
	return rf, nil
}

func (r *RefundRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	row := r.tr(ctx).QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE id = $1 FOR UPDATE`, id,
	)
	rf, err := scanRefund(row)
	if err != nil {
		return nil, notFound("GetForUpdate", err)
	}
	return rf, nil
}

func (r *RefundRepository) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]domain.Refund, error) {
	rows, err := r.tr(ctx).QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE payment_id = $1 ORDER BY created_at`, paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByPayment: %w", err)
	}
	defer rows.Close()

	var refunds []domain.Refund
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("ListByPayment: scan: %w", err)
		}
		refunds = append(refunds, *rf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByPayment: rows: %w", err)
	}
	return refunds, nil
}

// SumProcessed is the total already given back on a payment.
func (r *RefundRepository) SumProcessed(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	var total int64
	err := r.tr(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE payment_id = $1 AND status = 'processed'`,
		paymentID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("SumProcessed: %w", err)
	}
	return total, nil
}

// Update writes rf if it is still in status from.
func (r *RefundRepository) Update(ctx context.Context, rf *domain.Refund, from domain.RefundStatus) error {
	res, err := r.tr(ctx).ExecContext(ctx,
		`UPDATE refunds SET
			status = $3, processed_by = $4, failure_reason = $5,
			processed_at = $6, failed_at = $7, cancelled_at = $8, updated_at = $9
		WHERE id = $1 AND status = $2`,
		rf.ID, from, rf.Status, rf.ProcessedBy, rf.FailureReason,
		rf.ProcessedAt, rf.FailedAt, rf.CancelledAt, rf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	return expectOneRow(res, "Update", domain.ErrVersionConflict)
}

func scanRefund(s scanner) (*domain.Refund, error) {
	var rf domain.Refund
	err := s.Scan(
		&rf.ID, &rf.PaymentID, &rf.Amount, &rf.Currency, &rf.Status, &rf.Reason, &rf.InitiatedBy, &rf.ProcessedBy,
		&rf.FailureReason, &rf.ProcessedAt, &rf.FailedAt, &rf.CancelledAt, &rf.CreatedAt, &rf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rf, nil
}
