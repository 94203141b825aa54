package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

const paymentColumns = `id, amount, currency, payer_id, payee_id, order_ref, description, status,
	paid_at, refunded_at, cancelled_at, version, created_at, updated_at`

type PaymentRepository struct {
	conn
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{conn: newConn(db)}
}

func (r *PaymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	_, err := r.tr(ctx).ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.Amount, p.Currency, p.PayerID, p.PayeeID, p.OrderRef, p.Description, p.Status,
		p.PaidAt, p.RefundedAt, p.CancelledAt, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	row := r.tr(ctx).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id,
	)
	p, err := scanPayment(row)
	if err != nil {
		return nil, notFound("GetByID", err)
	}
	return p, nil
}

// GetForUpdate locks the payment row for the rest of the surrounding transaction.
func (r *PaymentRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	row := r.tr(ctx).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id,
	)
	p, err := scanPayment(row)
	if err != nil {
		return nil, notFound("GetForUpdate", err)
	}
	return p, nil
}

// Update persists status and lifecycle timestamps under optimistic locking and
// bumps p.Version on success.
func (r *PaymentRepository) Update(ctx context.Context, p *domain.Payment) error {
	res, err := r.tr(ctx).ExecContext(ctx,
		`UPDATE payments SET
			status = $3, paid_at = $4, refunded_at = $5, cancelled_at = $6,
			version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $2`,
		p.ID, p.Version, p.Status, p.PaidAt, p.RefundedAt, p.CancelledAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	if err := expectOneRow(res, "Update", domain.ErrVersionConflict); err != nil {
		return err
	}
	p.Version++
	return nil
}

func scanPayment(s scanner) (*domain.Payment, error) {
	var p domain.Payment
	err := s.Scan(
		&p.ID, &p.Amount, &p.Currency, &p.PayerID, &p.PayeeID, &p.OrderRef, &p.Description, &p.Status,
		&p.PaidAt, &p.RefundedAt, &p.CancelledAt, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
