package domain

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusCreated           PaymentStatus = "created"
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusAuthorized        PaymentStatus = "authorized"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusCaptured          PaymentStatus = "captured"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusDisputed          PaymentStatus = "disputed"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
	PaymentStatusExpired           PaymentStatus = "expired"
)

type Payment struct {
	ID          uuid.UUID
	Amount      int64
	Currency    Currency
	PayerID     string
	PayeeID     string
	OrderRef    string
	Description string
	Status      PaymentStatus
	PaidAt      *time.Time
	RefundedAt  *time.Time
	CancelledAt *time.Time
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Refundable reports whether refunds may still be drawn against the payment
// given the sum of refunds already processed.
func (p *Payment) Refundable(processedTotal int64) bool {
	switch p.Status {
	case PaymentStatusCaptured, PaymentStatusCompleted, PaymentStatusPartiallyRefunded:
		return p.RefundableAmount(processedTotal) > 0
	}
	return false
}

func (p *Payment) RefundableAmount(processedTotal int64) int64 {
	left := p.Amount - processedTotal
	if left < 0 {
		return 0
	}
	return left
}
