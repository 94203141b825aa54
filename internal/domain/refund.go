package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RefundStatus string

const (
	RefundStatusPending    RefundStatus = "pending"
	RefundStatusProcessing RefundStatus = "processing"
	RefundStatusProcessed  RefundStatus = "processed"
	RefundStatusFailed     RefundStatus = "failed"
	RefundStatusCancelled  RefundStatus = "cancelled"
)

type Refund struct {
	ID            uuid.UUID
	PaymentID     uuid.UUID
	Amount        int64
	Currency      Currency
	Status        RefundStatus
	Reason        string
	InitiatedBy   string
	ProcessedBy   *string
	FailureReason *string
	ProcessedAt   *time.Time
	FailedAt      *time.Time
	CancelledAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundStatusPending:    {RefundStatusProcessing, RefundStatusFailed, RefundStatusCancelled},
	RefundStatusProcessing: {RefundStatusProcessed, RefundStatusCancelled},
}

func (s RefundStatus) IsTerminal() bool {
	return s == RefundStatusProcessed || s == RefundStatusFailed || s == RefundStatusCancelled
}

// TransitionRefund moves r to status to. actor and reason are recorded on the
// refund for processed, failed and cancelled respectively.
func TransitionRefund(r Refund, to RefundStatus, actor, reason string, at time.Time) (Refund, error) {
	allowed := false
	for _, s := range refundTransitions[r.Status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return r, &TransitionError{Entity: EntityRefund, From: string(r.Status), To: string(to)}
	}

	r.Status = to
	r.UpdatedAt = at
	switch to {
	case RefundStatusProcessed:
		r.ProcessedAt = &at
		r.ProcessedBy = &actor
	case RefundStatusFailed:
		r.FailedAt = &at
		r.FailureReason = &reason
	case RefundStatusCancelled:
		r.CancelledAt = &at
		if reason != "" {
			r.FailureReason = &reason
		}
	}
	return r, nil
}

// CanProcessRefund checks amount against what the payment can still give back.
func CanProcessRefund(p *Payment, processedTotal, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !p.Refundable(processedTotal) {
		return fmt.Errorf("payment %s is %s with %d left: %w",
			p.ID, p.Status, p.RefundableAmount(processedTotal), ErrNotRefundable)
	}
	if left := p.RefundableAmount(processedTotal); amount > left {
		return fmt.Errorf("refund of %d exceeds refundable %d: %w", amount, left, ErrNotRefundable)
	}
	return nil
}
