package domain

import (
	"fmt"
	"time"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusCreated: {
		PaymentStatusPending, PaymentStatusAuthorized, PaymentStatusProcessing,
		PaymentStatusCaptured, PaymentStatusCompleted, PaymentStatusFailed,
		PaymentStatusCancelled, PaymentStatusExpired,
	},
	PaymentStatusPending: {
		PaymentStatusAuthorized, PaymentStatusProcessing, PaymentStatusCaptured,
		PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusExpired,
	},
	PaymentStatusAuthorized: {
		PaymentStatusProcessing, PaymentStatusCaptured, PaymentStatusCompleted,
		PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusExpired,
	},
	PaymentStatusProcessing: {
		PaymentStatusCaptured, PaymentStatusCompleted, PaymentStatusFailed,
	},
	PaymentStatusCaptured: {
		PaymentStatusCompleted, PaymentStatusRefunded, PaymentStatusPartiallyRefunded, PaymentStatusDisputed,
	},
	PaymentStatusCompleted: {
		PaymentStatusRefunded, PaymentStatusPartiallyRefunded, PaymentStatusDisputed,
	},
	PaymentStatusPartiallyRefunded: {
		PaymentStatusRefunded, PaymentStatusDisputed,
	},
	PaymentStatusDisputed: {
		PaymentStatusRefunded,
	},
}

func (s PaymentStatus) IsValid() bool {
	if _, ok := paymentTransitions[s]; ok {
		return true
	}
	switch s {
	case PaymentStatusRefunded, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusExpired:
		return true
	}
	return false
}

func (s PaymentStatus) IsTerminal() bool {
	return s.IsValid() && len(paymentTransitions[s]) == 0
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionPayment returns the payment moved to status to. A transition to the
// current status is a no-op and reports changed=false.
func TransitionPayment(p Payment, to PaymentStatus, at time.Time) (next Payment, changed bool, err error) {
	if !to.IsValid() {
		return p, false, fmt.Errorf("TransitionPayment: unknown status %q: %w", to, ErrInvalidRequest)
	}
	if p.Status == to {
		return p, false, nil
	}
	if !CanTransitionPayment(p.Status, to) {
		return p, false, &TransitionError{Entity: EntityPayment, From: string(p.Status), To: string(to)}
	}

	p.Status = to
	p.UpdatedAt = at
	switch to {
	case PaymentStatusCaptured, PaymentStatusCompleted:
		if p.PaidAt == nil {
			p.PaidAt = &at
		}
	case PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		if p.RefundedAt == nil {
			p.RefundedAt = &at
		}
	case PaymentStatusCancelled:
		if p.CancelledAt == nil {
			p.CancelledAt = &at
		}
	}
	return p, true, nil
}

// StatusAfterRefunds is the status a payment settles in once processedTotal has been refunded.
func StatusAfterRefunds(p Payment, processedTotal int64) PaymentStatus {
	if processedTotal >= p.Amount {
		return PaymentStatusRefunded
	}
	return PaymentStatusPartiallyRefunded
}
