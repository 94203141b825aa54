package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusProcessing DeliveryStatus = "processing"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusFailed     DeliveryStatus = "failed"
	DeliveryStatusRetrying   DeliveryStatus = "retrying"
	DeliveryStatusDiscarded  DeliveryStatus = "discarded"
)

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusDiscarded
}

// Claimable reports whether a new attempt may start from this status.
func (s DeliveryStatus) Claimable() bool {
	return s == DeliveryStatusPending || s == DeliveryStatusRetrying
}

// AwaitingFinalize reports whether an attempt has been made but not yet settled.
func (s DeliveryStatus) AwaitingFinalize() bool {
	return s == DeliveryStatusProcessing || s == DeliveryStatusFailed
}

type AttemptOutcome string

const (
	AttemptOutcomePending AttemptOutcome = "pending"
	AttemptOutcomeSuccess AttemptOutcome = "success"
	AttemptOutcomeFailure AttemptOutcome = "failure"
	AttemptOutcomeTimeout AttemptOutcome = "timeout"
	AttemptOutcomeError   AttemptOutcome = "error"
)

// MaxResponseBodyBytes bounds how much of a subscriber response is kept per attempt.
const MaxResponseBodyBytes = 1000

type DeliveryAttempt struct {
	ID             uuid.UUID
	DeliveryID     uuid.UUID
	AttemptNumber  int
	Outcome        AttemptOutcome
	StartedAt      time.Time
	FinishedAt     *time.Time
	ResponseStatus *int
	ResponseBody   *string
	Error          *string
	DurationMs     int64
}

type Delivery struct {
	ID             uuid.UUID
	WebhookID      uuid.UUID
	EventID        *uuid.UUID
	EventName      string
	Payload        json.RawMessage
	Status         DeliveryStatus
	CurrentAttempt int
	NextRetryAt    *time.Time
	LastAttemptAt  *time.Time
	DeliveredAt    *time.Time
	Attempts       []DeliveryAttempt
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (d *Delivery) LatestAttempt() *DeliveryAttempt {
	if len(d.Attempts) == 0 {
		return nil
	}
	return &d.Attempts[len(d.Attempts)-1]
}

// StatusAfterAttempt derives the interim status recorded with an attempt.
func StatusAfterAttempt(o AttemptOutcome) DeliveryStatus {
	if o == AttemptOutcomeSuccess {
		return DeliveryStatusProcessing
	}
	return DeliveryStatusFailed
}

// SettleDelivery derives the settled status of a delivery from its latest attempt.
// retryAt is only consulted for non-successful attempts; a nil retryAt means the
// retry policy is exhausted.
func SettleDelivery(d Delivery, retryAt *time.Time, now time.Time) (Delivery, error) {
	if d.Status.IsTerminal() {
		return d, ErrDeliveryTerminal
	}
	latest := d.LatestAttempt()
	if !d.Status.AwaitingFinalize() || latest == nil || latest.Outcome == AttemptOutcomePending {
		return d, &TransitionError{Entity: EntityDelivery, From: string(d.Status), To: "settled"}
	}

	d.UpdatedAt = now
	switch {
	case latest.Outcome == AttemptOutcomeSuccess:
		d.Status = DeliveryStatusDelivered
		d.DeliveredAt = &now
		d.NextRetryAt = nil
	case retryAt != nil:
		d.Status = DeliveryStatusRetrying
		d.NextRetryAt = retryAt
	default:
		d.Status = DeliveryStatusDiscarded
		d.NextRetryAt = nil
	}
	return d, nil
}
