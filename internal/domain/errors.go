package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidCurrency     = errors.New("invalid currency")
	ErrVersionConflict     = errors.New("optimistic lock conflict")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotRefundable       = errors.New("payment is not refundable for this amount")
	ErrInvalidSubscription = errors.New("webhook is not subscribed to event")
	ErrInvalidEventName    = errors.New("invalid event name")
	ErrDeliveryTerminal    = errors.New("delivery already in terminal state")
	ErrDeliveryInFlight    = errors.New("delivery attempt already in flight")
	ErrLeaseLost           = errors.New("event lease not held")
	ErrStatusDrift         = errors.New("cached status disagrees with status log")
	ErrWebhookDisabled     = errors.New("webhook is disabled")
)

// TransitionError reports a rejected state change. It unwraps to ErrInvalidTransition.
type TransitionError struct {
	Entity EntityType
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot transition from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
