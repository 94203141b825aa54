package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusRetrying   EventStatus = "retrying"
	EventStatusDiscarded  EventStatus = "discarded"
)

func (s EventStatus) IsTerminal() bool {
	return s == EventStatusProcessed || s == EventStatusFailed || s == EventStatusDiscarded
}

const (
	DefaultEventMaxAttempts = 5
	DefaultLeaseTimeout     = 5 * time.Minute
)

// Event is a domain event waiting to be fanned out to subscribers.
type Event struct {
	ID             uuid.UUID
	Name           string
	Payload        json.RawMessage
	Source         string
	Initiator      string
	Status         EventStatus
	Attempts       int
	MaxAttempts    int
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	NextAttemptAt  *time.Time
	LastError      *string
	ExpiresAt      *time.Time
	ProcessedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (e *Event) HeldBy(workerID string, now time.Time) bool {
	return e.Status == EventStatusProcessing &&
		e.LeaseOwner != nil && *e.LeaseOwner == workerID &&
		e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now)
}
