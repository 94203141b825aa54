package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EntityType string

const (
	EntityPayment  EntityType = "payment"
	EntityRefund   EntityType = "refund"
	EntityWebhook  EntityType = "webhook"
	EntityDelivery EntityType = "delivery"
)

type EntityRef struct {
	Type EntityType
	ID   uuid.UUID
}

func PaymentRef(id uuid.UUID) EntityRef { return EntityRef{Type: EntityPayment, ID: id} }
func RefundRef(id uuid.UUID) EntityRef  { return EntityRef{Type: EntityRefund, ID: id} }

const ActorSystem = "system"

func UserActor(id uuid.UUID) string { return "user:" + id.String() }

// StatusLogEntry is one immutable row of an entity's status history.
type StatusLogEntry struct {
	Seq        int64
	ID         uuid.UUID
	EntityType EntityType
	EntityID   uuid.UUID
	Status     string
	Actor      string
	Reason     string
	Metadata   json.RawMessage
	CreatedAt  time.Time
}

type StatusDuration struct {
	Status    string
	EnteredAt time.Time
	ExitedAt  *time.Time
	Duration  time.Duration
	Human     string
}

type StatusAverage struct {
	Status  string
	Samples int64
	Average time.Duration
}
