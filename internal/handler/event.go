package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/eventpay/internal/auth"
	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/logging"
	"github.com/josh-kwaku/eventpay/internal/service/eventqueue"
)

type eventAppender interface {
	Append(ctx context.Context, ne eventqueue.NewEvent) (*domain.Event, error)
}

type EventHandler struct {
	events eventAppender
}

func NewEventHandler(events eventAppender) *EventHandler {
	return &EventHandler{events: events}
}

type appendEventRequest struct {
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Source      string          `json:"source"`
	TTLSeconds  int64           `json:"ttl_seconds"`
	MaxAttempts int             `json:"max_attempts"`
}

func (r appendEventRequest) Validate() []FieldError {
	var errs []FieldError
	if r.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "required"})
	}
	if r.TTLSeconds < 0 {
		errs = append(errs, FieldError{Field: "ttl_seconds", Message: "must not be negative"})
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, FieldError{Field: "max_attempts", Message: "must not be negative"})
	}
	return errs
}

type eventDTO struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Source      string     `json:"source,omitempty"`
	Initiator   string     `json:"initiator"`
	MaxAttempts int        `json:"max_attempts"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (h *EventHandler) Append(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	e, err := h.events.Append(r.Context(), eventqueue.NewEvent{
		Name:        req.Name,
		Payload:     req.Payload,
		Source:      req.Source,
		Initiator:   auth.ActorFromContext(r.Context()),
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		logging.FromContext(r.Context()).Warn("event append failed", "name", req.Name, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusAccepted, eventDTO{
		ID:          e.ID,
		Name:        e.Name,
		Status:      string(e.Status),
		Source:      e.Source,
		Initiator:   e.Initiator,
		MaxAttempts: e.MaxAttempts,
		ExpiresAt:   e.ExpiresAt,
		CreatedAt:   e.CreatedAt,
	})
}
