package domain

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/eventpay/internal/backoff"
	"github.com/josh-kwaku/eventpay/internal/subscription"
)

type WebhookStatus string

const (
	WebhookStatusActive   WebhookStatus = "active"
	WebhookStatusPaused   WebhookStatus = "paused"
	WebhookStatusDisabled WebhookStatus = "disabled"
)

const (
	DefaultWebhookTimeout = 15 * time.Second
	MinWebhookTimeout     = time.Second
	MaxWebhookTimeout     = 30 * time.Second
)

type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Hour,
		Factor:       2,
	}
}

func (p RetryPolicy) Valid() bool {
	return p.MaxAttempts >= 1 && p.MaxAttempts <= 25 &&
		p.InitialDelay > 0 &&
		p.MaxDelay >= p.InitialDelay &&
		p.Factor >= 1 && p.Factor <= 10
}

func (p RetryPolicy) Backoff() backoff.Policy {
	return backoff.Policy{
		MaxAttempts:  p.MaxAttempts,
		InitialDelay: p.InitialDelay,
		MaxDelay:     p.MaxDelay,
		Factor:       p.Factor,
	}
}

type WebhookStats struct {
	TotalDeliveries      int64
	SuccessfulDeliveries int64
	FailedDeliveries     int64
	LastSuccessAt        *time.Time
	LastFailureAt        *time.Time
}

type Webhook struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	URL         string
	Method      string
	Events      []string
	Secret      string
	Status      WebhookStatus
	Description string
	Headers     map[string]string
	Timeout     time.Duration
	RetryPolicy RetryPolicy
	Stats       WebhookStats
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (w *Webhook) IsActive() bool {
	return w.Status == WebhookStatusActive
}

func (w *Webhook) SubscribedTo(eventName string) bool {
	return subscription.Matches(eventName, w.Events)
}

func ValidWebhookMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// TransitionWebhook applies an owner-driven status change. Disabled is final.
func TransitionWebhook(w Webhook, to WebhookStatus, at time.Time) (Webhook, error) {
	if w.Status == to {
		return w, nil
	}
	if w.Status == WebhookStatusDisabled {
		return w, &TransitionError{Entity: EntityWebhook, From: string(w.Status), To: string(to)}
	}
	switch to {
	case WebhookStatusActive, WebhookStatusPaused, WebhookStatusDisabled:
	default:
		return w, &TransitionError{Entity: EntityWebhook, From: string(w.Status), To: string(to)}
	}
	w.Status = to
	w.UpdatedAt = at
	return w, nil
}
