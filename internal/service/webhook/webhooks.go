package webhook

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/signature"
	"github.com/josh-kwaku/eventpay/internal/subscription"
)

type RegisterInput struct {
	URL         string
	Method      string
	Events      []string
	Secret      string
	Description string
	Headers     map[string]string
	Timeout     time.Duration
	RetryPolicy *domain.RetryPolicy
}

// UpdateInput carries the fields an owner wants to change; nil means keep.
type UpdateInput struct {
	URL         *string
	Method      *string
	Events      []string
	Description *string
	Headers     map[string]string
	Timeout     *time.Duration
	RetryPolicy *domain.RetryPolicy
}

// reserved headers are always set by the engine and cannot be overridden.
var reservedHeaders = map[string]bool{
	http.CanonicalHeaderKey(signature.Header): true,
	http.CanonicalHeaderKey(HeaderEvent):      true,
	http.CanonicalHeaderKey(HeaderDelivery):   true,
	http.CanonicalHeaderKey(HeaderAttempt):    true,
	"Content-Type":                            true,
	"Content-Length":                          true,
	"Host":                                    true,
}

func (e *Engine) Register(ctx context.Context, ownerID uuid.UUID, in RegisterInput) (*domain.Webhook, error) {
	now := e.clock.Now().UTC()
	w := &domain.Webhook{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		URL:         strings.TrimSpace(in.URL),
		Method:      strings.ToUpper(in.Method),
		Events:      in.Events,
		Secret:      in.Secret,
		Status:      domain.WebhookStatusActive,
		Description: in.Description,
		Headers:     in.Headers,
		Timeout:     in.Timeout,
		RetryPolicy: domain.DefaultRetryPolicy(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if w.Method == "" {
		w.Method = http.MethodPost
	}
	if w.Timeout == 0 {
		w.Timeout = domain.DefaultWebhookTimeout
	}
	if in.RetryPolicy != nil {
		w.RetryPolicy = *in.RetryPolicy
	}
	if w.Secret == "" {
		secret, err := signature.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("Register: %w", err)
		}
		w.Secret = secret
	}

	if err := validateWebhook(w); err != nil {
		return nil, fmt.Errorf("Register: %w", err)
	}

	err := e.tx.Do(ctx, func(ctx context.Context) error {
		if err := e.webhooks.Create(ctx, w); err != nil {
			return err
		}
		_, err := e.ledger.LogStatusChange(ctx, webhookRef(w.ID), string(w.Status), domain.UserActor(ownerID), "registered", nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Register: %w", err)
	}

	e.logger.Info("webhook registered", "webhook_id", w.ID, "owner_id", ownerID, "url", w.URL)
	return w, nil
}

// GetWebhook returns the owner's webhook. Webhooks of other owners read as not found.
func (e *Engine) GetWebhook(ctx context.Context, ownerID, id uuid.UUID) (*domain.Webhook, error) {
	w, err := e.webhooks.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetWebhook: %w", err)
	}
	if w.OwnerID != ownerID {
		return nil, fmt.Errorf("GetWebhook: %w", domain.ErrNotFound)
	}
	return w, nil
}

func (e *Engine) ListWebhooks(ctx context.Context, ownerID uuid.UUID) ([]domain.Webhook, error) {
	hooks, err := e.webhooks.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ListWebhooks: %w", err)
	}
	return hooks, nil
}

func (e *Engine) UpdateWebhook(ctx context.Context, ownerID, id uuid.UUID, in UpdateInput) (*domain.Webhook, error) {
	w, err := e.GetWebhook(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("UpdateWebhook: %w", err)
	}
	if w.Status == domain.WebhookStatusDisabled {
		return nil, fmt.Errorf("UpdateWebhook: %w", domain.ErrWebhookDisabled)
	}

	if in.URL != nil {
		w.URL = strings.TrimSpace(*in.URL)
	}
	if in.Method != nil {
		w.Method = strings.ToUpper(*in.Method)
	}
	if in.Events != nil {
		w.Events = in.Events
	}
	if in.Description != nil {
		w.Description = *in.Description
	}
	if in.Headers != nil {
		w.Headers = in.Headers
	}
	if in.Timeout != nil {
		w.Timeout = *in.Timeout
	}
	if in.RetryPolicy != nil {
		w.RetryPolicy = *in.RetryPolicy
	}
	if err := validateWebhook(w); err != nil {
		return nil, fmt.Errorf("UpdateWebhook: %w", err)
	}

	w.UpdatedAt = e.clock.Now().UTC()
	if err := e.webhooks.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("UpdateWebhook: %w", err)
	}
	return w, nil
}

// SetStatus pauses, resumes or disables a webhook. Disabling cannot be undone.
func (e *Engine) SetStatus(ctx context.Context, ownerID, id uuid.UUID, to domain.WebhookStatus) (*domain.Webhook, error) {
	w, err := e.GetWebhook(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("SetStatus: %w", err)
	}
	if w.Status == to {
		return w, nil
	}

	next, err := domain.TransitionWebhook(*w, to, e.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("SetStatus: %w", err)
	}

	err = e.tx.Do(ctx, func(ctx context.Context) error {
		if err := e.webhooks.Update(ctx, &next); err != nil {
			return err
		}
		_, err := e.ledger.LogStatusChange(ctx, webhookRef(id), string(to), domain.UserActor(ownerID), "", nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("SetStatus: %w", err)
	}

	e.logger.Info("webhook status changed", "webhook_id", id, "from", w.Status, "to", to)
	return &next, nil
}

// History lists a webhook's deliveries, newest first, with their attempts.
func (e *Engine) History(ctx context.Context, ownerID, webhookID uuid.UUID, limit, offset int) ([]domain.Delivery, error) {
	if _, err := e.GetWebhook(ctx, ownerID, webhookID); err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	ds, err := e.deliveries.ListByWebhook(ctx, webhookID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return ds, nil
}

func webhookRef(id uuid.UUID) domain.EntityRef {
	return domain.EntityRef{Type: domain.EntityWebhook, ID: id}
}

func validateWebhook(w *domain.Webhook) error {
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL: %w", domain.ErrInvalidRequest)
	}
	if !domain.ValidWebhookMethod(w.Method) {
		return fmt.Errorf("method must be POST, PUT or PATCH: %w", domain.ErrInvalidRequest)
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("at least one event pattern is required: %w", domain.ErrInvalidRequest)
	}
	for _, p := range w.Events {
		if !subscription.ValidPattern(p) {
			return fmt.Errorf("event pattern %q: %w", p, domain.ErrInvalidEventName)
		}
	}
	if w.Timeout < domain.MinWebhookTimeout || w.Timeout > domain.MaxWebhookTimeout {
		return fmt.Errorf("timeout must be between %s and %s: %w",
			domain.MinWebhookTimeout, domain.MaxWebhookTimeout, domain.ErrInvalidRequest)
	}
	if !w.RetryPolicy.Valid() {
		return fmt.Errorf("retry policy out of range: %w", domain.ErrInvalidRequest)
	}
	for k := range w.Headers {
		if reservedHeaders[http.CanonicalHeaderKey(k)] {
			return fmt.Errorf("header %q is set by the delivery engine: %w", k, domain.ErrInvalidRequest)
		}
	}
	return nil
}
