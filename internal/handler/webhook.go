package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/logging"
	"github.com/josh-kwaku/eventpay/internal/service/webhook"
)

type webhookService interface {
	Register(ctx context.Context, ownerID uuid.UUID, in webhook.RegisterInput) (*domain.Webhook, error)
	GetWebhook(ctx context.Context, ownerID, id uuid.UUID) (*domain.Webhook, error)
	ListWebhooks(ctx context.Context, ownerID uuid.UUID) ([]domain.Webhook, error)
	UpdateWebhook(ctx context.Context, ownerID, id uuid.UUID, in webhook.UpdateInput) (*domain.Webhook, error)
	SetStatus(ctx context.Context, ownerID, id uuid.UUID, to domain.WebhookStatus) (*domain.Webhook, error)
	History(ctx context.Context, ownerID, webhookID uuid.UUID, limit, offset int) ([]domain.Delivery, error)
}

type WebhookHandler struct {
	webhooks webhookService
}

func NewWebhookHandler(webhooks webhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

type retryPolicyBody struct {
	MaxAttempts    int     `json:"max_attempts"`
	InitialDelayMs int64   `json:"initial_delay_ms"`
	MaxDelayMs     int64   `json:"max_delay_ms"`
	Factor         float64 `json:"factor"`
}

func (b *retryPolicyBody) policy() *domain.RetryPolicy {
	if b == nil {
		return nil
	}
	return &domain.RetryPolicy{
		MaxAttempts:  b.MaxAttempts,
		InitialDelay: time.Duration(b.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(b.MaxDelayMs) * time.Millisecond,
		Factor:       b.Factor,
	}
}

type registerWebhookRequest struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Events      []string          `json:"events"`
	Secret      string            `json:"secret"`
	Description string            `json:"description"`
	Headers     map[string]string `json:"headers"`
	TimeoutMs   int64             `json:"timeout_ms"`
	RetryPolicy *retryPolicyBody  `json:"retry_policy"`
}

func (r registerWebhookRequest) Validate() []FieldError {
	var errs []FieldError
	if r.URL == "" {
		errs = append(errs, FieldError{Field: "url", Message: "required"})
	}
	if len(r.Events) == 0 {
		errs = append(errs, FieldError{Field: "events", Message: "at least one event pattern is required"})
	}
	if r.TimeoutMs < 0 {
		errs = append(errs, FieldError{Field: "timeout_ms", Message: "must not be negative"})
	}
	return errs
}

type updateWebhookRequest struct {
	URL         *string           `json:"url"`
	Method      *string           `json:"method"`
	Events      []string          `json:"events"`
	Description *string           `json:"description"`
	Headers     map[string]string `json:"headers"`
	TimeoutMs   *int64            `json:"timeout_ms"`
	RetryPolicy *retryPolicyBody  `json:"retry_policy"`
}

type webhookStatsDTO struct {
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
}

type webhookDTO struct {
	ID          uuid.UUID         `json:"id"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Events      []string          `json:"events"`
	Secret      string            `json:"secret"`
	Status      string            `json:"status"`
	Description string            `json:"description,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	TimeoutMs   int64             `json:"timeout_ms"`
	RetryPolicy retryPolicyBody   `json:"retry_policy"`
	Stats       webhookStatsDTO   `json:"stats"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

const redactedSecret = "whsec_********"

func toWebhookDTO(w *domain.Webhook, revealSecret bool) webhookDTO {
	secret := redactedSecret
	if revealSecret {
		secret = w.Secret
	}
	return webhookDTO{
		ID:          w.ID,
		URL:         w.URL,
		Method:      w.Method,
		Events:      w.Events,
		Secret:      secret,
		Status:      string(w.Status),
		Description: w.Description,
		Headers:     w.Headers,
		TimeoutMs:   w.Timeout.Milliseconds(),
		RetryPolicy: retryPolicyBody{
			MaxAttempts:    w.RetryPolicy.MaxAttempts,
			InitialDelayMs: w.RetryPolicy.InitialDelay.Milliseconds(),
			MaxDelayMs:     w.RetryPolicy.MaxDelay.Milliseconds(),
			Factor:         w.RetryPolicy.Factor,
		},
		Stats: webhookStatsDTO{
			TotalDeliveries:      w.Stats.TotalDeliveries,
			SuccessfulDeliveries: w.Stats.SuccessfulDeliveries,
			FailedDeliveries:     w.Stats.FailedDeliveries,
			LastSuccessAt:        w.Stats.LastSuccessAt,
			LastFailureAt:        w.Stats.LastFailureAt,
		},
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

type attemptDTO struct {
	AttemptNumber  int        `json:"attempt_number"`
	Outcome        string     `json:"outcome"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ResponseStatus *int       `json:"response_status,omitempty"`
	ResponseBody   *string    `json:"response_body,omitempty"`
	Error          *string    `json:"error,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
}

type deliveryDTO struct {
	ID             uuid.UUID       `json:"id"`
	EventID        *uuid.UUID      `json:"event_id,omitempty"`
	EventName      string          `json:"event_name"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	CurrentAttempt int             `json:"current_attempt"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	Attempts       []attemptDTO    `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toDeliveryDTO(d *domain.Delivery) deliveryDTO {
	attempts := make([]attemptDTO, 0, len(d.Attempts))
	for _, a := range d.Attempts {
		attempts = append(attempts, attemptDTO{
			AttemptNumber:  a.AttemptNumber,
			Outcome:        string(a.Outcome),
			StartedAt:      a.StartedAt,
			FinishedAt:     a.FinishedAt,
			ResponseStatus: a.ResponseStatus,
			ResponseBody:   a.ResponseBody,
			Error:          a.Error,
			DurationMs:     a.DurationMs,
		})
	}
	return deliveryDTO{
		ID:             d.ID,
		EventID:        d.EventID,
		EventName:      d.EventName,
		Payload:        d.Payload,
		Status:         string(d.Status),
		CurrentAttempt: d.CurrentAttempt,
		NextRetryAt:    d.NextRetryAt,
		DeliveredAt:    d.DeliveredAt,
		Attempts:       attempts,
		CreatedAt:      d.CreatedAt,
	}
}

func (h *WebhookHandler) Register(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	ownerID, appErr := callerID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	hook, err := h.webhooks.Register(r.Context(), ownerID, webhook.RegisterInput{
		URL:         req.URL,
		Method:      req.Method,
		Events:      req.Events,
		Secret:      req.Secret,
		Description: req.Description,
		Headers:     req.Headers,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
		RetryPolicy: req.RetryPolicy.policy(),
	})
	if err != nil {
		log.Warn("webhook registration failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/webhooks/%s", hook.ID))
	RespondSuccess(w, http.StatusCreated, toWebhookDTO(hook, true))
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, appErr := callerID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	hooks, err := h.webhooks.ListWebhooks(r.Context(), ownerID)
	if err != nil {
		logging.FromContext(r.Context()).Error("webhook list failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	out := make([]webhookDTO, 0, len(hooks))
	for i := range hooks {
		out = append(out, toWebhookDTO(&hooks[i], false))
	}
	RespondSuccess(w, http.StatusOK, out)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, appErr := callerID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	hook, err := h.webhooks.GetWebhook(r.Context(), ownerID, id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toWebhookDTO(hook, false))
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	ownerID, appErr := callerID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req updateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	in := webhook.UpdateInput{
		URL:         req.URL,
		Method:      req.Method,
		Events:      req.Events,
		Description: req.Description,
		Headers:     req.Headers,
		RetryPolicy: req.RetryPolicy.policy(),
	}
	if req.TimeoutMs != nil {
		d := time.Duration(*req.TimeoutMs) * time.Millisecond
		in.Timeout = &d
	}

	hook, err := h.webhooks.UpdateWebhook(r.Context(), ownerID, id, in)
	if err != nil {
		logging.FromContext(r.Context()).Warn("webhook update failed", "webhook_id", id, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toWebhookDTO(hook, false))
}

func (h *WebhookHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.WebhookStatusPaused)
}

func (h *WebhookHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.WebhookStatusActive)
}

func (h *WebhookHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.WebhookStatusDisabled)
}

func (h *WebhookHandler) setStatus(w http.ResponseWriter, r *http.Request, to domain.WebhookStatus) {
	ownerID, appErr := callerID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	hook, err := h.webhooks.SetStatus(r.Context(), ownerID, id, to)
	if err != nil {
		logging.FromContext(r.Context()).Warn("webhook status change failed", "webhook_id", id, "to", to, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toWebhookDTO(hook, false))
}

func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	ownerID, appErr := callerID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	ds, err := h.webhooks.History(r.Context(), ownerID, id, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	out := make([]deliveryDTO, 0, len(ds))
	for i := range ds {
		out = append(out, toDeliveryDTO(&ds[i]))
	}
	RespondSuccess(w, http.StatusOK, out)
}
