package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/eventpay/internal/auth"
	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/service/webhook"
)

type stubWebhooks struct {
	hooks      map[uuid.UUID]domain.Webhook
	registered webhook.RegisterInput
	updated    webhook.UpdateInput
	deliveries []domain.Delivery
	limit      int
}

func newStubWebhooks() *stubWebhooks {
	return &stubWebhooks{hooks: map[uuid.UUID]domain.Webhook{}}
}

func (s *stubWebhooks) owned(ownerID, id uuid.UUID) (*domain.Webhook, error) {
	w, ok := s.hooks[id]
	if !ok || w.OwnerID != ownerID {
		return nil, fmt.Errorf("GetWebhook: %w", domain.ErrNotFound)
	}
	return &w, nil
}

func (s *stubWebhooks) Register(_ context.Context, ownerID uuid.UUID, in webhook.RegisterInput) (*domain.Webhook, error) {
	s.registered = in
	w := domain.Webhook{
		ID: uuid.New(), OwnerID: ownerID, URL: in.URL, Method: "POST", Events: in.Events,
		Secret: "whsec_plain", Status: domain.WebhookStatusActive, Timeout: domain.DefaultWebhookTimeout,
		RetryPolicy: domain.DefaultRetryPolicy(),
	}
	s.hooks[w.ID] = w
	return &w, nil
}

func (s *stubWebhooks) GetWebhook(_ context.Context, ownerID, id uuid.UUID) (*domain.Webhook, error) {
	return s.owned(ownerID, id)
}

func (s *stubWebhooks) ListWebhooks(_ context.Context, ownerID uuid.UUID) ([]domain.Webhook, error) {
	var out []domain.Webhook
	for _, w := range s.hooks {
		if w.OwnerID == ownerID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *stubWebhooks) UpdateWebhook(_ context.Context, ownerID, id uuid.UUID, in webhook.UpdateInput) (*domain.Webhook, error) {
	s.updated = in
	return s.owned(ownerID, id)
}

func (s *stubWebhooks) SetStatus(_ context.Context, ownerID, id uuid.UUID, to domain.WebhookStatus) (*domain.Webhook, error) {
	w, err := s.owned(ownerID, id)
	if err != nil {
		return nil, err
	}
	next, err := domain.TransitionWebhook(*w, to, time.Now())
	if err != nil {
		return nil, fmt.Errorf("SetStatus: %w", err)
	}
	s.hooks[id] = next
	return &next, nil
}

func (s *stubWebhooks) History(_ context.Context, ownerID, webhookID uuid.UUID, limit, _ int) ([]domain.Delivery, error) {
	if _, err := s.owned(ownerID, webhookID); err != nil {
		return nil, err
	}
	s.limit = limit
	return s.deliveries, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func asUser(r *http.Request, id uuid.UUID) *http.Request {
	return r.WithContext(auth.ContextWithClaims(r.Context(), auth.Claims{UserID: id, Kind: "user"}))
}

func serve(h http.HandlerFunc, pattern string, r *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	return rec
}

func TestWebhookHandler_Register(t *testing.T) {
	svc := newStubWebhooks()
	h := NewWebhookHandler(svc)
	owner := uuid.New()

	body := `{"url":"https://example.com/hook","events":["payment.*"],"timeout_ms":5000,
		"retry_policy":{"max_attempts":5,"initial_delay_ms":500,"max_delay_ms":60000,"factor":3}}`
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", strings.NewReader(body)), owner)
	rec := serve(h.Register, "POST /api/v1/webhooks", req)

	require.Equal(t, http.StatusCreated, rec.Code)
	env := decode(t, rec)
	var dto webhookDTO
	require.NoError(t, json.Unmarshal(env.Data, &dto))
	assert.Equal(t, "whsec_plain", dto.Secret, "secret is shown once on creation")
	assert.Equal(t, "/api/v1/webhooks/"+dto.ID.String(), rec.Header().Get("Location"))

	assert.Equal(t, 5*time.Second, svc.registered.Timeout)
	require.NotNil(t, svc.registered.RetryPolicy)
	assert.Equal(t, 500*time.Millisecond, svc.registered.RetryPolicy.InitialDelay)
	assert.Equal(t, 3.0, svc.registered.RetryPolicy.Factor)
}

func TestWebhookHandler_RegisterValidation(t *testing.T) {
	h := NewWebhookHandler(newStubWebhooks())

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"malformed json", `{`, "INVALID_REQUEST"},
		{"missing url", `{"events":["a"]}`, "VALIDATION_FAILED"},
		{"no events", `{"url":"https://x.test"}`, "VALIDATION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := asUser(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", strings.NewReader(tt.body)), uuid.New())
			rec := serve(h.Register, "POST /api/v1/webhooks", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decode(t, rec).Error.Code)
		})
	}

	rec := serve(h.Register, "POST /api/v1/webhooks",
		httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookHandler_GetRedactsAndScopesToOwner(t *testing.T) {
	svc := newStubWebhooks()
	h := NewWebhookHandler(svc)
	owner := uuid.New()
	hook, err := svc.Register(context.Background(), owner, webhook.RegisterInput{URL: "https://a.test", Events: []string{"*"}})
	require.NoError(t, err)

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/"+hook.ID.String(), nil), owner)
	rec := serve(h.Get, "GET /api/v1/webhooks/{id}", req)
	require.Equal(t, http.StatusOK, rec.Code)
	var dto webhookDTO
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &dto))
	assert.Equal(t, redactedSecret, dto.Secret)

	other := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/"+hook.ID.String(), nil), uuid.New())
	rec = serve(h.Get, "GET /api/v1/webhooks/{id}", other)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	bad := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/not-a-uuid", nil), owner)
	rec = serve(h.Get, "GET /api/v1/webhooks/{id}", bad)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookHandler_StatusChanges(t *testing.T) {
	svc := newStubWebhooks()
	h := NewWebhookHandler(svc)
	owner := uuid.New()
	hook, err := svc.Register(context.Background(), owner, webhook.RegisterInput{URL: "https://a.test", Events: []string{"*"}})
	require.NoError(t, err)
	path := "/api/v1/webhooks/" + hook.ID.String()

	rec := serve(h.Pause, "POST /api/v1/webhooks/{id}/pause", asUser(httptest.NewRequest(http.MethodPost, path+"/pause", nil), owner))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.WebhookStatusPaused, svc.hooks[hook.ID].Status)

	rec = serve(h.Disable, "POST /api/v1/webhooks/{id}/disable", asUser(httptest.NewRequest(http.MethodPost, path+"/disable", nil), owner))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h.Resume, "POST /api/v1/webhooks/{id}/resume", asUser(httptest.NewRequest(http.MethodPost, path+"/resume", nil), owner))
	assert.Equal(t, http.StatusConflict, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "INVALID_TRANSITION", env.Error.Code)
	details, ok := env.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "disabled", details["from"])
	assert.Equal(t, "active", details["to"])
}

func TestWebhookHandler_Update(t *testing.T) {
	svc := newStubWebhooks()
	h := NewWebhookHandler(svc)
	owner := uuid.New()
	hook, err := svc.Register(context.Background(), owner, webhook.RegisterInput{URL: "https://a.test", Events: []string{"*"}})
	require.NoError(t, err)

	req := asUser(httptest.NewRequest(http.MethodPatch, "/api/v1/webhooks/"+hook.ID.String(),
		strings.NewReader(`{"description":"orders","timeout_ms":2000}`)), owner)
	rec := serve(h.Update, "PATCH /api/v1/webhooks/{id}", req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, svc.updated.Description)
	assert.Equal(t, "orders", *svc.updated.Description)
	require.NotNil(t, svc.updated.Timeout)
	assert.Equal(t, 2*time.Second, *svc.updated.Timeout)
	assert.Nil(t, svc.updated.URL)
	assert.Nil(t, svc.updated.RetryPolicy)
}

func TestWebhookHandler_Deliveries(t *testing.T) {
	svc := newStubWebhooks()
	h := NewWebhookHandler(svc)
	owner := uuid.New()
	hook, err := svc.Register(context.Background(), owner, webhook.RegisterInput{URL: "https://a.test", Events: []string{"*"}})
	require.NoError(t, err)

	status := 503
	body := "unavailable"
	svc.deliveries = []domain.Delivery{{
		ID: uuid.New(), WebhookID: hook.ID, EventName: "payment.captured",
		Payload: json.RawMessage(`{"b":1,"a":2}`), Status: domain.DeliveryStatusRetrying, CurrentAttempt: 1,
		Attempts: []domain.DeliveryAttempt{{
			AttemptNumber: 1, Outcome: domain.AttemptOutcomeFailure, ResponseStatus: &status, ResponseBody: &body,
		}},
	}}

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/"+hook.ID.String()+"/deliveries?limit=5", nil), owner)
	rec := serve(h.Deliveries, "GET /api/v1/webhooks/{id}/deliveries", req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, svc.limit)

	var out []deliveryDTO
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "retrying", out[0].Status)
	assert.JSONEq(t, `{"b":1,"a":2}`, string(out[0].Payload))
	require.Len(t, out[0].Attempts, 1)
	assert.Equal(t, 503, *out[0].Attempts[0].ResponseStatus)
}

func TestRespondDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", fmt.Errorf("Get: %w", domain.ErrNotFound), http.StatusNotFound, "RESOURCE_NOT_FOUND"},
		{"not refundable", fmt.Errorf("Create: %w", domain.ErrNotRefundable), http.StatusUnprocessableEntity, "NOT_REFUNDABLE"},
		{"event name", domain.ErrInvalidEventName, http.StatusBadRequest, "INVALID_EVENT_NAME"},
		{"transition", &domain.TransitionError{Entity: domain.EntityPayment, From: "created", To: "refunded"}, http.StatusConflict, "INVALID_TRANSITION"},
		{"version", domain.ErrVersionConflict, http.StatusConflict, "VERSION_CONFLICT"},
		{"disabled", domain.ErrWebhookDisabled, http.StatusConflict, "WEBHOOK_DISABLED"},
		{"internal", fmt.Errorf("db: connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondDomainError(rec, tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			env := decode(t, rec)
			assert.False(t, env.Success)
			assert.Equal(t, tt.wantCode, env.Error.Code)
			assert.NotContains(t, rec.Body.String(), "connection refused")
		})
	}
}
