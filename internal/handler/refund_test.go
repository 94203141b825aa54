package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

// stubRefunds runs the refund state machine against a single refund and a
// fixed refundable amount.
type stubRefunds struct {
	rf         *domain.Refund
	refundable int64
	actor      string
}

func newStubRefunds(amount, refundable int64) *stubRefunds {
	return &stubRefunds{
		rf: &domain.Refund{
			ID:          uuid.New(),
			PaymentID:   uuid.New(),
			Amount:      amount,
			Currency:    domain.CurrencyUSD,
			Status:      domain.RefundStatusPending,
			InitiatedBy: domain.ActorSystem,
		},
		refundable: refundable,
	}
}

func (s *stubRefunds) find(id uuid.UUID) (*domain.Refund, error) {
	if s.rf == nil || s.rf.ID != id {
		return nil, domain.ErrNotFound
	}
	return s.rf, nil
}

func (s *stubRefunds) move(id uuid.UUID, to domain.RefundStatus, actor, reason string) (*domain.Refund, error) {
	s.actor = actor
	rf, err := s.find(id)
	if err != nil {
		return nil, err
	}
	next, err := domain.TransitionRefund(*rf, to, actor, reason, time.Now())
	if err != nil {
		return nil, err
	}
	s.rf = &next
	return s.rf, nil
}

func (s *stubRefunds) Create(context.Context, uuid.UUID, int64, string, string) (*domain.Refund, error) {
	return s.rf, nil
}

func (s *stubRefunds) Get(_ context.Context, id uuid.UUID) (*domain.Refund, error) {
	return s.find(id)
}

func (s *stubRefunds) ListByPayment(context.Context, uuid.UUID) ([]domain.Refund, error) {
	return []domain.Refund{*s.rf}, nil
}

func (s *stubRefunds) Process(ctx context.Context, id uuid.UUID, actor string) (*domain.Refund, error) {
	if _, err := s.StartProcessing(ctx, id, actor); err != nil {
		return s.rf, err
	}
	return s.Complete(ctx, id, actor)
}

func (s *stubRefunds) StartProcessing(_ context.Context, id uuid.UUID, actor string) (*domain.Refund, error) {
	if s.rf.Amount > s.refundable {
		rf, err := s.move(id, domain.RefundStatusFailed, actor, "exceeds refundable amount")
		if err != nil {
			return nil, fmt.Errorf("StartProcessing: %w", err)
		}
		return rf, fmt.Errorf("StartProcessing: %w", domain.ErrNotRefundable)
	}
	rf, err := s.move(id, domain.RefundStatusProcessing, actor, "")
	if err != nil {
		return nil, fmt.Errorf("StartProcessing: %w", err)
	}
	return rf, nil
}

func (s *stubRefunds) Complete(_ context.Context, id uuid.UUID, actor string) (*domain.Refund, error) {
	rf, err := s.move(id, domain.RefundStatusProcessed, actor, "")
	if err != nil {
		return nil, fmt.Errorf("Complete: %w", err)
	}
	return rf, nil
}

func (s *stubRefunds) Fail(_ context.Context, id uuid.UUID, actor, reason string) (*domain.Refund, error) {
	return s.move(id, domain.RefundStatusFailed, actor, reason)
}

func (s *stubRefunds) Cancel(_ context.Context, id uuid.UUID, actor, reason string) (*domain.Refund, error) {
	return s.move(id, domain.RefundStatusCancelled, actor, reason)
}

func (s *stubRefunds) History(context.Context, uuid.UUID) ([]domain.StatusDuration, error) {
	return nil, nil
}

func TestRefundHandler_StartThenComplete(t *testing.T) {
	svc := newStubRefunds(2500, 10000)
	h := NewRefundHandler(svc)
	user := uuid.New()
	path := "/api/v1/refunds/" + svc.rf.ID.String()

	rec := serve(h.Start, "POST /api/v1/refunds/{id}/start",
		asUser(httptest.NewRequest(http.MethodPost, path+"/start", nil), user))
	require.Equal(t, http.StatusOK, rec.Code)
	var dto refundDTO
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &dto))
	assert.Equal(t, "processing", dto.Status)
	assert.Equal(t, "user:"+user.String(), svc.actor)

	rec = serve(h.Complete, "POST /api/v1/refunds/{id}/complete",
		asUser(httptest.NewRequest(http.MethodPost, path+"/complete", nil), user))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &dto))
	assert.Equal(t, "processed", dto.Status)
	assert.Equal(t, "25.00", dto.AmountDisplay)

	rec = serve(h.Complete, "POST /api/v1/refunds/{id}/complete",
		httptest.NewRequest(http.MethodPost, path+"/complete", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", decode(t, rec).Error.Code)
}

func TestRefundHandler_CompleteBeforeStart(t *testing.T) {
	svc := newStubRefunds(2500, 10000)
	h := NewRefundHandler(svc)

	rec := serve(h.Complete, "POST /api/v1/refunds/{id}/complete",
		httptest.NewRequest(http.MethodPost, "/api/v1/refunds/"+svc.rf.ID.String()+"/complete", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.RefundStatusPending, svc.rf.Status)
}

func TestRefundHandler_StartRejectedReturnsRefund(t *testing.T) {
	svc := newStubRefunds(20000, 10000)
	h := NewRefundHandler(svc)

	rec := serve(h.Start, "POST /api/v1/refunds/{id}/start",
		httptest.NewRequest(http.MethodPost, "/api/v1/refunds/"+svc.rf.ID.String()+"/start", nil))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "NOT_REFUNDABLE", env.Error.Code)

	details, err := json.Marshal(env.Error.Details)
	require.NoError(t, err)
	var dto refundDTO
	require.NoError(t, json.Unmarshal(details, &dto))
	assert.Equal(t, "failed", dto.Status)
}

func TestRefundHandler_StartUnknownRefund(t *testing.T) {
	h := NewRefundHandler(newStubRefunds(100, 100))

	rec := serve(h.Start, "POST /api/v1/refunds/{id}/start",
		httptest.NewRequest(http.MethodPost, "/api/v1/refunds/"+uuid.NewString()+"/start", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h.Start, "POST /api/v1/refunds/{id}/start",
		httptest.NewRequest(http.MethodPost, "/api/v1/refunds/not-a-uuid/start", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
