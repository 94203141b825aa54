package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/eventpay/internal/auth"
	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/logging"
)

type refundService interface {
	Create(ctx context.Context, paymentID uuid.UUID, amount int64, reason, actor string) (*domain.Refund, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Refund, error)
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]domain.Refund, error)
	Process(ctx context.Context, id uuid.UUID, actor string) (*domain.Refund, error)
	StartProcessing(ctx context.Context, id uuid.UUID, actor string) (*domain.Refund, error)
	Complete(ctx context.Context, id uuid.UUID, actor string) (*domain.Refund, error)
	Fail(ctx context.Context, id uuid.UUID, actor, reason string) (*domain.Refund, error)
	Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*domain.Refund, error)
	History(ctx context.Context, id uuid.UUID) ([]domain.StatusDuration, error)
}

type RefundHandler struct {
	refunds refundService
}

func NewRefundHandler(refunds refundService) *RefundHandler {
	return &RefundHandler{refunds: refunds}
}

type createRefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type refundDTO struct {
	ID            uuid.UUID  `json:"id"`
	PaymentID     uuid.UUID  `json:"payment_id"`
	Status        string     `json:"status"`
	Amount        int64      `json:"amount"`
	AmountDisplay string     `json:"amount_display"`
	Currency      string     `json:"currency"`
	Reason        string     `json:"reason,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	InitiatedBy   string     `json:"initiated_by"`
	ProcessedBy   *string    `json:"processed_by,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toRefundDTO(rf *domain.Refund) refundDTO {
	return refundDTO{
		ID:            rf.ID,
		PaymentID:     rf.PaymentID,
		Status:        string(rf.Status),
		Amount:        rf.Amount,
		AmountDisplay: domain.FormatAmount(rf.Amount, rf.Currency),
		Currency:      string(rf.Currency),
		Reason:        rf.Reason,
		FailureReason: rf.FailureReason,
		InitiatedBy:   rf.InitiatedBy,
		ProcessedBy:   rf.ProcessedBy,
		ProcessedAt:   rf.ProcessedAt,
		FailedAt:      rf.FailedAt,
		CancelledAt:   rf.CancelledAt,
		CreatedAt:     rf.CreatedAt,
	}
}

func (h *RefundHandler) Create(w http.ResponseWriter, r *http.Request) {
	paymentID, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req createRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if req.Amount <= 0 {
		RespondValidationError(w, []FieldError{{Field: "amount", Message: "must be greater than 0"}})
		return
	}

	rf, err := h.refunds.Create(r.Context(), paymentID, req.Amount, req.Reason, auth.ActorFromContext(r.Context()))
	if err != nil {
		logging.FromContext(r.Context()).Warn("refund creation failed", "payment_id", paymentID, "error", err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/refunds/%s", rf.ID))
	RespondSuccess(w, http.StatusCreated, toRefundDTO(rf))
}

func (h *RefundHandler) ListByPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	rfs, err := h.refunds.ListByPayment(r.Context(), paymentID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	out := make([]refundDTO, 0, len(rfs))
	for i := range rfs {
		out = append(out, toRefundDTO(&rfs[i]))
	}
	RespondSuccess(w, http.StatusOK, out)
}

func (h *RefundHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	rf, err := h.refunds.Get(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toRefundDTO(rf))
}

func (h *RefundHandler) Process(w http.ResponseWriter, r *http.Request) {
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	rf, err := h.refunds.Process(r.Context(), id, auth.ActorFromContext(r.Context()))
	h.respondCommand(w, r, id, "process", rf, err)
}

// Start and Complete drive a refund in two steps, for settlements confirmed
// outside this service between the two calls.
func (h *RefundHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	rf, err := h.refunds.StartProcessing(r.Context(), id, auth.ActorFromContext(r.Context()))
	h.respondCommand(w, r, id, "start", rf, err)
}

func (h *RefundHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	rf, err := h.refunds.Complete(r.Context(), id, auth.ActorFromContext(r.Context()))
	h.respondCommand(w, r, id, "complete", rf, err)
}

func (h *RefundHandler) Fail(w http.ResponseWriter, r *http.Request) {
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	rf, err := h.refunds.Fail(r.Context(), id, auth.ActorFromContext(r.Context()), req.Reason)
	h.respondCommand(w, r, id, "fail", rf, err)
}

func (h *RefundHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	rf, err := h.refunds.Cancel(r.Context(), id, auth.ActorFromContext(r.Context()), req.Reason)
	h.respondCommand(w, r, id, "cancel", rf, err)
}

func (h *RefundHandler) History(w http.ResponseWriter, r *http.Request) {
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	spans, err := h.refunds.History(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toStatusSpans(spans))
}

// respondCommand reports a refund command. A rejected refund is committed, so
// its final state goes back with the error.
func (h *RefundHandler) respondCommand(w http.ResponseWriter, r *http.Request, id uuid.UUID, cmd string, rf *domain.Refund, err error) {
	if err == nil {
		RespondSuccess(w, http.StatusOK, toRefundDTO(rf))
		return
	}

	logging.FromContext(r.Context()).Warn("refund command failed", "refund_id", id, "command", cmd, "error", err)
	if rf != nil && errors.Is(err, domain.ErrNotRefundable) {
		RespondAppError(w, ErrNotRefundable, toRefundDTO(rf))
		return
	}
	RespondDomainError(w, err)
}
