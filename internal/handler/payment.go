package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/eventpay/internal/auth"
	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/logging"
	"github.com/josh-kwaku/eventpay/internal/service/payment"
)

type paymentService interface {
	Create(ctx context.Context, in payment.CreateInput, actor string) (*domain.Payment, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	Transition(ctx context.Context, id uuid.UUID, to domain.PaymentStatus, actor, reason string) (*domain.Payment, error)
	RefundableAmount(ctx context.Context, id uuid.UUID) (int64, error)
	History(ctx context.Context, id uuid.UUID) ([]domain.StatusDuration, error)
}

type PaymentHandler struct {
	payments paymentService
}

func NewPaymentHandler(payments paymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

type createPaymentRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	PayerID     string `json:"payer_id"`
	PayeeID     string `json:"payee_id"`
	OrderRef    string `json:"order_ref"`
	Description string `json:"description"`
}

func (r createPaymentRequest) Validate() []FieldError {
	var errs []FieldError

	if r.Currency == "" {
		errs = append(errs, FieldError{Field: "currency", Message: "required"})
	}
	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	return errs
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type paymentDTO struct {
	ID               uuid.UUID  `json:"id"`
	Status           string     `json:"status"`
	Amount           int64      `json:"amount"`
	AmountDisplay    string     `json:"amount_display"`
	Currency         string     `json:"currency"`
	RefundableAmount *int64     `json:"refundable_amount,omitempty"`
	PayerID          string     `json:"payer_id,omitempty"`
	PayeeID          string     `json:"payee_id,omitempty"`
	OrderRef         string     `json:"order_ref,omitempty"`
	Description      string     `json:"description,omitempty"`
	Version          int64      `json:"version"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	RefundedAt       *time.Time `json:"refunded_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func toPaymentDTO(p *domain.Payment) paymentDTO {
	return paymentDTO{
		ID:            p.ID,
		Status:        string(p.Status),
		Amount:        p.Amount,
		AmountDisplay: domain.FormatAmount(p.Amount, p.Currency),
		Currency:      string(p.Currency),
		PayerID:       p.PayerID,
		PayeeID:       p.PayeeID,
		OrderRef:      p.OrderRef,
		Description:   p.Description,
		Version:       p.Version,
		PaidAt:        p.PaidAt,
		RefundedAt:    p.RefundedAt,
		CancelledAt:   p.CancelledAt,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

type statusSpanDTO struct {
	Status     string     `json:"status"`
	EnteredAt  time.Time  `json:"entered_at"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Human      string     `json:"human"`
}

func toStatusSpans(spans []domain.StatusDuration) []statusSpanDTO {
	out := make([]statusSpanDTO, 0, len(spans))
	for _, s := range spans {
		out = append(out, statusSpanDTO{
			Status:     s.Status,
			EnteredAt:  s.EnteredAt,
			ExitedAt:   s.ExitedAt,
			DurationMs: s.Duration.Milliseconds(),
			Human:      s.Human,
		})
	}
	return out
}

func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	p, err := h.payments.Create(r.Context(), payment.CreateInput{
		Amount:      req.Amount,
		Currency:    domain.Currency(req.Currency),
		PayerID:     req.PayerID,
		PayeeID:     req.PayeeID,
		OrderRef:    req.OrderRef,
		Description: req.Description,
	}, auth.ActorFromContext(r.Context()))
	if err != nil {
		log.Warn("payment creation failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/payments/%s", p.ID))
	RespondSuccess(w, http.StatusCreated, toPaymentDTO(p))
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	p, err := h.payments.Get(r.Context(), id)
	if err != nil {
		logging.FromContext(r.Context()).Warn("payment lookup failed", "error", err)
		RespondDomainError(w, err)
		return
	}
	refundable, err := h.payments.RefundableAmount(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dto := toPaymentDTO(p)
	dto.RefundableAmount = &refundable
	RespondSuccess(w, http.StatusOK, dto)
}

func (h *PaymentHandler) Transition(w http.ResponseWriter, r *http.Request) {
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if req.Status == "" {
		RespondValidationError(w, []FieldError{{Field: "status", Message: "required"}})
		return
	}

	p, err := h.payments.Transition(r.Context(), id, domain.PaymentStatus(req.Status), auth.ActorFromContext(r.Context()), req.Reason)
	if err != nil {
		logging.FromContext(r.Context()).Warn("payment transition failed", "payment_id", id, "to", req.Status, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toPaymentDTO(p))
}

func (h *PaymentHandler) History(w http.ResponseWriter, r *http.Request) {
	id, appErr := pathID(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	spans, err := h.payments.History(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toStatusSpans(spans))
}
