package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/observability"
	"github.com/josh-kwaku/eventpay/internal/service/eventqueue"
)

const eventSource = "payments"

type paymentRepo interface {
	Create(ctx context.Context, p *domain.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	Update(ctx context.Context, p *domain.Payment) error
}

type refundRepo interface {
	SumProcessed(ctx context.Context, paymentID uuid.UUID) (int64, error)
}

type statusLedger interface {
	LogStatusChange(ctx context.Context, ref domain.EntityRef, status, actor, reason string, metadata map[string]any) (*domain.StatusLogEntry, error)
	GetTimeInStatuses(ctx context.Context, ref domain.EntityRef) ([]domain.StatusDuration, error)
}

type eventAppender interface {
	Append(ctx context.Context, ne eventqueue.NewEvent) (*domain.Event, error)
}

type txManager interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type CreateInput struct {
	Amount      int64
	Currency    domain.Currency
	PayerID     string
	PayeeID     string
	OrderRef    string
	Description string
}

// Service applies payment state changes. Every change writes the payment row,
// a status log entry and a payment.<status> event in one transaction.
type Service struct {
	payments paymentRepo
	refunds  refundRepo
	ledger   statusLedger
	events   eventAppender
	tx       txManager
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewService(
	payments paymentRepo,
	refunds refundRepo,
	ledger statusLedger,
	events eventAppender,
	tx txManager,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Service {
	return &Service{
		payments: payments,
		refunds:  refunds,
		ledger:   ledger,
		events:   events,
		tx:       tx,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *Service) Create(ctx context.Context, in CreateInput, actor string) (*domain.Payment, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("Create: %w", domain.ErrInvalidAmount)
	}
	in.Currency = domain.Currency(strings.ToUpper(string(in.Currency)))
	if !in.Currency.IsValid() {
		return nil, fmt.Errorf("Create: %w", domain.ErrInvalidCurrency)
	}

	now := s.clock.Now().UTC()
	p := &domain.Payment{
		ID:          uuid.New(),
		Amount:      in.Amount,
		Currency:    in.Currency,
		PayerID:     in.PayerID,
		PayeeID:     in.PayeeID,
		OrderRef:    in.OrderRef,
		Description: in.Description,
		Status:      domain.PaymentStatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.tx.Do(ctx, func(ctx context.Context) error {
		if err := s.payments.Create(ctx, p); err != nil {
			return err
		}
		return s.record(ctx, p, actor, "")
	})
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	s.logger.Info("payment created", "payment_id", p.ID, "amount", p.Amount, "currency", p.Currency)
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return p, nil
}

// Transition moves the payment to status to under a row lock. Moving to the
// current status returns the payment unchanged and records nothing. The
// refunded statuses are derived from processed refunds, so they can only be
// entered through the refund processor.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to domain.PaymentStatus, actor, reason string) (*domain.Payment, error) {
	var out *domain.Payment
	err := s.tx.Do(ctx, func(ctx context.Context) error {
		p, err := s.payments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if refundDriven(to) && p.Status != to {
			return &domain.TransitionError{Entity: domain.EntityPayment, From: string(p.Status), To: string(to)}
		}
		out, err = s.ApplyTransition(ctx, p, to, actor, reason)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Transition: %w", err)
	}
	return out, nil
}

func refundDriven(to domain.PaymentStatus) bool {
	return to == domain.PaymentStatusRefunded || to == domain.PaymentStatusPartiallyRefunded
}

// ApplyTransition persists a transition of p, which the caller must have locked
// inside the transaction carried by ctx.
func (s *Service) ApplyTransition(ctx context.Context, p *domain.Payment, to domain.PaymentStatus, actor, reason string) (*domain.Payment, error) {
	from := p.Status
	next, changed, err := domain.TransitionPayment(*p, to, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !changed {
		return p, nil
	}
	if err := s.payments.Update(ctx, &next); err != nil {
		return nil, err
	}
	if err := s.record(ctx, &next, actor, reason); err != nil {
		return nil, err
	}

	s.metrics.PaymentTransition(ctx, string(to))
	s.logger.Info("payment transitioned", "payment_id", p.ID, "from", from, "to", to, "actor", actor)
	return &next, nil
}

func (s *Service) RefundableAmount(ctx context.Context, id uuid.UUID) (int64, error) {
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("RefundableAmount: %w", err)
	}
	total, err := s.refunds.SumProcessed(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("RefundableAmount: %w", err)
	}
	if !p.Refundable(total) {
		return 0, nil
	}
	return p.RefundableAmount(total), nil
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]domain.StatusDuration, error) {
	if _, err := s.payments.GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	spans, err := s.ledger.GetTimeInStatuses(ctx, domain.PaymentRef(id))
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return spans, nil
}

func (s *Service) record(ctx context.Context, p *domain.Payment, actor, reason string) error {
	meta := map[string]any{"version": p.Version}
	if _, err := s.ledger.LogStatusChange(ctx, domain.PaymentRef(p.ID), string(p.Status), actor, reason, meta); err != nil {
		return err
	}
	payload, err := EventPayload(p, reason)
	if err != nil {
		return err
	}
	_, err = s.events.Append(ctx, eventqueue.NewEvent{
		Name:      "payment." + string(p.Status),
		Payload:   payload,
		Source:    eventSource,
		Initiator: actor,
	})
	return err
}

// EventPayload is the body of payment.* events.
func EventPayload(p *domain.Payment, reason string) (json.RawMessage, error) {
	body := map[string]any{
		"payment_id":     p.ID,
		"status":         p.Status,
		"amount":         p.Amount,
		"amount_display": domain.FormatAmount(p.Amount, p.Currency),
		"currency":       p.Currency,
		"order_ref":      p.OrderRef,
		"payer_id":       p.PayerID,
		"payee_id":       p.PayeeID,
	}
	if reason != "" {
		body["reason"] = reason
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payment event: %w", err)
	}
	return raw, nil
}
