package refund

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/observability"
	"github.com/josh-kwaku/eventpay/internal/service/eventqueue"
)

const eventSource = "refunds"

type paymentRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
}

type refundRepo interface {
	Create(ctx context.Context, rf *domain.Refund) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Refund, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Refund, error)
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]domain.Refund, error)
	SumProcessed(ctx context.Context, paymentID uuid.UUID) (int64, error)
	Update(ctx context.Context, rf *domain.Refund, from domain.RefundStatus) error
}

type paymentTransitioner interface {
	ApplyTransition(ctx context.Context, p *domain.Payment, to domain.PaymentStatus, actor, reason string) (*domain.Payment, error)
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

// Processor runs refund commands. Each command is one transaction that locks the
// payment row before the refund row, so concurrent refunds against one payment
// are serialized and the processed total never exceeds the payment amount.
type Processor struct {
	payments paymentRepo
	refunds  refundRepo
	pay      paymentTransitioner
	ledger   statusLedger
	events   eventAppender
	tx       txManager
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewProcessor(
	payments paymentRepo,
	refunds refundRepo,
	pay paymentTransitioner,
	ledger statusLedger,
	events eventAppender,
	tx txManager,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		payments: payments,
		refunds:  refunds,
		pay:      pay,
		ledger:   ledger,
		events:   events,
		tx:       tx,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
		tracer:   observability.Tracer(),
	}
}

func (p *Processor) Create(ctx context.Context, paymentID uuid.UUID, amount int64, reason, actor string) (*domain.Refund, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("Create: %w", domain.ErrInvalidAmount)
	}

	var rf *domain.Refund
	err := p.tx.Do(ctx, func(ctx context.Context) error {
		pay, err := p.payments.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		total, err := p.refunds.SumProcessed(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := domain.CanProcessRefund(pay, total, amount); err != nil {
			return err
		}

		now := p.clock.Now().UTC()
		rf = &domain.Refund{
			ID:          uuid.New(),
			PaymentID:   paymentID,
			Amount:      amount,
			Currency:    pay.Currency,
			Status:      domain.RefundStatusPending,
			Reason:      reason,
			InitiatedBy: actor,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := p.refunds.Create(ctx, rf); err != nil {
			return err
		}
		return p.record(ctx, rf, actor, reason)
	})
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	p.logger.Info("refund created", "refund_id", rf.ID, "payment_id", paymentID, "amount", amount)
	return rf, nil
}

func (p *Processor) Get(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	rf, err := p.refunds.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return rf, nil
}

func (p *Processor) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]domain.Refund, error) {
	rfs, err := p.refunds.ListByPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("ListByPayment: %w", err)
	}
	return rfs, nil
}

func (p *Processor) History(ctx context.Context, id uuid.UUID) ([]domain.StatusDuration, error) {
	if _, err := p.refunds.GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	spans, err := p.ledger.GetTimeInStatuses(ctx, domain.RefundRef(id))
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return spans, nil
}

// Process takes a pending refund all the way to processed and moves the payment
// to refunded or partially_refunded. If the payment can no longer cover the
// refund, the refund is committed as failed and ErrNotRefundable is returned
// together with it.
func (p *Processor) Process(ctx context.Context, id uuid.UUID, actor string) (*domain.Refund, error) {
	ctx, span := p.tracer.Start(ctx, "refund.process", trace.WithAttributes(attribute.String("refund.id", id.String())))
	defer span.End()

	var out *domain.Refund
	var rejected error
	err := p.locked(ctx, id, func(ctx context.Context, pay *domain.Payment, rf *domain.Refund) error {
		if rf.Status != domain.RefundStatusPending {
			return &domain.TransitionError{Entity: domain.EntityRefund, From: string(rf.Status), To: string(domain.RefundStatusProcessed)}
		}

		total, err := p.refunds.SumProcessed(ctx, pay.ID)
		if err != nil {
			return err
		}
		if err := domain.CanProcessRefund(pay, total, rf.Amount); err != nil {
			rejected = err
			out, err = p.reject(ctx, rf, domain.RefundStatusFailed, actor, err)
			return err
		}

		now := p.clock.Now().UTC()
		processing, err := domain.TransitionRefund(*rf, domain.RefundStatusProcessing, actor, "", now)
		if err != nil {
			return err
		}
		if _, err := p.ledger.LogStatusChange(ctx, domain.RefundRef(rf.ID), string(processing.Status), actor, "", nil); err != nil {
			return err
		}
		processed, err := domain.TransitionRefund(processing, domain.RefundStatusProcessed, actor, "", now)
		if err != nil {
			return err
		}
		if err := p.refunds.Update(ctx, &processed, rf.Status); err != nil {
			return err
		}
		if err := p.record(ctx, &processed, actor, ""); err != nil {
			return err
		}
		if _, err := p.pay.ApplyTransition(ctx, pay, domain.StatusAfterRefunds(*pay, total+rf.Amount), actor, "refund "+rf.ID.String()); err != nil {
			return err
		}
		out = &processed
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("Process: %w", err)
	}
	if rejected != nil {
		span.SetStatus(codes.Error, "rejected")
		return out, fmt.Errorf("Process: %w", rejected)
	}

	p.metrics.RefundSettled(ctx, string(out.Status))
	p.logger.Info("refund processed", "refund_id", id, "payment_id", out.PaymentID, "amount", out.Amount)
	return out, nil
}

// StartProcessing is the first half of a two-phase refund: it re-checks the
// payment and moves the refund from pending to processing.
func (p *Processor) StartProcessing(ctx context.Context, id uuid.UUID, actor string) (*domain.Refund, error) {
	var out *domain.Refund
	var rejected error
	err := p.locked(ctx, id, func(ctx context.Context, pay *domain.Payment, rf *domain.Refund) error {
		if rf.Status != domain.RefundStatusPending {
			return &domain.TransitionError{Entity: domain.EntityRefund, From: string(rf.Status), To: string(domain.RefundStatusProcessing)}
		}
		total, err := p.refunds.SumProcessed(ctx, pay.ID)
		if err != nil {
			return err
		}
		if err := domain.CanProcessRefund(pay, total, rf.Amount); err != nil {
			rejected = err
			out, err = p.reject(ctx, rf, domain.RefundStatusFailed, actor, err)
			return err
		}

		next, err := domain.TransitionRefund(*rf, domain.RefundStatusProcessing, actor, "", p.clock.Now().UTC())
		if err != nil {
			return err
		}
		if err := p.refunds.Update(ctx, &next, rf.Status); err != nil {
			return err
		}
		out = &next
		return p.record(ctx, &next, actor, "")
	})
	if err != nil {
		return nil, fmt.Errorf("StartProcessing: %w", err)
	}
	if rejected != nil {
		return out, fmt.Errorf("StartProcessing: %w", rejected)
	}
	return out, nil
}

// Complete is the second half of a two-phase refund. A processing refund the
// payment can no longer cover is cancelled and ErrNotRefundable returned.
func (p *Processor) Complete(ctx context.Context, id uuid.UUID, actor string) (*domain.Refund, error) {
	var out *domain.Refund
	var rejected error
	err := p.locked(ctx, id, func(ctx context.Context, pay *domain.Payment, rf *domain.Refund) error {
		if rf.Status != domain.RefundStatusProcessing {
			return &domain.TransitionError{Entity: domain.EntityRefund, From: string(rf.Status), To: string(domain.RefundStatusProcessed)}
		}
		total, err := p.refunds.SumProcessed(ctx, pay.ID)
		if err != nil {
			return err
		}
		if err := domain.CanProcessRefund(pay, total, rf.Amount); err != nil {
			rejected = err
			out, err = p.reject(ctx, rf, domain.RefundStatusCancelled, actor, err)
			return err
		}

		next, err := domain.TransitionRefund(*rf, domain.RefundStatusProcessed, actor, "", p.clock.Now().UTC())
		if err != nil {
			return err
		}
		if err := p.refunds.Update(ctx, &next, rf.Status); err != nil {
			return err
		}
		if err := p.record(ctx, &next, actor, ""); err != nil {
			return err
		}
		if _, err := p.pay.ApplyTransition(ctx, pay, domain.StatusAfterRefunds(*pay, total+rf.Amount), actor, "refund "+rf.ID.String()); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Complete: %w", err)
	}
	if rejected != nil {
		return out, fmt.Errorf("Complete: %w", rejected)
	}
	p.metrics.RefundSettled(ctx, string(out.Status))
	return out, nil
}

// Fail marks a pending refund failed.
func (p *Processor) Fail(ctx context.Context, id uuid.UUID, actor, reason string) (*domain.Refund, error) {
	rf, err := p.settle(ctx, id, domain.RefundStatusFailed, actor, reason)
	if err != nil {
		return nil, fmt.Errorf("Fail: %w", err)
	}
	return rf, nil
}

// Cancel withdraws a pending or processing refund.
func (p *Processor) Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*domain.Refund, error) {
	rf, err := p.settle(ctx, id, domain.RefundStatusCancelled, actor, reason)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	return rf, nil
}

func (p *Processor) settle(ctx context.Context, id uuid.UUID, to domain.RefundStatus, actor, reason string) (*domain.Refund, error) {
	var out *domain.Refund
	err := p.locked(ctx, id, func(ctx context.Context, _ *domain.Payment, rf *domain.Refund) error {
		next, err := domain.TransitionRefund(*rf, to, actor, reason, p.clock.Now().UTC())
		if err != nil {
			return err
		}
		if err := p.refunds.Update(ctx, &next, rf.Status); err != nil {
			return err
		}
		out = &next
		return p.record(ctx, &next, actor, reason)
	})
	if err != nil {
		return nil, err
	}
	p.metrics.RefundSettled(ctx, string(to))
	return out, nil
}

// locked runs fn in a transaction holding the payment lock and then the refund lock.
func (p *Processor) locked(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, pay *domain.Payment, rf *domain.Refund) error) error {
	peek, err := p.refunds.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return p.tx.Do(ctx, func(ctx context.Context) error {
		pay, err := p.payments.GetForUpdate(ctx, peek.PaymentID)
		if err != nil {
			return err
		}
		rf, err := p.refunds.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, pay, rf)
	})
}

// reject commits rf in status to with cause as its failure reason.
func (p *Processor) reject(ctx context.Context, rf *domain.Refund, to domain.RefundStatus, actor string, cause error) (*domain.Refund, error) {
	reason := cause.Error()
	if errors.Is(cause, domain.ErrNotRefundable) {
		reason = domain.ErrNotRefundable.Error()
	}
	next, err := domain.TransitionRefund(*rf, to, actor, reason, p.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := p.refunds.Update(ctx, &next, rf.Status); err != nil {
		return nil, err
	}
	if err := p.record(ctx, &next, actor, reason); err != nil {
		return nil, err
	}
	p.metrics.RefundSettled(ctx, string(to))
	p.logger.Warn("refund rejected", "refund_id", rf.ID, "payment_id", rf.PaymentID, "status", to, "cause", cause)
	return &next, nil
}

func (p *Processor) record(ctx context.Context, rf *domain.Refund, actor, reason string) error {
	meta := map[string]any{"payment_id": rf.PaymentID.String(), "amount": rf.Amount}
	if _, err := p.ledger.LogStatusChange(ctx, domain.RefundRef(rf.ID), string(rf.Status), actor, reason, meta); err != nil {
		return err
	}
	payload, err := eventPayload(rf, reason)
	if err != nil {
		return err
	}
	_, err = p.events.Append(ctx, eventqueue.NewEvent{
		Name:      "refund." + string(rf.Status),
		Payload:   payload,
		Source:    eventSource,
		Initiator: actor,
	})
	return err
}

func eventPayload(rf *domain.Refund, reason string) (json.RawMessage, error) {
	body := map[string]any{
		"refund_id":      rf.ID,
		"payment_id":     rf.PaymentID,
		"status":         rf.Status,
		"amount":         rf.Amount,
		"amount_display": domain.FormatAmount(rf.Amount, rf.Currency),
		"currency":       rf.Currency,
	}
	if reason != "" {
		body["reason"] = reason
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal refund event: %w", err)
	}
	return raw, nil
}
