package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/josh-kwaku/eventpay/internal/backoff"
	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/observability"
	"github.com/josh-kwaku/eventpay/internal/signature"
)

const (
	HeaderEvent    = "X-Webhook-Event"
	HeaderDelivery = "X-Webhook-Delivery"
	HeaderAttempt  = "X-Webhook-Attempt"
)

type webhookRepo interface {
	Create(ctx context.Context, w *domain.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Webhook, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Webhook, error)
	Update(ctx context.Context, w *domain.Webhook) error
	RecordOutcome(ctx context.Context, id uuid.UUID, success bool, at time.Time) error
}

type deliveryRepo interface {
	Create(ctx context.Context, d *domain.Delivery) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Delivery, error)
	GetByEventAndWebhook(ctx context.Context, eventID, webhookID uuid.UUID) (*domain.Delivery, error)
	ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]domain.Delivery, error)
	FindReadyForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Delivery, error)
	FindPending(ctx context.Context, limit int) ([]domain.Delivery, error)
	FindStuck(ctx context.Context, before time.Time, limit int) ([]domain.Delivery, error)
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Delivery, error)
	InsertAttempt(ctx context.Context, a *domain.DeliveryAttempt) error
	CompleteAttempt(ctx context.Context, a *domain.DeliveryAttempt) error
	Transition(ctx context.Context, d *domain.Delivery, from domain.DeliveryStatus) error
}

type statusLogger interface {
	LogStatusChange(ctx context.Context, ref domain.EntityRef, status, actor, reason string, metadata map[string]any) (*domain.StatusLogEntry, error)
}

type txManager interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type Options struct {
	// HTTPTimeout caps every outbound request, whatever the webhook asks for.
	HTTPTimeout  time.Duration
	StuckTimeout time.Duration
	BatchSize    int
}

// Engine owns webhook registration and the delivery lifecycle: claim, send,
// record the attempt, then settle as delivered, retrying or discarded.
type Engine struct {
	webhooks   webhookRepo
	deliveries deliveryRepo
	ledger     statusLogger
	tx         txManager
	sender     Sender
	backoff    *backoff.Calculator
	clock      clockwork.Clock
	opts       Options
	metrics    *observability.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewEngine(
	webhooks webhookRepo,
	deliveries deliveryRepo,
	ledger statusLogger,
	tx txManager,
	sender Sender,
	calc *backoff.Calculator,
	clock clockwork.Clock,
	opts Options,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Engine {
	if opts.HTTPTimeout <= 0 || opts.HTTPTimeout > domain.MaxWebhookTimeout {
		opts.HTTPTimeout = domain.DefaultWebhookTimeout
	}
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = 2 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Engine{
		webhooks:   webhooks,
		deliveries: deliveries,
		ledger:     ledger,
		tx:         tx,
		sender:     sender,
		backoff:    calc,
		clock:      clock,
		opts:       opts,
		metrics:    metrics,
		logger:     logger,
		tracer:     observability.Tracer(),
	}
}

// CreateDelivery queues payload for w. Creating the same (event, webhook) pair
// twice returns the delivery made the first time.
func (e *Engine) CreateDelivery(ctx context.Context, w *domain.Webhook, eventName string, eventID *uuid.UUID, payload json.RawMessage) (*domain.Delivery, error) {
	if !w.IsActive() || !w.SubscribedTo(eventName) {
		return nil, fmt.Errorf("CreateDelivery: webhook %s, event %s: %w", w.ID, eventName, domain.ErrInvalidSubscription)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	now := e.clock.Now().UTC()
	d := &domain.Delivery{
		ID:        uuid.New(),
		WebhookID: w.ID,
		EventID:   eventID,
		EventName: eventName,
		Payload:   payload,
		Status:    domain.DeliveryStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := e.deliveries.Create(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("CreateDelivery: %w", err)
	}
	if !created && eventID != nil {
		existing, err := e.deliveries.GetByEventAndWebhook(ctx, *eventID, w.ID)
		if err != nil {
			return nil, fmt.Errorf("CreateDelivery: %w", err)
		}
		return existing, nil
	}
	return d, nil
}

// Attempt claims d and makes exactly one HTTP call for it. The returned delivery
// carries the recorded attempt and is either processing (success) or failed,
// awaiting FinalizeAttempt.
func (e *Engine) Attempt(ctx context.Context, d *domain.Delivery, w *domain.Webhook) (*domain.Delivery, error) {
	if d.Status.IsTerminal() {
		return nil, fmt.Errorf("Attempt: %w", domain.ErrDeliveryTerminal)
	}

	ctx, span := e.tracer.Start(ctx, "webhook.attempt", trace.WithAttributes(
		attribute.String("delivery.id", d.ID.String()),
		attribute.String("webhook.id", w.ID.String()),
		attribute.String("event.name", d.EventName),
	))
	defer span.End()

	var claimed *domain.Delivery
	var attempt *domain.DeliveryAttempt
	err := e.tx.Do(ctx, func(ctx context.Context) error {
		now := e.clock.Now().UTC()
		var err error
		claimed, err = e.deliveries.Claim(ctx, d.ID, now)
		if err != nil {
			return err
		}
		attempt = &domain.DeliveryAttempt{
			ID:            uuid.New(),
			DeliveryID:    claimed.ID,
			AttemptNumber: claimed.CurrentAttempt,
			Outcome:       domain.AttemptOutcomePending,
			StartedAt:     now,
		}
		return e.deliveries.InsertAttempt(ctx, attempt)
	})
	if err != nil {
		return nil, fmt.Errorf("Attempt: %w", err)
	}
	span.SetAttributes(attribute.Int("delivery.attempt", attempt.AttemptNumber))

	res := e.sender.Send(ctx, e.buildRequest(claimed, w, attempt.AttemptNumber))

	finished := e.clock.Now().UTC()
	attempt.Outcome = res.Outcome
	attempt.FinishedAt = &finished
	attempt.ResponseStatus = res.StatusCode
	attempt.ResponseBody = res.Body
	attempt.DurationMs = res.Duration.Milliseconds()
	if res.Err != nil {
		msg := res.Err.Error()
		attempt.Error = &msg
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Outcome))
	}

	err = e.tx.Do(ctx, func(ctx context.Context) error {
		if err := e.deliveries.CompleteAttempt(ctx, attempt); err != nil {
			return err
		}
		next := domain.StatusAfterAttempt(attempt.Outcome)
		if next == claimed.Status {
			return nil
		}
		from := claimed.Status
		claimed.Status = next
		claimed.UpdatedAt = finished
		return e.deliveries.Transition(ctx, claimed, from)
	})
	if err != nil {
		return nil, fmt.Errorf("Attempt: record outcome: %w", err)
	}

	e.metrics.DeliveryAttempt(ctx, string(attempt.Outcome), res.Duration)
	e.logger.Info("webhook attempt",
		"delivery_id", claimed.ID,
		"webhook_id", w.ID,
		"attempt", attempt.AttemptNumber,
		"outcome", attempt.Outcome,
		"duration_ms", attempt.DurationMs,
	)

	claimed.Attempts = append(slices.Clone(d.Attempts), *attempt)
	return claimed, nil
}

// FinalizeAttempt settles d from its latest attempt. The delivery update and the
// webhook stats change commit together, so stats move once per finalized attempt.
func (e *Engine) FinalizeAttempt(ctx context.Context, d *domain.Delivery, w *domain.Webhook) (*domain.Delivery, error) {
	if d.Status.IsTerminal() {
		return nil, fmt.Errorf("FinalizeAttempt: %w", domain.ErrDeliveryTerminal)
	}
	latest := d.LatestAttempt()
	if latest == nil || latest.AttemptNumber != d.CurrentAttempt {
		reloaded, err := e.deliveries.GetByID(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("FinalizeAttempt: %w", err)
		}
		d = reloaded
		latest = d.LatestAttempt()
	}

	now := e.clock.Now().UTC()
	var retryAt *time.Time
	if latest != nil && latest.Outcome != domain.AttemptOutcomeSuccess {
		if at, ok := e.backoff.NextRetryAt(now, d.CurrentAttempt, w.RetryPolicy.Backoff()); ok {
			retryAt = &at
		}
	}

	settled, err := domain.SettleDelivery(*d, retryAt, now)
	if err != nil {
		return nil, fmt.Errorf("FinalizeAttempt: %w", err)
	}

	success := settled.Status == domain.DeliveryStatusDelivered
	err = e.tx.Do(ctx, func(ctx context.Context) error {
		if err := e.deliveries.Transition(ctx, &settled, d.Status); err != nil {
			return err
		}
		if err := e.webhooks.RecordOutcome(ctx, w.ID, success, now); err != nil {
			return err
		}
		_, err := e.ledger.LogStatusChange(ctx,
			domain.EntityRef{Type: domain.EntityDelivery, ID: settled.ID},
			string(settled.Status), domain.ActorSystem, string(latest.Outcome),
			map[string]any{"attempt": settled.CurrentAttempt, "webhook_id": w.ID.String()},
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("FinalizeAttempt: %w", err)
	}

	e.metrics.DeliverySettled(ctx, string(settled.Status))
	if settled.Status == domain.DeliveryStatusDiscarded {
		e.logger.Warn("webhook delivery discarded",
			"delivery_id", settled.ID,
			"webhook_id", w.ID,
			"attempts", settled.CurrentAttempt,
		)
	}
	return &settled, nil
}

// Deliver runs one attempt for d and settles it.
func (e *Engine) Deliver(ctx context.Context, d *domain.Delivery) (*domain.Delivery, error) {
	w, err := e.webhooks.GetByID(ctx, d.WebhookID)
	if err != nil {
		return nil, fmt.Errorf("Deliver: %w", err)
	}
	return e.deliverTo(ctx, d, w)
}

func (e *Engine) deliverTo(ctx context.Context, d *domain.Delivery, w *domain.Webhook) (*domain.Delivery, error) {
	if w.Status == domain.WebhookStatusDisabled {
		return e.discard(ctx, d, "webhook disabled")
	}
	if w.Status == domain.WebhookStatusPaused {
		return nil, fmt.Errorf("Deliver: %w", domain.ErrInvalidSubscription)
	}

	attempted, err := e.Attempt(ctx, d, w)
	if err != nil {
		return nil, fmt.Errorf("Deliver: %w", err)
	}
	settled, err := e.FinalizeAttempt(ctx, attempted, w)
	if err != nil {
		return nil, fmt.Errorf("Deliver: %w", err)
	}
	return settled, nil
}

// discard retires a delivery that has not started an attempt, without counting
// it against the webhook's stats.
func (e *Engine) discard(ctx context.Context, d *domain.Delivery, reason string) (*domain.Delivery, error) {
	if !d.Status.Claimable() {
		return nil, fmt.Errorf("discard: %w", domain.ErrDeliveryInFlight)
	}
	next := *d
	next.Status = domain.DeliveryStatusDiscarded
	next.NextRetryAt = nil
	next.UpdatedAt = e.clock.Now().UTC()

	err := e.tx.Do(ctx, func(ctx context.Context) error {
		if err := e.deliveries.Transition(ctx, &next, d.Status); err != nil {
			return err
		}
		_, err := e.ledger.LogStatusChange(ctx,
			domain.EntityRef{Type: domain.EntityDelivery, ID: next.ID},
			string(next.Status), domain.ActorSystem, reason, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("discard: %w", err)
	}
	e.metrics.DeliverySettled(ctx, string(next.Status))
	return &next, nil
}

func (e *Engine) FindReadyForRetry(ctx context.Context, limit int) ([]domain.Delivery, error) {
	ds, err := e.deliveries.FindReadyForRetry(ctx, e.clock.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("FindReadyForRetry: %w", err)
	}
	return ds, nil
}

func (e *Engine) FindPending(ctx context.Context, limit int) ([]domain.Delivery, error) {
	ds, err := e.deliveries.FindPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("FindPending: %w", err)
	}
	return ds, nil
}

// ProcessDue delivers one batch of pending deliveries and one batch of due
// retries. Deliveries another worker got to first are skipped.
func (e *Engine) ProcessDue(ctx context.Context) (int, error) {
	pending, err := e.FindPending(ctx, e.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("ProcessDue: %w", err)
	}
	ready, err := e.FindReadyForRetry(ctx, e.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("ProcessDue: %w", err)
	}

	hooks := make(map[uuid.UUID]*domain.Webhook)
	done := 0
	for _, d := range append(pending, ready...) {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}

		w, ok := hooks[d.WebhookID]
		if !ok {
			w, err = e.webhooks.GetByID(ctx, d.WebhookID)
			if err != nil {
				e.logger.Error("failed to load webhook for delivery", "delivery_id", d.ID, "error", err)
				continue
			}
			hooks[d.WebhookID] = w
		}

		if _, err := e.deliverTo(ctx, &d, w); err != nil {
			if isContention(err) {
				continue
			}
			e.logger.Error("webhook delivery failed", "delivery_id", d.ID, "webhook_id", d.WebhookID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

// RecoverStuck settles deliveries whose worker died between claiming and
// finalizing. A dangling attempt is closed as an error before settling.
func (e *Engine) RecoverStuck(ctx context.Context) (int, error) {
	now := e.clock.Now().UTC()
	stuck, err := e.deliveries.FindStuck(ctx, now.Add(-e.opts.StuckTimeout), e.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("RecoverStuck: %w", err)
	}

	recovered := 0
	for i := range stuck {
		d := &stuck[i]
		w, err := e.webhooks.GetByID(ctx, d.WebhookID)
		if err != nil {
			e.logger.Error("failed to load webhook for stuck delivery", "delivery_id", d.ID, "error", err)
			continue
		}
		if err := e.closeAbandonedAttempt(ctx, d); err != nil {
			if !isContention(err) {
				e.logger.Error("failed to close abandoned attempt", "delivery_id", d.ID, "error", err)
			}
			continue
		}
		if _, err := e.FinalizeAttempt(ctx, d, w); err != nil {
			if !isContention(err) {
				e.logger.Error("failed to finalize stuck delivery", "delivery_id", d.ID, "error", err)
			}
			continue
		}
		e.metrics.DeliveryRecovered(ctx)
		recovered++
	}
	if recovered > 0 {
		e.logger.Warn("recovered stuck deliveries", "count", recovered)
	}
	return recovered, nil
}

func (e *Engine) closeAbandonedAttempt(ctx context.Context, d *domain.Delivery) error {
	now := e.clock.Now().UTC()
	msg := "attempt abandoned"
	latest := d.LatestAttempt()

	switch {
	case latest != nil && latest.AttemptNumber == d.CurrentAttempt && latest.Outcome != domain.AttemptOutcomePending:
		return nil
	case latest != nil && latest.AttemptNumber == d.CurrentAttempt:
		latest.Outcome = domain.AttemptOutcomeError
		latest.FinishedAt = &now
		latest.Error = &msg
		return e.deliveries.CompleteAttempt(ctx, latest)
	default:
		started := now
		if d.LastAttemptAt != nil {
			started = *d.LastAttemptAt
		}
		a := domain.DeliveryAttempt{
			ID:            uuid.New(),
			DeliveryID:    d.ID,
			AttemptNumber: d.CurrentAttempt,
			Outcome:       domain.AttemptOutcomeError,
			StartedAt:     started,
			FinishedAt:    &now,
			Error:         &msg,
		}
		if err := e.deliveries.InsertAttempt(ctx, &a); err != nil {
			return err
		}
		d.Attempts = append(d.Attempts, a)
		return nil
	}
}

func (e *Engine) buildRequest(d *domain.Delivery, w *domain.Webhook, attempt int) Request {
	h := make(http.Header, len(w.Headers)+5)
	for k, v := range w.Headers {
		h.Set(k, v)
	}
	h.Set("Content-Type", "application/json")
	h.Set(signature.Header, signature.Sign(w.Secret, d.Payload))
	h.Set(HeaderEvent, d.EventName)
	h.Set(HeaderDelivery, d.ID.String())
	h.Set(HeaderAttempt, strconv.Itoa(attempt))

	timeout := w.Timeout
	if timeout <= 0 || timeout > e.opts.HTTPTimeout {
		timeout = e.opts.HTTPTimeout
	}
	if timeout < domain.MinWebhookTimeout {
		timeout = domain.MinWebhookTimeout
	}

	method := w.Method
	if method == "" {
		method = http.MethodPost
	}
	return Request{Method: method, URL: w.URL, Body: d.Payload, Headers: h, Timeout: timeout}
}

func isContention(err error) bool {
	return errors.Is(err, domain.ErrDeliveryInFlight) ||
		errors.Is(err, domain.ErrDeliveryTerminal) ||
		errors.Is(err, domain.ErrVersionConflict) ||
		errors.Is(err, domain.ErrInvalidSubscription)
}
