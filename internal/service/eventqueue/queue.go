package eventqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/observability"
	"github.com/josh-kwaku/eventpay/internal/subscription"
)

type eventRepo interface {
	Create(ctx context.Context, e *domain.Event) error
	ClaimBatch(ctx context.Context, workerID string, now, leaseUntil time.Time, limit int) ([]domain.Event, error)
	Complete(ctx context.Context, e *domain.Event, workerID string, now time.Time) error
	Fail(ctx context.Context, e *domain.Event, workerID string, status domain.EventStatus, nextAttemptAt *time.Time, lastError string, now time.Time) error
}

// NewEvent is what producers hand to Append. Zero TTL means the event never
// expires; zero MaxAttempts takes the queue default.
type NewEvent struct {
	Name        string
	Payload     json.RawMessage
	Source      string
	Initiator   string
	TTL         time.Duration
	MaxAttempts int
}

type Options struct {
	LeaseTimeout       time.Duration
	DefaultMaxAttempts int
}

type Queue struct {
	events  eventRepo
	clock   clockwork.Clock
	opts    Options
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewQueue(events eventRepo, clock clockwork.Clock, opts Options, metrics *observability.Metrics, logger *slog.Logger) *Queue {
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = domain.DefaultLeaseTimeout
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = domain.DefaultEventMaxAttempts
	}
	return &Queue{events: events, clock: clock, opts: opts, metrics: metrics, logger: logger}
}

func (q *Queue) Append(ctx context.Context, ne NewEvent) (*domain.Event, error) {
	if !subscription.ValidName(ne.Name) {
		return nil, fmt.Errorf("Append: %q: %w", ne.Name, domain.ErrInvalidEventName)
	}
	payload := ne.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("Append: payload is not valid JSON: %w", domain.ErrInvalidRequest)
	}
	if ne.TTL < 0 || ne.MaxAttempts < 0 {
		return nil, fmt.Errorf("Append: ttl and max attempts must not be negative: %w", domain.ErrInvalidRequest)
	}

	now := q.clock.Now().UTC()
	e := &domain.Event{
		ID:          uuid.New(),
		Name:        ne.Name,
		Payload:     payload,
		Source:      ne.Source,
		Initiator:   ne.Initiator,
		Status:      domain.EventStatusPending,
		MaxAttempts: ne.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = q.opts.DefaultMaxAttempts
	}
	if ne.TTL > 0 {
		exp := now.Add(ne.TTL)
		e.ExpiresAt = &exp
	}

	if err := q.events.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("Append: %w", err)
	}
	return e, nil
}

// ClaimBatch leases up to limit events to workerID for the queue's lease timeout.
func (q *Queue) ClaimBatch(ctx context.Context, limit int, workerID string) ([]domain.Event, error) {
	now := q.clock.Now().UTC()
	events, err := q.events.ClaimBatch(ctx, workerID, now, now.Add(q.opts.LeaseTimeout), limit)
	if err != nil {
		return nil, fmt.Errorf("ClaimBatch: %w", err)
	}
	q.metrics.EventsClaimed(ctx, len(events))
	return events, nil
}

// Complete settles a claimed event as processed. It fails with ErrLeaseLost when
// the caller's lease was taken over.
func (q *Queue) Complete(ctx context.Context, e *domain.Event) error {
	workerID, err := leaseOwner(e)
	if err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	if err := q.events.Complete(ctx, e, workerID, q.clock.Now().UTC()); err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	q.metrics.EventSettled(ctx, string(domain.EventStatusProcessed))
	return nil
}

// Fail records cause against a claimed event. The event is scheduled again after
// retryDelay while attempts remain, otherwise it is failed for good. A
// maxAttempts of zero uses the event's own limit. A larger maxAttempts cannot
// raise that limit, since claims never pick up an event past it.
func (q *Queue) Fail(ctx context.Context, e *domain.Event, cause error, maxAttempts int, retryDelay time.Duration) error {
	workerID, err := leaseOwner(e)
	if err != nil {
		return fmt.Errorf("Fail: %w", err)
	}
	if maxAttempts <= 0 || maxAttempts > e.MaxAttempts {
		maxAttempts = e.MaxAttempts
	}

	now := q.clock.Now().UTC()
	status := domain.EventStatusFailed
	var next *time.Time
	if e.Attempts < maxAttempts {
		status = domain.EventStatusRetrying
		at := now.Add(retryDelay)
		next = &at
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.events.Fail(ctx, e, workerID, status, next, msg, now); err != nil {
		return fmt.Errorf("Fail: %w", err)
	}

	q.metrics.EventSettled(ctx, string(status))
	q.logger.Warn("event handling failed",
		"event_id", e.ID,
		"event_name", e.Name,
		"attempt", e.Attempts,
		"status", status,
		"error", msg,
	)
	return nil
}

func leaseOwner(e *domain.Event) (string, error) {
	if e.LeaseOwner == nil || e.LeaseExpiresAt == nil {
		return "", fmt.Errorf("event %s holds no lease: %w", e.ID, domain.ErrLeaseLost)
	}
	return *e.LeaseOwner, nil
}
