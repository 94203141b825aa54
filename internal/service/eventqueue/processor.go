package eventqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/josh-kwaku/eventpay/internal/backoff"
	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/observability"
)

type Handler interface {
	Handle(ctx context.Context, e *domain.Event) error
}

type HandlerFunc func(ctx context.Context, e *domain.Event) error

func (f HandlerFunc) Handle(ctx context.Context, e *domain.Event) error { return f(ctx, e) }

type ProcessorConfig struct {
	WorkerID  string
	BatchSize int
	// RetryDelay is the delay before the second attempt; later attempts back off
	// exponentially up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// Processor claims batches of events for one worker and runs them through a handler.
type Processor struct {
	queue   *Queue
	handler Handler
	backoff *backoff.Calculator
	cfg     ProcessorConfig
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewProcessor(queue *Queue, handler Handler, calc *backoff.Calculator, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = 10 * time.Minute
	}
	return &Processor{
		queue:   queue,
		handler: handler,
		backoff: calc,
		cfg:     cfg,
		logger:  logger.With("worker_id", cfg.WorkerID),
		tracer:  observability.Tracer(),
	}
}

// ProcessBatch handles one claimed batch and returns how many events it settled.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	events, err := p.queue.ClaimBatch(ctx, p.cfg.BatchSize, p.cfg.WorkerID)
	if err != nil {
		return 0, fmt.Errorf("ProcessBatch: %w", err)
	}

	settled := 0
	for i := range events {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if p.processOne(ctx, &events[i]) {
			settled++
		}
	}
	return settled, nil
}

func (p *Processor) processOne(ctx context.Context, e *domain.Event) bool {
	ctx, span := p.tracer.Start(ctx, "eventqueue.process",
		trace.WithAttributes(
			attribute.String("event.id", e.ID.String()),
			attribute.String("event.name", e.Name),
			attribute.Int("event.attempt", e.Attempts),
		))
	defer span.End()

	handleErr := p.invoke(ctx, e)
	if handleErr == nil {
		err := p.queue.Complete(ctx, e)
		if err == nil {
			return true
		}
		p.logSettleError(e, err)
		span.RecordError(err)
		return false
	}

	span.RecordError(handleErr)
	span.SetStatus(codes.Error, handleErr.Error())

	delay, _ := p.backoff.NextDelay(e.Attempts, backoff.Policy{
		MaxAttempts:  e.MaxAttempts,
		InitialDelay: p.cfg.RetryDelay,
		MaxDelay:     p.cfg.MaxRetryDelay,
		Factor:       2,
	})
	if err := p.queue.Fail(ctx, e, handleErr, 0, delay); err != nil {
		p.logSettleError(e, err)
		return false
	}
	return true
}

func (p *Processor) invoke(ctx context.Context, e *domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handler panicked",
				"event_id", e.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, e)
}

func (p *Processor) logSettleError(e *domain.Event, err error) {
	if errors.Is(err, domain.ErrLeaseLost) {
		p.logger.Warn("event lease lost before settling", "event_id", e.ID, "event_name", e.Name)
		return
	}
	p.logger.Error("failed to settle event", "event_id", e.ID, "error", err)
}
