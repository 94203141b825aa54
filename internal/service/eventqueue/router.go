package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/subscription"
)

type route struct {
	pattern string
	handler Handler
}

// Router dispatches an event to every handler whose pattern matches its name,
// in registration order. An event no route matches is treated as handled.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

func NewRouter() *Router {
	return &Router{}
}

func (r *Router) Register(pattern string, h Handler) error {
	if !subscription.ValidPattern(pattern) {
		return fmt.Errorf("Register: pattern %q: %w", pattern, domain.ErrInvalidEventName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{pattern: pattern, handler: h})
	return nil
}

func (r *Router) Handle(ctx context.Context, e *domain.Event) error {
	r.mu.RLock()
	routes := make([]route, len(r.routes))
	copy(routes, r.routes)
	r.mu.RUnlock()

	for _, rt := range routes {
		if !subscription.MatchPattern(e.Name, rt.pattern) {
			continue
		}
		if err := rt.handler.Handle(ctx, e); err != nil {
			return fmt.Errorf("route %s: %w", rt.pattern, err)
		}
	}
	return nil
}

type webhookLister interface {
	ListActive(ctx context.Context) ([]domain.Webhook, error)
}

type deliveryCreator interface {
	CreateDelivery(ctx context.Context, w *domain.Webhook, eventName string, eventID *uuid.UUID, payload json.RawMessage) (*domain.Delivery, error)
}

// Fanout creates one delivery per active webhook subscribed to the event.
// Re-running it for the same event is safe: existing deliveries are reused.
type Fanout struct {
	webhooks    webhookLister
	deliveries  deliveryCreator
	concurrency int
	logger      *slog.Logger
}

func NewFanout(webhooks webhookLister, deliveries deliveryCreator, concurrency int, logger *slog.Logger) *Fanout {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Fanout{webhooks: webhooks, deliveries: deliveries, concurrency: concurrency, logger: logger}
}

func (f *Fanout) Handle(ctx context.Context, e *domain.Event) error {
	hooks, err := f.webhooks.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("Fanout: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	eventID := e.ID
	matched := 0
	for i := range hooks {
		w := &hooks[i]
		if !w.SubscribedTo(e.Name) {
			continue
		}
		matched++
		g.Go(func() error {
			_, err := f.deliveries.CreateDelivery(gctx, w, e.Name, &eventID, e.Payload)
			if errors.Is(err, domain.ErrInvalidSubscription) {
				// paused or edited between listing and creating
				return nil
			}
			if err != nil {
				return fmt.Errorf("webhook %s: %w", w.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("Fanout: %w", err)
	}

	f.logger.Debug("event fanned out", "event_id", e.ID, "event_name", e.Name, "webhooks", matched)
	return nil
}
