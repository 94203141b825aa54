package main

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/josh-kwaku/eventpay/api"
	"github.com/josh-kwaku/eventpay/internal/handler"
	"github.com/josh-kwaku/eventpay/internal/middleware"
	"github.com/josh-kwaku/eventpay/internal/repository"
)

type handlers struct {
	health   *handler.HealthHandler
	webhooks *handler.WebhookHandler
	events   *handler.EventHandler
	payments *handler.PaymentHandler
	refunds  *handler.RefundHandler
	stats    *handler.StatsHandler
}

func newRouter(h handlers, jwtSecret string, idem *repository.IdempotencyRepository, clock clockwork.Clock, idemTTL time.Duration) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health.Liveness)
	mux.HandleFunc("GET /ready", h.health.Readiness)
	mux.HandleFunc("GET /docs", handler.ServeDocs())
	mux.HandleFunc("GET /docs/openapi.yaml", handler.ServeSpec(api.Spec))

	authed := middleware.Auth(jwtSecret)
	idempotent := func(fn http.HandlerFunc) http.Handler {
		return authed(middleware.Idempotency(idem, clock, idemTTL)(fn))
	}
	protected := func(fn http.HandlerFunc) http.Handler {
		return authed(fn)
	}

	mux.Handle("POST /api/v1/webhooks", protected(h.webhooks.Register))
	mux.Handle("GET /api/v1/webhooks", protected(h.webhooks.List))
	mux.Handle("GET /api/v1/webhooks/{id}", protected(h.webhooks.Get))
	mux.Handle("PATCH /api/v1/webhooks/{id}", protected(h.webhooks.Update))
	mux.Handle("POST /api/v1/webhooks/{id}/pause", protected(h.webhooks.Pause))
	mux.Handle("POST /api/v1/webhooks/{id}/resume", protected(h.webhooks.Resume))
	mux.Handle("POST /api/v1/webhooks/{id}/disable", protected(h.webhooks.Disable))
	mux.Handle("GET /api/v1/webhooks/{id}/deliveries", protected(h.webhooks.Deliveries))

	mux.Handle("POST /api/v1/events", protected(h.events.Append))

	mux.Handle("POST /api/v1/payments", idempotent(h.payments.Create))
	mux.Handle("GET /api/v1/payments/{id}", protected(h.payments.Get))
	mux.Handle("POST /api/v1/payments/{id}/transitions", idempotent(h.payments.Transition))
	mux.Handle("GET /api/v1/payments/{id}/history", protected(h.payments.History))
	mux.Handle("POST /api/v1/payments/{id}/refunds", idempotent(h.refunds.Create))
	mux.Handle("GET /api/v1/payments/{id}/refunds", protected(h.refunds.ListByPayment))

	mux.Handle("GET /api/v1/refunds/{id}", protected(h.refunds.Get))
	mux.Handle("POST /api/v1/refunds/{id}/process", idempotent(h.refunds.Process))
	mux.Handle("POST /api/v1/refunds/{id}/start", idempotent(h.refunds.Start))
	mux.Handle("POST /api/v1/refunds/{id}/complete", idempotent(h.refunds.Complete))
	mux.Handle("POST /api/v1/refunds/{id}/fail", idempotent(h.refunds.Fail))
	mux.Handle("POST /api/v1/refunds/{id}/cancel", idempotent(h.refunds.Cancel))
	mux.Handle("GET /api/v1/refunds/{id}/history", protected(h.refunds.History))

	mux.Handle("GET /api/v1/stats/status-durations", protected(h.stats.StatusDurations))

	var root http.Handler = mux
	root = middleware.Recovery(root)
	root = middleware.Logging(root)
	root = middleware.Tracing(root)
	return otelhttp.NewHandler(root, "eventpay-api")
}
