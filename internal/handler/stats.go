package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/jonboulle/clockwork"

	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/logging"
)

const defaultStatsWindow = 24 * time.Hour

type statusAverager interface {
	AverageTimeInStatus(ctx context.Context, entityType domain.EntityType, since time.Time) ([]domain.StatusAverage, error)
}

type StatsHandler struct {
	ledger statusAverager
	clock  clockwork.Clock
}

func NewStatsHandler(ledger statusAverager, clock clockwork.Clock) *StatsHandler {
	return &StatsHandler{ledger: ledger, clock: clock}
}

type statusAverageDTO struct {
	Status    string `json:"status"`
	Samples   int64  `json:"samples"`
	AverageMs int64  `json:"average_ms"`
	Human     string `json:"human"`
}

// StatusDurations reports how long entities of one type stay in each status,
// over the window given as ?window= (default 24h).
func (h *StatsHandler) StatusDurations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	entity := domain.EntityType(q.Get("entity"))
	switch entity {
	case domain.EntityPayment, domain.EntityRefund, domain.EntityWebhook, domain.EntityDelivery:
	default:
		RespondValidationError(w, []FieldError{{Field: "entity", Message: "must be one of payment, refund, webhook, delivery"}})
		return
	}

	window := defaultStatsWindow
	if raw := q.Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			RespondValidationError(w, []FieldError{{Field: "window", Message: "must be a positive duration such as 6h"}})
			return
		}
		window = d
	}

	avgs, err := h.ledger.AverageTimeInStatus(r.Context(), entity, h.clock.Now().UTC().Add(-window))
	if err != nil {
		logging.FromContext(r.Context()).Error("status averages failed", "entity", entity, "error", err)
		RespondDomainError(w, err)
		return
	}

	out := make([]statusAverageDTO, 0, len(avgs))
	for _, a := range avgs {
		out = append(out, statusAverageDTO{
			Status:    a.Status,
			Samples:   a.Samples,
			AverageMs: a.Average.Milliseconds(),
			Human:     units.HumanDuration(a.Average),
		})
	}
	RespondSuccess(w, http.StatusOK, out)
}
