package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/josh-kwaku/eventpay/internal/observability"
)

type EventStore interface {
	DiscardExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error)
	FailExhaustedLeases(ctx context.Context, now time.Time) (int64, error)
	CountExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

type IdempotencyStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type StuckRecoverer interface {
	RecoverStuck(ctx context.Context) (int, error)
}

// Sweeper does the periodic housekeeping no request path owns: it expires
// events past their TTL, removes settled events after retention, fails events
// whose final lease ran out, clears stale idempotency keys and finalizes
// deliveries whose attempt was abandoned mid-flight.
type Sweeper struct {
	events      EventStore
	idempotency IdempotencyStore
	deliveries  StuckRecoverer
	clock       clockwork.Clock
	retention   time.Duration
	metrics     *observability.Metrics
	logger      *slog.Logger
}

func New(
	events EventStore,
	idempotency IdempotencyStore,
	deliveries StuckRecoverer,
	clock clockwork.Clock,
	retention time.Duration,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		events:      events,
		idempotency: idempotency,
		deliveries:  deliveries,
		clock:       clock,
		retention:   retention,
		metrics:     metrics,
		logger:      logger,
	}
}

type step struct {
	kind string
	run  func(ctx context.Context, now time.Time) (int64, error)
}

// Sweep runs every step once. A failing step does not stop the others; their
// errors are joined. The count is the number of rows touched.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()

	steps := []step{
		{"events_discarded", s.events.DiscardExpired},
		{"events_deleted", func(ctx context.Context, now time.Time) (int64, error) {
			return s.events.DeleteSettledBefore(ctx, now.Add(-s.retention))
		}},
		{"events_lease_exhausted", s.events.FailExhaustedLeases},
		{"idempotency_keys_deleted", s.idempotency.DeleteExpired},
		{"deliveries_recovered", func(ctx context.Context, _ time.Time) (int64, error) {
			n, err := s.deliveries.RecoverStuck(ctx)
			return int64(n), err
		}},
	}

	var total int64
	var errs []error
	for _, st := range steps {
		n, err := st.run(ctx, now)
		if err != nil {
			s.logger.Error("sweep step failed", "step", st.kind, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", st.kind, err))
			continue
		}
		if n > 0 {
			s.logger.Info("sweep step", "step", st.kind, "count", n)
			s.metrics.Swept(ctx, st.kind, n)
		}
		total += n
	}

	expired, err := s.events.CountExpiredLeases(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expired_leases: %w", err))
	} else if expired > 0 {
		s.logger.Warn("events with expired leases awaiting reclaim", "count", expired)
		s.metrics.LeaseExpirations(ctx, expired)
	}

	if err := errors.Join(errs...); err != nil {
		return int(total), fmt.Errorf("Sweep: %w", err)
	}
	return int(total), nil
}
