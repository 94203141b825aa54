package statuslog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

type entryRepo interface {
	Append(ctx context.Context, e *domain.StatusLogEntry) error
	ListByEntity(ctx context.Context, ref domain.EntityRef) ([]domain.StatusLogEntry, error)
	Latest(ctx context.Context, ref domain.EntityRef) (*domain.StatusLogEntry, error)
	AverageDurations(ctx context.Context, entityType domain.EntityType, since, now time.Time) ([]domain.StatusAverage, error)
}

// Ledger is the append-only status history of payments and refunds. Writes
// join whatever transaction the context carries.
type Ledger struct {
	entries entryRepo
	clock   clockwork.Clock
}

func NewLedger(entries entryRepo, clock clockwork.Clock) *Ledger {
	return &Ledger{entries: entries, clock: clock}
}

func (l *Ledger) LogStatusChange(ctx context.Context, ref domain.EntityRef, status, actor, reason string, metadata map[string]any) (*domain.StatusLogEntry, error) {
	if status == "" || actor == "" {
		return nil, fmt.Errorf("LogStatusChange: status and actor are required: %w", domain.ErrInvalidRequest)
	}

	e := &domain.StatusLogEntry{
		ID:         uuid.New(),
		EntityType: ref.Type,
		EntityID:   ref.ID,
		Status:     status,
		Actor:      actor,
		Reason:     reason,
		CreatedAt:  l.clock.Now().UTC(),
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("LogStatusChange: marshal metadata: %w", err)
		}
		e.Metadata = raw
	}

	if err := l.entries.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("LogStatusChange: %w", err)
	}
	return e, nil
}

// GetCurrentStatus returns the status of the most recent entry, or ErrNotFound
// when the entity has no history.
func (l *Ledger) GetCurrentStatus(ctx context.Context, ref domain.EntityRef) (string, error) {
	e, err := l.entries.Latest(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("GetCurrentStatus: %w", err)
	}
	return e.Status, nil
}

func (l *Ledger) History(ctx context.Context, ref domain.EntityRef) ([]domain.StatusLogEntry, error) {
	entries, err := l.entries.ListByEntity(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return entries, nil
}

// GetTimeInStatuses returns one span per history entry. The last span is open
// and measured up to now.
func (l *Ledger) GetTimeInStatuses(ctx context.Context, ref domain.EntityRef) ([]domain.StatusDuration, error) {
	entries, err := l.entries.ListByEntity(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("GetTimeInStatuses: %w", err)
	}

	now := l.clock.Now().UTC()
	spans := make([]domain.StatusDuration, 0, len(entries))
	for i, e := range entries {
		span := domain.StatusDuration{Status: e.Status, EnteredAt: e.CreatedAt}
		end := now
		if i+1 < len(entries) {
			exited := entries[i+1].CreatedAt
			span.ExitedAt = &exited
			end = exited
		}
		span.Duration = end.Sub(e.CreatedAt)
		if span.Duration < 0 {
			span.Duration = 0
		}
		span.Human = units.HumanDuration(span.Duration)
		spans = append(spans, span)
	}
	return spans, nil
}

// VerifyProjection checks a cached status column against the ledger.
func (l *Ledger) VerifyProjection(ctx context.Context, ref domain.EntityRef, cached string) error {
	current, err := l.GetCurrentStatus(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("VerifyProjection: %s %s has status %q but no history: %w",
			ref.Type, ref.ID, cached, domain.ErrStatusDrift)
	}
	if err != nil {
		return fmt.Errorf("VerifyProjection: %w", err)
	}
	if current != cached {
		return fmt.Errorf("VerifyProjection: %s %s cached %q, ledger %q: %w",
			ref.Type, ref.ID, cached, current, domain.ErrStatusDrift)
	}
	return nil
}

func (l *Ledger) AverageTimeInStatus(ctx context.Context, entityType domain.EntityType, since time.Time) ([]domain.StatusAverage, error) {
	avgs, err := l.entries.AverageDurations(ctx, entityType, since, l.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("AverageTimeInStatus: %w", err)
	}
	return avgs, nil
}
