package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

func TestRouter_DispatchesMatchingRoutesInOrder(t *testing.T) {
	r := NewRouter()
	var calls []string
	record := func(name string) Handler {
		return HandlerFunc(func(context.Context, *domain.Event) error {
			calls = append(calls, name)
			return nil
		})
	}
	require.NoError(t, r.Register("payment.*", record("payments")))
	require.NoError(t, r.Register("crop.sold", record("sold")))
	require.NoError(t, r.Register("*", record("all")))

	require.NoError(t, r.Handle(context.Background(), &domain.Event{Name: "payment.captured"}))
	assert.Equal(t, []string{"payments", "all"}, calls)
}

func TestRouter_StopsOnError(t *testing.T) {
	r := NewRouter()
	second := false
	require.NoError(t, r.Register("*", HandlerFunc(func(context.Context, *domain.Event) error {
		return errors.New("down")
	})))
	require.NoError(t, r.Register("*", HandlerFunc(func(context.Context, *domain.Event) error {
		second = true
		return nil
	})))

	err := r.Handle(context.Background(), &domain.Event{Name: "crop.sold"})
	assert.ErrorContains(t, err, "down")
	assert.False(t, second)
}

func TestRouter_RejectsInvalidPattern(t *testing.T) {
	r := NewRouter()
	err := r.Register("a.*.b", HandlerFunc(func(context.Context, *domain.Event) error { return nil }))
	assert.ErrorIs(t, err, domain.ErrInvalidEventName)
}

type stubWebhooks struct {
	hooks []domain.Webhook
}

func (s *stubWebhooks) ListActive(context.Context) ([]domain.Webhook, error) {
	return s.hooks, nil
}

type recordingCreator struct {
	mu      sync.Mutex
	created []uuid.UUID
	fail    map[uuid.UUID]error
}

func (r *recordingCreator) CreateDelivery(_ context.Context, w *domain.Webhook, eventName string, eventID *uuid.UUID, payload json.RawMessage) (*domain.Delivery, error) {
	if err := r.fail[w.ID]; err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, w.ID)
	return &domain.Delivery{ID: uuid.New(), WebhookID: w.ID, EventID: eventID, EventName: eventName, Payload: payload}, nil
}

func webhookFor(patterns ...string) domain.Webhook {
	return domain.Webhook{ID: uuid.New(), Status: domain.WebhookStatusActive, Events: patterns}
}

func TestFanout(t *testing.T) {
	soldHook := webhookFor("crop.sold")
	allHook := webhookFor("*")
	otherHook := webhookFor("payment.*")
	creator := &recordingCreator{}

	f := NewFanout(&stubWebhooks{hooks: []domain.Webhook{soldHook, allHook, otherHook}}, creator, 2, slog.Default())

	err := f.Handle(context.Background(), &domain.Event{ID: uuid.New(), Name: "crop.sold", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{soldHook.ID, allHook.ID}, creator.created)
}

func TestFanout_IgnoresSubscriptionRaceButReportsFailures(t *testing.T) {
	paused := webhookFor("*")
	broken := webhookFor("*")
	creator := &recordingCreator{fail: map[uuid.UUID]error{
		paused.ID: domain.ErrInvalidSubscription,
	}}
	f := NewFanout(&stubWebhooks{hooks: []domain.Webhook{paused}}, creator, 0, slog.Default())
	require.NoError(t, f.Handle(context.Background(), &domain.Event{ID: uuid.New(), Name: "crop.sold"}))

	creator.fail[broken.ID] = errors.New("insert failed")
	f = NewFanout(&stubWebhooks{hooks: []domain.Webhook{broken}}, creator, 0, slog.Default())
	err := f.Handle(context.Background(), &domain.Event{ID: uuid.New(), Name: "crop.sold"})
	assert.ErrorContains(t, err, "insert failed")
}
