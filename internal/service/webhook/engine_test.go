package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/eventpay/internal/backoff"
	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/signature"
)

type passthroughTx struct{}

func (passthroughTx) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memoryWebhooks struct {
	mu    sync.Mutex
	hooks map[uuid.UUID]*domain.Webhook
}

func newMemoryWebhooks() *memoryWebhooks {
	return &memoryWebhooks{hooks: map[uuid.UUID]*domain.Webhook{}}
}

func (m *memoryWebhooks) Create(_ context.Context, w *domain.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.hooks[w.ID] = &cp
	return nil
}

func (m *memoryWebhooks) GetByID(_ context.Context, id uuid.UUID) (*domain.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.hooks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memoryWebhooks) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]domain.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Webhook
	for _, w := range m.hooks {
		if w.OwnerID == ownerID {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *memoryWebhooks) Update(_ context.Context, w *domain.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.hooks[w.ID]
	if !ok {
		return domain.ErrNotFound
	}
	stats := cur.Stats
	cp := *w
	cp.Stats = stats
	m.hooks[w.ID] = &cp
	return nil
}

func (m *memoryWebhooks) RecordOutcome(_ context.Context, id uuid.UUID, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.hooks[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Stats.TotalDeliveries++
	if success {
		w.Stats.SuccessfulDeliveries++
		w.Stats.LastSuccessAt = &at
	} else {
		w.Stats.FailedDeliveries++
		w.Stats.LastFailureAt = &at
	}
	return nil
}

// memoryDeliveries enforces the same conditional updates as the SQL repository.
type memoryDeliveries struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID]*domain.Delivery
	attempts   map[uuid.UUID][]domain.DeliveryAttempt
}

func newMemoryDeliveries() *memoryDeliveries {
	return &memoryDeliveries{
		deliveries: map[uuid.UUID]*domain.Delivery{},
		attempts:   map[uuid.UUID][]domain.DeliveryAttempt{},
	}
}

func (m *memoryDeliveries) snapshot(d *domain.Delivery) domain.Delivery {
	cp := *d
	cp.Attempts = append([]domain.DeliveryAttempt(nil), m.attempts[d.ID]...)
	return cp
}

func (m *memoryDeliveries) Create(_ context.Context, d *domain.Delivery) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.EventID != nil {
		for _, cur := range m.deliveries {
			if cur.EventID != nil && *cur.EventID == *d.EventID && cur.WebhookID == d.WebhookID {
				return false, nil
			}
		}
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return true, nil
}

func (m *memoryDeliveries) GetByID(_ context.Context, id uuid.UUID) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	s := m.snapshot(d)
	return &s, nil
}

func (m *memoryDeliveries) GetByEventAndWebhook(_ context.Context, eventID, webhookID uuid.UUID) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.EventID != nil && *d.EventID == eventID && d.WebhookID == webhookID {
			s := m.snapshot(d)
			return &s, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memoryDeliveries) filter(keep func(d *domain.Delivery) bool, less func(a, b domain.Delivery) bool, limit int) []domain.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Delivery
	for _, d := range m.deliveries {
		if keep(d) {
			out = append(out, m.snapshot(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memoryDeliveries) ListByWebhook(_ context.Context, webhookID uuid.UUID, limit, offset int) ([]domain.Delivery, error) {
	all := m.filter(func(d *domain.Delivery) bool { return d.WebhookID == webhookID },
		func(a, b domain.Delivery) bool { return a.CreatedAt.After(b.CreatedAt) }, 0)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *memoryDeliveries) FindReadyForRetry(_ context.Context, now time.Time, limit int) ([]domain.Delivery, error) {
	return m.filter(func(d *domain.Delivery) bool {
		return d.Status == domain.DeliveryStatusRetrying && d.NextRetryAt != nil && !d.NextRetryAt.After(now)
	}, func(a, b domain.Delivery) bool { return a.NextRetryAt.Before(*b.NextRetryAt) }, limit), nil
}

func (m *memoryDeliveries) FindPending(_ context.Context, limit int) ([]domain.Delivery, error) {
	return m.filter(func(d *domain.Delivery) bool { return d.Status == domain.DeliveryStatusPending },
		func(a, b domain.Delivery) bool { return a.CreatedAt.Before(b.CreatedAt) }, limit), nil
}

func (m *memoryDeliveries) FindStuck(_ context.Context, before time.Time, limit int) ([]domain.Delivery, error) {
	return m.filter(func(d *domain.Delivery) bool {
		return d.Status.AwaitingFinalize() && !d.UpdatedAt.After(before)
	}, func(a, b domain.Delivery) bool { return a.UpdatedAt.Before(b.UpdatedAt) }, limit), nil
}

func (m *memoryDeliveries) Claim(_ context.Context, id uuid.UUID, now time.Time) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if d.Status.IsTerminal() {
		return nil, domain.ErrDeliveryTerminal
	}
	if !d.Status.Claimable() {
		return nil, domain.ErrDeliveryInFlight
	}
	d.Status = domain.DeliveryStatusProcessing
	d.CurrentAttempt++
	d.LastAttemptAt = &now
	d.NextRetryAt = nil
	d.UpdatedAt = now
	cp := *d
	return &cp, nil
}

func (m *memoryDeliveries) InsertAttempt(_ context.Context, a *domain.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.attempts[a.DeliveryID] {
		if cur.AttemptNumber == a.AttemptNumber {
			return domain.ErrDeliveryInFlight
		}
	}
	m.attempts[a.DeliveryID] = append(m.attempts[a.DeliveryID], *a)
	return nil
}

func (m *memoryDeliveries) CompleteAttempt(_ context.Context, a *domain.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.attempts[a.DeliveryID]
	for i := range list {
		if list[i].ID == a.ID && list[i].Outcome == domain.AttemptOutcomePending {
			list[i] = *a
			return nil
		}
	}
	return domain.ErrVersionConflict
}

func (m *memoryDeliveries) Transition(_ context.Context, d *domain.Delivery, from domain.DeliveryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.deliveries[d.ID]
	if !ok || cur.Status != from || cur.CurrentAttempt != d.CurrentAttempt {
		return domain.ErrVersionConflict
	}
	cur.Status = d.Status
	cur.NextRetryAt = d.NextRetryAt
	cur.DeliveredAt = d.DeliveredAt
	cur.UpdatedAt = d.UpdatedAt
	return nil
}

type memoryLedger struct {
	mu      sync.Mutex
	entries []domain.StatusLogEntry
}

func (m *memoryLedger) LogStatusChange(_ context.Context, ref domain.EntityRef, status, actor, reason string, _ map[string]any) (*domain.StatusLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := domain.StatusLogEntry{EntityType: ref.Type, EntityID: ref.ID, Status: status, Actor: actor, Reason: reason}
	m.entries = append(m.entries, e)
	return &e, nil
}

func (m *memoryLedger) statuses(id uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		if e.EntityID == id {
			out = append(out, e.Status)
		}
	}
	return out
}

type engineFixture struct {
	engine     *Engine
	webhooks   *memoryWebhooks
	deliveries *memoryDeliveries
	ledger     *memoryLedger
	clock      *clockwork.FakeClock
	owner      uuid.UUID
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		webhooks:   newMemoryWebhooks(),
		deliveries: newMemoryDeliveries(),
		ledger:     &memoryLedger{},
		clock:      clockwork.NewFakeClockAt(time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)),
		owner:      uuid.New(),
	}
	f.engine = NewEngine(
		f.webhooks, f.deliveries, f.ledger, passthroughTx{},
		NewHTTPSender(f.clock), backoff.New(backoff.Fixed(0)), f.clock,
		Options{HTTPTimeout: 5 * time.Second, StuckTimeout: 2 * time.Minute, BatchSize: 10},
		nil, slog.Default(),
	)
	return f
}

func (f *engineFixture) register(t *testing.T, url string, patterns ...string) *domain.Webhook {
	t.Helper()
	w, err := f.engine.Register(context.Background(), f.owner, RegisterInput{
		URL:    url,
		Events: patterns,
		Secret: "whsec_test",
		Headers: map[string]string{
			"X-Tenant": "acme",
		},
		RetryPolicy: &domain.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     time.Hour,
			Factor:       2,
		},
	})
	require.NoError(t, err)
	return w
}

type capturedRequest struct {
	header http.Header
	body   []byte
	method string
}

func newSubscriber(t *testing.T, status int) (*httptest.Server, *[]capturedRequest, *int32) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{header: r.Header.Clone(), body: body, method: r.Method})
		mu.Unlock()
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs, &hits
}

func TestCreateDelivery(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	w := f.register(t, "https://example.com/hook", "crop.*")
	eventID := uuid.New()

	d, err := f.engine.CreateDelivery(ctx, w, "crop.sold", &eventID, json.RawMessage(`{"crop":"maize"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusPending, d.Status)
	assert.Zero(t, d.CurrentAttempt)

	again, err := f.engine.CreateDelivery(ctx, w, "crop.sold", &eventID, json.RawMessage(`{"crop":"maize"}`))
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID, "one delivery per (event, webhook)")

	_, err = f.engine.CreateDelivery(ctx, w, "payment.captured", nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidSubscription)

	paused, err := f.engine.SetStatus(ctx, f.owner, w.ID, domain.WebhookStatusPaused)
	require.NoError(t, err)
	_, err = f.engine.CreateDelivery(ctx, paused, "crop.sold", nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidSubscription)
}

func TestDeliver_Success(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	srv, reqs, _ := newSubscriber(t, http.StatusOK)
	w := f.register(t, srv.URL, "crop.sold")

	payload := json.RawMessage(`{"crop":"maize","qty":12}`)
	d, err := f.engine.CreateDelivery(ctx, w, "crop.sold", nil, payload)
	require.NoError(t, err)

	settled, err := f.engine.Deliver(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusDelivered, settled.Status)
	require.NotNil(t, settled.DeliveredAt)

	require.Len(t, *reqs, 1)
	got := (*reqs)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, []byte(payload), got.body)
	assert.True(t, signature.Verify("whsec_test", got.body, got.header.Get(signature.Header)))
	assert.Equal(t, "crop.sold", got.header.Get(HeaderEvent))
	assert.Equal(t, d.ID.String(), got.header.Get(HeaderDelivery))
	assert.Equal(t, "1", got.header.Get(HeaderAttempt))
	assert.Equal(t, "acme", got.header.Get("X-Tenant"))
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))

	stored, err := f.deliveries.GetByID(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, stored.Attempts, 1)
	assert.Equal(t, domain.AttemptOutcomeSuccess, stored.Attempts[0].Outcome)
	assert.Equal(t, http.StatusOK, *stored.Attempts[0].ResponseStatus)

	hook, err := f.webhooks.GetByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hook.Stats.TotalDeliveries)
	assert.Equal(t, int64(1), hook.Stats.SuccessfulDeliveries)
	assert.Equal(t, []string{"delivered"}, f.ledger.statuses(d.ID))
}

func TestDeliver_RetryScheduleThenDiscard(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	srv, _, hits := newSubscriber(t, http.StatusInternalServerError)
	w := f.register(t, srv.URL, "*")

	d, err := f.engine.CreateDelivery(ctx, w, "crop.sold", nil, nil)
	require.NoError(t, err)

	start := f.clock.Now()
	settled, err := f.engine.Deliver(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusRetrying, settled.Status)
	require.NotNil(t, settled.NextRetryAt)
	assert.Equal(t, start.Add(1000*time.Millisecond), *settled.NextRetryAt)

	n, err := f.engine.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "retry is not due yet")

	f.clock.Advance(time.Second)
	n, err = f.engine.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.deliveries.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusRetrying, stored.Status)
	assert.Equal(t, f.clock.Now().Add(2000*time.Millisecond), *stored.NextRetryAt)

	f.clock.Advance(2 * time.Second)
	n, err = f.engine.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err = f.deliveries.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusDiscarded, stored.Status)
	assert.Nil(t, stored.NextRetryAt)
	assert.Equal(t, 3, stored.CurrentAttempt)
	require.Len(t, stored.Attempts, 3)
	for i, a := range stored.Attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
		assert.Equal(t, domain.AttemptOutcomeFailure, a.Outcome)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(hits))

	hook, err := f.webhooks.GetByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), hook.Stats.TotalDeliveries)
	assert.Equal(t, int64(3), hook.Stats.FailedDeliveries)
	assert.Equal(t, []string{"retrying", "retrying", "discarded"}, f.ledger.statuses(d.ID))
}

func TestAttempt_TerminalDeliveryIsNeverRetried(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	srv, _, hits := newSubscriber(t, http.StatusOK)
	w := f.register(t, srv.URL, "*")

	d, err := f.engine.CreateDelivery(ctx, w, "crop.sold", nil, nil)
	require.NoError(t, err)
	settled, err := f.engine.Deliver(ctx, d)
	require.NoError(t, err)

	_, err = f.engine.Attempt(ctx, settled, w)
	assert.ErrorIs(t, err, domain.ErrDeliveryTerminal)

	stale := *d
	_, err = f.engine.Attempt(ctx, &stale, w)
	assert.ErrorIs(t, err, domain.ErrDeliveryTerminal)

	_, err = f.engine.FinalizeAttempt(ctx, settled, w)
	assert.ErrorIs(t, err, domain.ErrDeliveryTerminal)

	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestAttempt_SecondClaimIsRejected(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	w := f.register(t, "https://example.com/hook", "*")

	d, err := f.engine.CreateDelivery(ctx, w, "crop.sold", nil, nil)
	require.NoError(t, err)
	_, err = f.deliveries.Claim(ctx, d.ID, f.clock.Now())
	require.NoError(t, err)

	_, err = f.engine.Attempt(ctx, d, w)
	assert.ErrorIs(t, err, domain.ErrDeliveryInFlight)
}

func TestDeliver_DisabledWebhookDiscards(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	srv, _, hits := newSubscriber(t, http.StatusOK)
	w := f.register(t, srv.URL, "*")

	d, err := f.engine.CreateDelivery(ctx, w, "crop.sold", nil, nil)
	require.NoError(t, err)
	_, err = f.engine.SetStatus(ctx, f.owner, w.ID, domain.WebhookStatusDisabled)
	require.NoError(t, err)

	settled, err := f.engine.Deliver(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusDiscarded, settled.Status)
	assert.Zero(t, atomic.LoadInt32(hits))
}

func TestRecoverStuck(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	w := f.register(t, "https://example.com/hook", "*")

	d, err := f.engine.CreateDelivery(ctx, w, "crop.sold", nil, nil)
	require.NoError(t, err)

	claimed, err := f.deliveries.Claim(ctx, d.ID, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.deliveries.InsertAttempt(ctx, &domain.DeliveryAttempt{
		ID:            uuid.New(),
		DeliveryID:    d.ID,
		AttemptNumber: claimed.CurrentAttempt,
		Outcome:       domain.AttemptOutcomePending,
		StartedAt:     f.clock.Now(),
	}))

	n, err := f.engine.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not stuck long enough")

	f.clock.Advance(3 * time.Minute)
	n, err = f.engine.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.deliveries.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusRetrying, stored.Status)
	require.Len(t, stored.Attempts, 1)
	assert.Equal(t, domain.AttemptOutcomeError, stored.Attempts[0].Outcome)
	assert.Equal(t, "attempt abandoned", *stored.Attempts[0].Error)

	hook, err := f.webhooks.GetByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hook.Stats.FailedDeliveries)
}

func TestHistory_OwnerScoped(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	w := f.register(t, "https://example.com/hook", "*")

	for i := 0; i < 3; i++ {
		_, err := f.engine.CreateDelivery(ctx, w, "crop.sold", nil, nil)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	ds, err := f.engine.History(ctx, f.owner, w.ID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, ds, 2)
	assert.True(t, ds[0].CreatedAt.After(ds[1].CreatedAt))

	_, err = f.engine.History(ctx, uuid.New(), w.ID, 10, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
