package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEvents struct{ mock.Mock }

func (m *mockEvents) DiscardExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockEvents) DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockEvents) FailExhaustedLeases(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockEvents) CountExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type mockIdempotency struct{ mock.Mock }

func (m *mockIdempotency) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type mockRecoverer struct{ mock.Mock }

func (m *mockRecoverer) RecoverStuck(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestSweep_HappyPath(t *testing.T) {
	events, idem, rec := new(mockEvents), new(mockIdempotency), new(mockRecoverer)
	retention := 7 * 24 * time.Hour

	events.On("DiscardExpired", mock.Anything, now).Return(int64(3), nil).Once()
	events.On("DeleteSettledBefore", mock.Anything, now.Add(-retention)).Return(int64(10), nil).Once()
	events.On("FailExhaustedLeases", mock.Anything, now).Return(int64(1), nil).Once()
	events.On("CountExpiredLeases", mock.Anything, now).Return(int64(2), nil).Once()
	idem.On("DeleteExpired", mock.Anything, now).Return(int64(4), nil).Once()
	rec.On("RecoverStuck", mock.Anything).Return(5, nil).Once()

	s := New(events, idem, rec, clockwork.NewFakeClockAt(now), retention, nil, slog.Default())
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 23, n)

	events.AssertExpectations(t)
	idem.AssertExpectations(t)
	rec.AssertExpectations(t)
}

func TestSweep_StepFailureDoesNotStopOthers(t *testing.T) {
	events, idem, rec := new(mockEvents), new(mockIdempotency), new(mockRecoverer)
	dbErr := errors.New("connection reset")

	events.On("DiscardExpired", mock.Anything, now).Return(int64(0), dbErr).Once()
	events.On("DeleteSettledBefore", mock.Anything, mock.Anything).Return(int64(2), nil).Once()
	events.On("FailExhaustedLeases", mock.Anything, now).Return(int64(0), nil).Once()
	events.On("CountExpiredLeases", mock.Anything, now).Return(int64(0), nil).Once()
	idem.On("DeleteExpired", mock.Anything, now).Return(int64(0), dbErr).Once()
	rec.On("RecoverStuck", mock.Anything).Return(1, nil).Once()

	s := New(events, idem, rec, clockwork.NewFakeClockAt(now), time.Hour, nil, nil)
	n, err := s.Sweep(context.Background())
	require.ErrorIs(t, err, dbErr)
	assert.ErrorContains(t, err, "events_discarded")
	assert.ErrorContains(t, err, "idempotency_keys_deleted")
	assert.Equal(t, 3, n)

	events.AssertExpectations(t)
	idem.AssertExpectations(t)
	rec.AssertExpectations(t)
}
