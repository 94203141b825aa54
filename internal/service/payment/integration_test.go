package payment

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/eventpay/internal/domain"
	"github.com/josh-kwaku/eventpay/internal/repository"
	"github.com/josh-kwaku/eventpay/internal/service/eventqueue"
	"github.com/josh-kwaku/eventpay/internal/service/statuslog"
	"github.com/josh-kwaku/eventpay/internal/testutil"
)

func setupPaymentTest(t *testing.T, db *sql.DB) (*Service, *statuslog.Ledger) {
	t.Helper()

	clock := clockwork.NewRealClock()
	ledger := statuslog.NewLedger(repository.NewStatusLogRepository(db), clock)
	queue := eventqueue.NewQueue(repository.NewEventRepository(db), clock, eventqueue.Options{}, nil, slog.Default())

	svc := NewService(
		repository.NewPaymentRepository(db),
		repository.NewRefundRepository(db),
		ledger,
		queue,
		repository.NewTxManager(db),
		clock,
		nil,
		slog.Default(),
	)
	return svc, ledger
}

func TestPaymentLifecycle_Postgres(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc, ledger := setupPaymentTest(t, db)
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateInput{Amount: 25000, Currency: domain.CurrencyNGN, OrderRef: "ord-9"}, "user:buyer")
	require.NoError(t, err)

	for _, to := range []domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusCaptured} {
		p, err = svc.Transition(ctx, p.ID, to, domain.ActorSystem, "")
		require.NoError(t, err)
	}

	stored, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCaptured, stored.Status)
	assert.Equal(t, int64(2), stored.Version)
	assert.NotNil(t, stored.PaidAt)

	assert.Equal(t, 3, testutil.CountStatusLogEntries(t, db, p.ID))
	assert.Equal(t, 1, testutil.CountEvents(t, db, "payment.captured"))
	require.NoError(t, ledger.VerifyProjection(ctx, domain.PaymentRef(p.ID), string(stored.Status)))

	spans, err := svc.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, spans, 3)
	assert.Equal(t, "captured", spans[2].Status)
	assert.Nil(t, spans[2].ExitedAt)
}

func TestTransition_RejectedLeavesNoTrace_Postgres(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc, _ := setupPaymentTest(t, db)
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateInput{Amount: 100, Currency: domain.CurrencyUSD}, domain.ActorSystem)
	require.NoError(t, err)

	_, err = svc.Transition(ctx, p.ID, domain.PaymentStatusRefunded, domain.ActorSystem, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Equal(t, domain.PaymentStatusCreated, testutil.GetPaymentStatus(t, db, p.ID))
	assert.Equal(t, 1, testutil.CountStatusLogEntries(t, db, p.ID))
	assert.Equal(t, 0, testutil.CountEvents(t, db, "payment.refunded"))
}
