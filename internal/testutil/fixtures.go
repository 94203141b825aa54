package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/josh-kwaku/eventpay/internal/domain"
)

var OwnerID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// SeedPayment inserts a payment directly in the given status, bypassing the
// state machine and the status log.
func SeedPayment(t *testing.T, db *sql.DB, amount int64, currency domain.Currency, status domain.PaymentStatus) *domain.Payment {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Microsecond)
	p := &domain.Payment{
		ID:        uuid.New(),
		Amount:    amount,
		Currency:  currency,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := db.Exec(
		`INSERT INTO payments (id, amount, currency, status, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $5)`,
		p.ID, p.Amount, p.Currency, p.Status, now,
	)
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return p
}

func SeedWebhook(t *testing.T, db *sql.DB, ownerID uuid.UUID, url string, patterns ...string) *domain.Webhook {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Microsecond)
	w := &domain.Webhook{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		URL:         url,
		Method:      "POST",
		Events:      patterns,
		Secret:      "whsec_test",
		Status:      domain.WebhookStatusActive,
		Timeout:     domain.DefaultWebhookTimeout,
		RetryPolicy: domain.DefaultRetryPolicy(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := db.Exec(
		`INSERT INTO webhooks (id, owner_id, url, method, events, secret, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		w.ID, w.OwnerID, w.URL, w.Method, pq.Array(w.Events), w.Secret, w.Status, now,
	)
	if err != nil {
		t.Fatalf("seed webhook: %v", err)
	}
	return w
}

func CountStatusLogEntries(t *testing.T, db *sql.DB, entityID uuid.UUID) int {
	t.Helper()

	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM status_log_entries WHERE entity_id = $1`, entityID).Scan(&n)
	if err != nil {
		t.Fatalf("count status log entries: %v", err)
	}
	return n
}

func CountEvents(t *testing.T, db *sql.DB, name string) int {
	t.Helper()

	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE name = $1`, name).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func SumProcessedRefunds(t *testing.T, db *sql.DB, paymentID uuid.UUID) int64 {
	t.Helper()

	var total int64
	err := db.QueryRow(
		`SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE payment_id = $1 AND status = 'processed'`,
		paymentID,
	).Scan(&total)
	if err != nil {
		t.Fatalf("sum processed refunds: %v", err)
	}
	return total
}

func GetPaymentStatus(t *testing.T, db *sql.DB, id uuid.UUID) domain.PaymentStatus {
	t.Helper()

	var status domain.PaymentStatus
	if err := db.QueryRow(`SELECT status FROM payments WHERE id = $1`, id).Scan(&status); err != nil {
		t.Fatalf("get payment status: %v", err)
	}
	return status
}
