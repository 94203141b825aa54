package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	deliveryAttempts    metric.Int64Counter
	deliveryDuration    metric.Float64Histogram
	deliveriesSettled   metric.Int64Counter
	deliveriesRecovered metric.Int64Counter
	eventsClaimed       metric.Int64Counter
	eventsSettled       metric.Int64Counter
	leaseExpirations    metric.Int64Counter
	paymentTransitions  metric.Int64Counter
	refundsSettled      metric.Int64Counter
	sweptRows           metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.deliveryAttempts, "eventpay_delivery_attempts_total", "Webhook delivery attempts by outcome"},
		{&m.deliveriesSettled, "eventpay_deliveries_settled_total", "Deliveries finalized by resulting status"},
		{&m.deliveriesRecovered, "eventpay_deliveries_recovered_total", "Deliveries recovered after a worker died mid-attempt"},
		{&m.eventsClaimed, "eventpay_events_claimed_total", "Events leased by queue workers"},
		{&m.eventsSettled, "eventpay_events_settled_total", "Events completed or failed by resulting status"},
		{&m.leaseExpirations, "eventpay_event_lease_expirations_total", "Event leases observed expired"},
		{&m.paymentTransitions, "eventpay_payment_transitions_total", "Payment status transitions by target status"},
		{&m.refundsSettled, "eventpay_refunds_settled_total", "Refunds settled by resulting status"},
		{&m.sweptRows, "eventpay_swept_rows_total", "Rows expired or deleted by the sweeper"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("NewMetrics: %s: %w", c.name, err)
		}
	}

	m.deliveryDuration, err = meter.Float64Histogram(
		"eventpay_delivery_duration_seconds",
		metric.WithDescription("Duration of webhook HTTP calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("NewMetrics: delivery duration: %w", err)
	}

	return &m, nil
}

func (m *Metrics) DeliveryAttempt(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.deliveryAttempts.Add(ctx, 1, attrs)
	m.deliveryDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) DeliverySettled(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.deliveriesSettled.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) DeliveryRecovered(ctx context.Context) {
	if m == nil {
		return
	}
	m.deliveriesRecovered.Add(ctx, 1)
}

func (m *Metrics) EventsClaimed(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventsClaimed.Add(ctx, int64(n))
}

func (m *Metrics) EventSettled(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.eventsSettled.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) LeaseExpirations(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.leaseExpirations.Add(ctx, n)
}

func (m *Metrics) PaymentTransition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.paymentTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", to)))
}

func (m *Metrics) RefundSettled(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.refundsSettled.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) Swept(ctx context.Context, kind string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.sweptRows.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
}
