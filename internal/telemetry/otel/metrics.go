package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the connect-gate counters. The zero value is not usable; call NewMetrics.
type Metrics struct {
	issued    metric.Int64Counter
	consumed  metric.Int64Counter
	mutations metric.Int64Counter
}

// NewMetrics registers the counters on mp, usually Providers.MeterProvider. A nil mp falls back
// to the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("connect-gate")
	issued, err := meter.Int64Counter("connect_tokens_issued_total",
		metric.WithDescription("Connect tokens issued."))
	if err != nil {
		return nil, err
	}
	consumed, err := meter.Int64Counter("connect_tokens_consumed_total",
		metric.WithDescription("Connect tokens consumed by the game server."))
	if err != nil {
		return nil, err
	}
	mutations, err := meter.Int64Counter("firewall_mutations_total",
		metric.WithDescription("Allow-set mutations by result."))
	if err != nil {
		return nil, err
	}
	return &Metrics{issued: issued, consumed: consumed, mutations: mutations}, nil
}

// TokenIssued counts one issued token. Safe on a nil receiver.
func (m *Metrics) TokenIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.issued.Add(ctx, 1)
}

// TokenConsumed counts one consumed token. Safe on a nil receiver.
func (m *Metrics) TokenConsumed(ctx context.Context) {
	if m == nil {
		return
	}
	m.consumed.Add(ctx, 1)
}

// FirewallMutation counts one allow-set mutation attempt with result "ok" or "failed". Safe on a nil receiver.
func (m *Metrics) FirewallMutation(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
