package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "gamechat"

// Metrics holds the delivery counters. Without a configured MeterProvider
// the global no-op provider is used.
type Metrics struct {
	acknowledged   metric.Int64Counter
	persisted      metric.Int64Counter
	integrityRisk  metric.Int64Counter
	fanoutFailures metric.Int64Counter
	cacheFallbacks metric.Int64Counter
	connections    metric.Int64UpDownCounter
}

func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

func NewMetricsWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.acknowledged, err = meter.Int64Counter("chat_messages_acknowledged_total",
		metric.WithDescription("Messages acknowledged to their sender")); err != nil {
		return nil, err
	}
	if m.persisted, err = meter.Int64Counter("chat_messages_persisted_total",
		metric.WithDescription("Messages written to the durable store")); err != nil {
		return nil, err
	}
	if m.integrityRisk, err = meter.Int64Counter("chat_integrity_risk_total",
		metric.WithDescription("Background failures after a message was acknowledged")); err != nil {
		return nil, err
	}
	if m.fanoutFailures, err = meter.Int64Counter("chat_fanout_failures_total",
		metric.WithDescription("Events that could not be published to the fanout bus")); err != nil {
		return nil, err
	}
	if m.cacheFallbacks, err = meter.Int64Counter("chat_cache_fallbacks_total",
		metric.WithDescription("Reads that bypassed a failed cache")); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64UpDownCounter("chat_gateway_connections",
		metric.WithDescription("Open realtime connections on this instance")); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics is used by tests and tools that never export.
func NoopMetrics() *Metrics {
	m, _ := NewMetricsWithProvider(otel.GetMeterProvider())
	return m
}

func (m *Metrics) MessageAcknowledged(ctx context.Context) {
	m.acknowledged.Add(ctx, 1)
}

func (m *Metrics) MessagePersisted(ctx context.Context) {
	m.persisted.Add(ctx, 1)
}

func (m *Metrics) IntegrityRisk(ctx context.Context, stage string) {
	m.integrityRisk.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) FanoutFailed(ctx context.Context, event string) {
	m.fanoutFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *Metrics) CacheFallback(ctx context.Context, cache string) {
	m.cacheFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	m.connections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	m.connections.Add(ctx, -1)
}
