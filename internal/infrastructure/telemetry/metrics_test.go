package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestMetrics_RecordsDeliveryCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	m, err := NewMetricsWithProvider(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.MessageAcknowledged(ctx)
	m.MessageAcknowledged(ctx)
	m.MessagePersisted(ctx)
	m.IntegrityRisk(ctx, "persist")
	m.FanoutFailed(ctx, "messageReceived")
	m.CacheFallback(ctx, "hot_buffer")
	m.ConnectionOpened(ctx)
	m.ConnectionOpened(ctx)
	m.ConnectionClosed(ctx)

	totals := collect(t, reader)
	assert.EqualValues(t, 2, totals["chat_messages_acknowledged_total"])
	assert.EqualValues(t, 1, totals["chat_messages_persisted_total"])
	assert.EqualValues(t, 1, totals["chat_integrity_risk_total"])
	assert.EqualValues(t, 1, totals["chat_fanout_failures_total"])
	assert.EqualValues(t, 1, totals["chat_cache_fallbacks_total"])
	assert.EqualValues(t, 1, totals["chat_gateway_connections"])
}

func TestNewMeterProvider_None(t *testing.T) {
	provider, err := NewMeterProvider(context.Background(), "none", "", "gw-1")
	require.NoError(t, err)
	assert.Nil(t, provider)

	_, err = NewMeterProvider(context.Background(), "statsd", "", "gw-1")
	assert.Error(t, err)
}
