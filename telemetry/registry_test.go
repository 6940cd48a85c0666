package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// testRegistry builds a registry over a manual reader so assertions can
// collect what was actually recorded.
func testRegistry(t *testing.T, limit int) (*Registry, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
	})
	return newRegistry(mp.Meter("test"), limit), reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRegistryCounterGaugeHistogram(t *testing.T) {
	reg, reader := testRegistry(t, 100)

	reg.Counter("connmgr.sends_total", "kind", "device")
	reg.Counter("connmgr.sends_total", "kind", "device")
	reg.Gauge("connmgr.sessions", 5, "kind", "customer")
	reg.Histogram("queue.claim.duration_ms", 12.5)

	metrics := collect(t, reader)
	require.Contains(t, metrics, "connmgr.sends_total")
	require.Contains(t, metrics, "connmgr.sessions")
	require.Contains(t, metrics, "queue.claim.duration_ms")

	sum, ok := metrics["connmgr.sends_total"].Data.(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, 2.0, sum.DataPoints[0].Value)
}

func TestEmitWithContextRouting(t *testing.T) {
	reg, reader := testRegistry(t, 100)
	ctx := context.Background()

	reg.EmitWithContext(ctx, "queue.enqueued_total", 1)
	reg.EmitWithContext(ctx, "hitl.decide.duration_ms", 42)
	reg.EmitWithContext(ctx, "connmgr.queue_depth", 3)

	metrics := collect(t, reader)
	_, isSum := metrics["queue.enqueued_total"].Data.(metricdata.Sum[float64])
	assert.True(t, isSum, "_total routes to a counter")
	_, isHist := metrics["hitl.decide.duration_ms"].Data.(metricdata.Histogram[float64])
	assert.True(t, isHist, "_ms routes to a histogram")
	_, isGauge := metrics["connmgr.queue_depth"].Data.(metricdata.Gauge[float64])
	assert.True(t, isGauge, "bare name routes to a gauge")
}

func TestEmitWithContextMergesBaggage(t *testing.T) {
	reg, reader := testRegistry(t, 100)
	ctx := WithBaggage(context.Background(), "tenant", "t-1")

	reg.EmitWithContext(ctx, "queue.enqueued_total", 1)

	metrics := collect(t, reader)
	sum, ok := metrics["queue.enqueued_total"].Data.(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	v, found := sum.DataPoints[0].Attributes.Value("tenant")
	require.True(t, found)
	assert.Equal(t, "t-1", v.AsString())
}

func TestCardinalityLimitDropsNewSeries(t *testing.T) {
	reg, reader := testRegistry(t, 2)

	reg.Counter("gateway.ops_total", "op", "a")
	reg.Counter("gateway.ops_total", "op", "b")
	reg.Counter("gateway.ops_total", "op", "c") // over budget, dropped
	reg.Counter("gateway.ops_total", "op", "a") // existing series still lands

	assert.Equal(t, uint64(1), reg.Dropped())

	metrics := collect(t, reader)
	sum, ok := metrics["gateway.ops_total"].Data.(metricdata.Sum[float64])
	require.True(t, ok)
	assert.Len(t, sum.DataPoints, 2)
}

func TestBaggageMergeAndIsolation(t *testing.T) {
	base := context.Background()
	assert.Nil(t, GetBaggage(base))

	ctx := WithBaggage(base, "tenant", "t-1")
	ctx2 := WithBaggage(ctx, "device", "d-1", "tenant", "t-2")

	assert.Equal(t, map[string]string{"tenant": "t-1"}, GetBaggage(ctx))
	assert.Equal(t, map[string]string{"tenant": "t-2", "device": "d-1"}, GetBaggage(ctx2))

	// Odd label counts are ignored rather than half-applied.
	assert.Equal(t, GetBaggage(ctx), GetBaggage(WithBaggage(ctx, "orphan")))
}
