package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/JuliaMoon1/gear/pkg/processor"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "gear", config.ServiceName)
	assert.Equal(t, "localhost:4317", config.OTLPEndpoint)
	assert.Equal(t, 1.0, config.SampleRate)
	assert.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	ctx, done := p.TrackOperation(context.Background(), "noop", attribute.String("k", "v"))
	assert.NotNil(t, ctx)
	done(errors.New("boom"))
	done(nil)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderEnabled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Insecure = true
	cfg.SampleRate = 0.5

	// The exporters dial lazily, so no collector is needed to construct them.
	p, err := New(ctx, cfg)
	require.NoError(t, err)
	_, done := p.TrackOperation(ctx, "enabled")
	done(nil)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer stop()
	_ = p.Shutdown(shutdownCtx)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sum(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "not an int64 sum: %T", data)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestEngineMetrics_RecordDispatch(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewEngineMetrics(mp.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordDispatch(ctx, &processor.DispatchResult{
		State:        processor.StateConsumed,
		Outcome:      &processor.DispatchOutcome{Kind: processor.OutcomeSuccess},
		GasBurned:    120,
		PagesRead:    3,
		PagesWritten: 1,
		Journal:      make(processor.Journal, 4),
	})
	m.RecordDispatch(ctx, &processor.DispatchResult{
		State:     processor.StateConsumed,
		Outcome:   &processor.DispatchOutcome{Kind: processor.OutcomeFailure, Code: "trap"},
		GasBurned: 30,
	})
	m.RecordDispatch(ctx, &processor.DispatchResult{State: processor.StateWaiting, GasBurned: 5})

	got := collect(t, reader)
	assert.Equal(t, int64(3), sum(t, got["gear.dispatches.total"]))
	assert.Equal(t, int64(155), sum(t, got["gear.gas.burned"]))
	assert.Equal(t, int64(3), sum(t, got["gear.pages.read"]))
	assert.Equal(t, int64(1), sum(t, got["gear.pages.written"]))

	dispatches := got["gear.dispatches.total"].(metricdata.Sum[int64])
	assert.Len(t, dispatches.DataPoints, 3)
	for _, dp := range dispatches.DataPoints {
		if v, ok := dp.Attributes.Value(AttrErrorCode); ok {
			assert.Equal(t, "trap", v.AsString())
		}
	}

	notes, ok := got["gear.journal.notes"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, notes.DataPoints, 1)
	assert.Equal(t, uint64(3), notes.DataPoints[0].Count)
	assert.Equal(t, int64(4), notes.DataPoints[0].Sum)
}

func TestEngineMetrics_RecordBlock(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewEngineMetrics(mp.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordBlock(ctx, 500, 2, true)
	m.RecordBlock(ctx, 100, 0, false)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sum(t, got["gear.blocks.total"]))

	gauge, ok := got["gear.queue.remaining"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(0), gauge.DataPoints[0].Value)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, int64(7), clamp(7))
	assert.Equal(t, int64(1<<63-1), clamp(^uint64(0)))
}
