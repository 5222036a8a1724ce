package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/JuliaMoon1/gear/pkg/processor"
)

// Attribute keys shared by engine spans and metrics.
var (
	AttrOperation = attribute.Key("gear.operation")
	AttrState     = attribute.Key("gear.dispatch.state")
	AttrOutcome   = attribute.Key("gear.dispatch.outcome")
	AttrErrorCode = attribute.Key("gear.dispatch.error_code")
	AttrStopped   = attribute.Key("gear.block.stopped")
)

// EngineMetrics records one data point set per executed dispatch.
type EngineMetrics struct {
	dispatches   metric.Int64Counter
	gasBurned    metric.Int64Counter
	pagesRead    metric.Int64Counter
	pagesWritten metric.Int64Counter
	notes        metric.Int64Histogram

	blocks         metric.Int64Counter
	blockGas       metric.Int64Histogram
	blockRemaining metric.Int64Gauge
}

var _ processor.Metrics = (*EngineMetrics)(nil)

// NewEngineMetrics creates the instruments on meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var (
		m   EngineMetrics
		err error
	)
	if m.dispatches, err = meter.Int64Counter("gear.dispatches.total",
		metric.WithDescription("Dispatches executed, by end state and outcome"),
		metric.WithUnit("{dispatch}")); err != nil {
		return nil, err
	}
	if m.gasBurned, err = meter.Int64Counter("gear.gas.burned",
		metric.WithDescription("Gas burned by executed dispatches"),
		metric.WithUnit("{gas}")); err != nil {
		return nil, err
	}
	if m.pagesRead, err = meter.Int64Counter("gear.pages.read",
		metric.WithDescription("Native pages faulted in for reading"),
		metric.WithUnit("{page}")); err != nil {
		return nil, err
	}
	if m.pagesWritten, err = meter.Int64Counter("gear.pages.written",
		metric.WithDescription("Native pages written"),
		metric.WithUnit("{page}")); err != nil {
		return nil, err
	}
	if m.notes, err = meter.Int64Histogram("gear.journal.notes",
		metric.WithDescription("Journal notes per dispatch"),
		metric.WithUnit("{note}"),
		metric.WithExplicitBucketBoundaries(1, 2, 4, 8, 16, 32, 64, 128, 256, 1024)); err != nil {
		return nil, err
	}
	if m.blocks, err = meter.Int64Counter("gear.blocks.total",
		metric.WithDescription("Block passes completed"),
		metric.WithUnit("{block}")); err != nil {
		return nil, err
	}
	if m.blockGas, err = meter.Int64Histogram("gear.block.gas",
		metric.WithDescription("Gas burned per block"),
		metric.WithUnit("{gas}")); err != nil {
		return nil, err
	}
	if m.blockRemaining, err = meter.Int64Gauge("gear.queue.remaining",
		metric.WithDescription("Dispatches left queued after the last block"),
		metric.WithUnit("{dispatch}")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordDispatch implements processor.Metrics.
func (m *EngineMetrics) RecordDispatch(ctx context.Context, r *processor.DispatchResult) {
	attrs := []attribute.KeyValue{AttrState.String(string(r.State))}
	if r.Outcome != nil {
		attrs = append(attrs, AttrOutcome.String(string(r.Outcome.Kind)))
		if r.Outcome.Code != "" {
			attrs = append(attrs, AttrErrorCode.String(r.Outcome.Code))
		}
	}
	set := metric.WithAttributes(attrs...)
	m.dispatches.Add(ctx, 1, set)
	m.gasBurned.Add(ctx, clamp(r.GasBurned), set)
	m.pagesRead.Add(ctx, int64(r.PagesRead))
	m.pagesWritten.Add(ctx, int64(r.PagesWritten))
	m.notes.Record(ctx, int64(len(r.Journal)))
}

// RecordBlock records the totals of one block pass.
func (m *EngineMetrics) RecordBlock(ctx context.Context, gasBurned, remaining uint64, stopped bool) {
	set := metric.WithAttributes(AttrStopped.Bool(stopped))
	m.blocks.Add(ctx, 1, set)
	m.blockGas.Record(ctx, clamp(gasBurned), set)
	m.blockRemaining.Record(ctx, clamp(remaining))
}

func clamp(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}
