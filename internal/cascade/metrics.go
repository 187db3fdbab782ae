package cascade

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/ragcascade/internal/model"
	"github.com/ashita-ai/ragcascade/internal/telemetry"
)

type metrics struct {
	runs       metric.Int64Counter
	duration   metric.Float64Histogram
	nodes      metric.Int64Counter
	nodeErrors metric.Int64Counter
	rejected   metric.Int64Counter
}

// newMetrics registers the cascade instruments on the global meter. Instrument
// creation only fails on invalid names, so errors are dropped and the no-op
// instrument returned alongside them is used.
func newMetrics() *metrics {
	meter := telemetry.Meter("ragcascade/cascade")
	m := &metrics{}
	m.runs, _ = meter.Int64Counter("ragcascade.cascade.runs",
		metric.WithDescription("Cascade runs by outcome"))
	m.duration, _ = meter.Float64Histogram("ragcascade.cascade.duration",
		metric.WithDescription("Wall time of a cascade run"),
		metric.WithUnit("s"))
	m.nodes, _ = meter.Int64Counter("ragcascade.cascade.nodes",
		metric.WithDescription("Snapshots committed"))
	m.nodeErrors, _ = meter.Int64Counter("ragcascade.cascade.node_errors",
		metric.WithDescription("Nodes marked NotSet because of a configuration error"))
	m.rejected, _ = meter.Int64Counter("ragcascade.cascade.rejected_scores",
		metric.WithDescription("Raw scores excluded by validation"))
	return m
}

func (m *metrics) record(ctx context.Context, outcome string, partial bool, run model.CascadeRun, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("partial", partial),
	)
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	if outcome == "committed" {
		m.nodes.Add(ctx, int64(run.NodeCount))
	}
}

func (m *metrics) nodeError(ctx context.Context, kind model.NodeKind) {
	m.nodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *metrics) rejections(ctx context.Context, n int) {
	m.rejected.Add(ctx, int64(n))
}
