package voice

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetrics struct {
	jobs     metric.Int64Counter
	duration metric.Float64Histogram
}

func newPipelineMetrics(log *slog.Logger) *pipelineMetrics {
	meter := otel.Meter("github.com/ambiware-labs/timbre/voice")
	m := &pipelineMetrics{}

	jobs, err := meter.Int64Counter("timbre.pipeline.jobs",
		metric.WithDescription("Pipeline invocations by kind and outcome"))
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return m
	}
	duration, err := meter.Float64Histogram("timbre.pipeline.duration_seconds",
		metric.WithDescription("Pipeline invocation latency"),
		metric.WithUnit("s"))
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return m
	}

	m.jobs = jobs
	m.duration = duration
	return m
}

func (m *pipelineMetrics) observe(ctx context.Context, kind string, start time.Time, err error) {
	if m == nil || m.jobs == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.jobs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}
