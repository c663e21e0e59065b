package weave

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of the hook metrics.
const meterName = "github.com/zero-day-ai/inspect-wandb/weave"

// Evaluation outcomes recorded by the evaluations counter.
const (
	outcomeClean  = "clean"
	outcomeFailed = "failed"
)

// hookMetrics holds the OpenTelemetry instruments of the weave hooks.
// A nil *hookMetrics records nothing.
type hookMetrics struct {
	// predictions counts logged predictions per task.
	predictions metric.Int64Counter

	// scores records numeric score values per scorer.
	scores metric.Float64Histogram

	// sampleDuration records sample wall-clock time in seconds.
	sampleDuration metric.Float64Histogram

	// evaluations counts finished evaluations by outcome.
	evaluations metric.Int64Counter
}

func newHookMetrics(provider metric.MeterProvider) (*hookMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(meterName)

	m := &hookMetrics{}
	var err error

	m.predictions, err = meter.Int64Counter(
		"inspect_wandb.weave.predictions",
		metric.WithDescription("Number of predictions logged to the tracer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create predictions counter: %w", err)
	}

	m.scores, err = meter.Float64Histogram(
		"inspect_wandb.weave.score",
		metric.WithDescription("Numeric score values logged to the tracer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create score histogram: %w", err)
	}

	m.sampleDuration, err = meter.Float64Histogram(
		"inspect_wandb.weave.sample.duration",
		metric.WithDescription("Sample wall-clock time reported by the harness"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sample duration histogram: %w", err)
	}

	m.evaluations, err = meter.Int64Counter(
		"inspect_wandb.weave.evaluations",
		metric.WithDescription("Number of finished evaluations by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create evaluations counter: %w", err)
	}

	return m, nil
}

func (m *hookMetrics) recordPrediction(ctx context.Context, task string) {
	if m == nil {
		return
	}
	m.predictions.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}

func (m *hookMetrics) recordScore(ctx context.Context, task, scorer string, value float64) {
	if m == nil {
		return
	}
	m.scores.Record(ctx, value, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("scorer", scorer),
	))
}

func (m *hookMetrics) recordSampleDuration(ctx context.Context, task string, seconds float64) {
	if m == nil {
		return
	}
	m.sampleDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("task", task)))
}

func (m *hookMetrics) recordEvaluation(ctx context.Context, task string, err error) {
	if m == nil {
		return
	}
	outcome := outcomeClean
	if err != nil {
		outcome = outcomeFailed
	}
	m.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("outcome", outcome),
	))
}
