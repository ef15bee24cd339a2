package runner

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/zero-day-ai/rubriceval/runner"

// unitMetrics holds the instruments recorded once per unit.
type unitMetrics struct {
	// score records completed unit scores (0.0 to 1.0).
	score metric.Float64Histogram

	// duration records unit wall time in milliseconds.
	duration metric.Float64Histogram

	// count is incremented per finished unit, by status.
	count metric.Int64Counter
}

func newUnitMetrics(meter metric.Meter) (*unitMetrics, error) {
	m := &unitMetrics{}
	var err error

	m.score, err = meter.Float64Histogram(
		"rubriceval.unit.score",
		metric.WithDescription("Completion score of an evaluated answer from 0.0 to 1.0"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create score histogram: %w", err)
	}

	m.duration, err = meter.Float64Histogram(
		"rubriceval.unit.duration",
		metric.WithDescription("Evaluation duration of one answer in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	m.count, err = meter.Int64Counter(
		"rubriceval.unit.count",
		metric.WithDescription("Number of answers evaluated"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create count counter: %w", err)
	}

	return m, nil
}

func (s *runState) startUnitSpan(ctx context.Context, k Key) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "rubriceval.unit", trace.WithAttributes(
		attribute.String("run.id", s.runID),
		attribute.String("agent", k.Agent),
		attribute.String("task.id", k.TaskID),
		attribute.String("answer.id", k.AnswerID),
	))
}

// finishUnit annotates the unit span and records metrics for rec.
func (s *runState) finishUnit(ctx context.Context, span trace.Span, rec Record) {
	span.SetAttributes(
		attribute.String("unit.status", string(rec.Status)),
		attribute.Float64("unit.score", rec.Score),
		attribute.Int("unit.judge_calls", rec.JudgeCalls),
		attribute.Int64("unit.duration_ms", rec.DurationMS),
	)
	if rec.Error != nil {
		span.SetAttributes(attribute.String("error.kind", string(rec.Error.Kind)))
		span.RecordError(fmt.Errorf("%s", rec.Error.Message))
		span.SetStatus(codes.Error, rec.Error.Message)
	} else {
		span.SetStatus(codes.Ok, fmt.Sprintf("score %.3f", rec.Score))
	}

	opts := metric.WithAttributes(
		attribute.String("agent", rec.Agent),
		attribute.String("task.id", rec.TaskID),
	)
	ctx = context.WithoutCancel(ctx)
	if rec.Status == StatusCompleted {
		s.metrics.score.Record(ctx, rec.Score, opts)
	}
	s.metrics.duration.Record(ctx, float64(rec.DurationMS), opts)
	s.metrics.count.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", rec.Agent),
		attribute.String("task.id", rec.TaskID),
		attribute.String("status", string(rec.Status)),
	))
}
