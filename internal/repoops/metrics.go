package repoops

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	phases   metric.Int64Counter
	duration metric.Float64Histogram
	skipped  metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	phases, err := meter.Int64Counter(
		"repoflow.repoops.phases",
		metric.WithDescription("Pipeline phases finished, by phase and status"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create phases counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"repoflow.repoops.phase.duration",
		metric.WithDescription("Pipeline phase duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create phase duration histogram: %w", err)
	}

	skipped, err := meter.Int64Counter(
		"repoflow.repoops.changes.skipped",
		metric.WithDescription("Proposed changes skipped at apply, by reason"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create skipped counter: %w", err)
	}

	return &metrics{phases: phases, duration: duration, skipped: skipped}, nil
}

func (m *metrics) phase(ctx context.Context, phase Phase, status PhaseStatus, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.String("status", string(status)),
	)
	m.phases.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *metrics) skip(ctx context.Context, reason string) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
