package stepexec

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attempt outcomes.
const (
	outcomeValid    = "valid"
	outcomeNotJSON  = "not_json"
	outcomeInvalid  = "invalid"
	outcomeUpstream = "upstream_error"
)

type metrics struct {
	attempts metric.Int64Counter
	perCall  metric.Int64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	attempts, err := meter.Int64Counter(
		"repoflow.stepexec.attempts",
		metric.WithDescription("Model calls made by the step executor, by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}

	perCall, err := meter.Int64Histogram(
		"repoflow.stepexec.attempts_per_call",
		metric.WithDescription("Model calls needed per step execution"),
		metric.WithUnit("{attempt}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 8),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts histogram: %w", err)
	}

	return &metrics{attempts: attempts, perCall: perCall}, nil
}

func (m *metrics) attempt(ctx context.Context, schemaName, outcome string) {
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("schema", schemaName),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) finished(ctx context.Context, schemaName string, attempts int, valid bool) {
	m.perCall.Record(ctx, int64(attempts), metric.WithAttributes(
		attribute.String("schema", schemaName),
		attribute.Bool("valid", valid),
	))
}
