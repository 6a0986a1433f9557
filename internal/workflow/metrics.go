package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished workflow runs.
	// Labels: status (ok, failed, error, pending_approval)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repoflow",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Total number of workflow runs by terminal status",
		},
		[]string{"status"},
	)

	// StepsTotal counts executed steps.
	// Labels: kind (model, execute, repoops), outcome (ok, failed)
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repoflow",
			Subsystem: "workflow",
			Name:      "steps_total",
			Help:      "Total number of workflow steps executed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// StepDuration tracks step wall time by kind.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "repoflow",
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of workflow steps in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
		[]string{"kind"},
	)
)
