package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted counts accepted job submissions.
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "repoflow",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total number of asynchronous pipeline jobs submitted",
		},
	)

	// JobsFinished counts jobs leaving the running state.
	// Labels: status (completed, failed, pending_approval)
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repoflow",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total number of job executions that stopped, by resulting status",
		},
		[]string{"status"},
	)

	// JobsRunning is the number of jobs holding a concurrency slot.
	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "repoflow",
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Number of jobs currently executing",
		},
	)

	// JobDuration tracks wall time per execution segment (submit or approve).
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "repoflow",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)
)
