// Prometheus collectors for the job runner core. Registered on the default
// registry at init so /metrics picks them up with no extra wiring.
package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsActive tracks the number of stored jobs (all statuses).
	jobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pagewatch_jobs_active",
		Help: "Number of jobs currently stored.",
	})

	// runsTotal counts finished executions by outcome (success|failure).
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagewatch_runs_total",
		Help: "Completed capture runs by outcome.",
	}, []string{"outcome"})

	// runDuration observes end-to-end execution latency per run.
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagewatch_run_duration_seconds",
		Help:    "End-to-end capture run duration.",
		Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 120, 240},
	})

	// runsThrottled counts sweep dispatches deferred by the concurrency cap.
	runsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagewatch_runs_throttled_total",
		Help: "Due job runs deferred because the concurrency limit was reached.",
	})

	// webhookDeliveries counts per-field webhook attempts by outcome.
	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagewatch_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome (delivered|failed|skipped).",
	}, []string{"outcome"})
)
