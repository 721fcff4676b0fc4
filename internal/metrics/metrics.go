package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_queue_jobs_enqueued_total",
			Help: "Total number of jobs appended to a queue",
		},
		[]string{"queue"},
	)

	// outcome: succeeded | failed
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_queue_jobs_processed_total",
			Help: "Total number of job executions by outcome",
		},
		[]string{"queue", "outcome"},
	)

	ClaimErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_queue_claim_errors_total",
			Help: "Total number of failed claim attempts",
		},
		[]string{"queue"},
	)

	// Outcome reports rejected because the lease had already been lost.
	LeaseLostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_queue_lease_lost_total",
			Help: "Total number of late outcome reports for leases no longer held",
		},
		[]string{"queue"},
	)

	// kind: stalled | failed | promoted
	RecoveredJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_queue_recovered_jobs_total",
			Help: "Total number of jobs moved by store maintenance",
		},
		[]string{"queue", "kind"},
	)

	JobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trigger_queue_jobs_in_flight",
			Help: "Current number of leased jobs held by this process",
		},
		[]string{"queue"},
	)

	// Buckets: 5ms .. ~164s
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trigger_queue_job_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 16),
		},
		[]string{"queue", "outcome"},
	)
)
