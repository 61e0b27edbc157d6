package liveness

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workersDetectedDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestra_liveness_workers_detected_dead_total",
		Help: "Workers transitioned out of RUNNING after a heartbeat timeout.",
	})

	workersRetiredUnclean = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestra_liveness_workers_retired_unclean_total",
		Help: "Workers retired via the unclean path (jobs re-emitted).",
	})

	workersRetiredClean = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestra_liveness_workers_retired_clean_total",
		Help: "Workers retired after a graceful shutdown (no re-emission).",
	})

	jobsReemitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestra_liveness_jobs_reemitted_total",
		Help: "In-flight jobs returned to the queue for re-execution.",
	})

	jobsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestra_liveness_jobs_recovered_total",
		Help: "Orphaned running jobs requeued because their worker's registry row is gone.",
	})

	workersPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestra_liveness_workers_purged_total",
		Help: "Retired registry rows deleted by the cleanup pass.",
	})

	tickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestra_liveness_tick_failures_total",
		Help: "Reconciliation ticks that ended with an error.",
	})
)
