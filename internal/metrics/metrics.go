// Package metrics holds the gateway's Prometheus collectors. All are
// registered on the default registry and served by promhttp in cmd/.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal counts pipeline outcomes. Outcome is "finalized",
	// "error", or "fallback_resolved".
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbo_da",
		Name:      "submissions_total",
		Help:      "Submission pipeline outcomes.",
	}, []string{"outcome"})

	// CreditRejections counts admission refusals by stable error kind.
	CreditRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbo_da",
		Name:      "credit_rejections_total",
		Help:      "Credit gate refusals by kind.",
	}, []string{"kind"})

	// SubmitDuration observes the chain submit-and-watch latency.
	SubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "turbo_da",
		Name:      "chain_submit_duration_seconds",
		Help:      "Latency of submit-and-watch-inclusion.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// IntakeTotal counts accepted intake requests.
	IntakeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turbo_da",
		Name:      "intake_total",
		Help:      "Submissions accepted at the HTTP boundary.",
	})

	// DispatchDropped counts broadcast messages dropped on overflow.
	DispatchDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turbo_da",
		Name:      "dispatch_dropped_total",
		Help:      "Dispatch messages dropped due to buffer overflow.",
	})

	// ReconcilerPasses counts reconciler ticks that ran a scan.
	ReconcilerPasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turbo_da",
		Name:      "reconciler_passes_total",
		Help:      "Fallback reconciler scan passes.",
	})

	// ReconcilerRecovered counts submissions the reconciler finalized.
	ReconcilerRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turbo_da",
		Name:      "reconciler_recovered_total",
		Help:      "Submissions recovered by the fallback reconciler.",
	})

	// WorkerRespawns counts supervisor-initiated worker restarts.
	WorkerRespawns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turbo_da",
		Name:      "worker_respawns_total",
		Help:      "Workers respawned after missed heartbeats.",
	})
)
