// Package metrics declares the Prometheus collectors of the tracker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileTotal counts finished reconciliation jobs by kind and result.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulntrack_reconcile_total",
		Help: "Reconciliation jobs by kind (create, update, delete) and result",
	}, []string{"kind", "result"})

	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vulntrack_reconcile_duration_seconds",
		Help:    "Reconciliation job duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"kind"})

	// EnrichmentRequests counts calls to the external authorities.
	EnrichmentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulntrack_enrichment_requests_total",
		Help: "Upstream requests by operation and outcome",
	}, []string{"operation", "outcome"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulntrack_cache_lookups_total",
		Help: "Cache lookups by key kind and result",
	}, []string{"kind", "result"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulntrack_rate_limited_total",
		Help: "Requests rejected by a rate limiter, by scope",
	}, []string{"scope"})

	IndexPackages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vulntrack_index_packages",
		Help: "Packages currently present in the dependency index",
	})

	IndexVersions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vulntrack_index_versions",
		Help: "Package versions currently present in the dependency index",
	})

	QueuedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vulntrack_queued_jobs",
		Help: "Reconciliation jobs waiting behind a running job of the same application",
	})
)
