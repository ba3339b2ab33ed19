// Package metrics holds the Prometheus collectors shared by the acquisition layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheLookups counts resolver cache lookups by result: hit, miss, stale, error.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtrail_title_cache_lookups_total",
			Help: "Title cache lookups performed by the resolver",
		},
		[]string{"result"},
	)

	// CacheWrites counts upserts into the title cache by outcome.
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtrail_title_cache_writes_total",
			Help: "Title cache upserts by outcome",
		},
		[]string{"outcome"},
	)

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtrail_catalog_requests_total",
			Help: "Outbound catalog requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchtrail_catalog_request_duration_seconds",
			Help:    "Latency of outbound catalog requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchtrail_catalog_circuit_breaker_state",
			Help: "Catalog circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BatchWaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtrail_batch_waves_total",
			Help: "Waves scheduled by bulk acquisitions",
		},
	)

	// BatchTitles counts per-identifier slots of bulk acquisitions: resolved or failed.
	BatchTitles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtrail_batch_titles_total",
			Help: "Identifier slots processed by bulk acquisitions",
		},
		[]string{"outcome"},
	)

	EnrichedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtrail_enriched_records_total",
			Help: "Activity records projected by the enricher",
		},
		[]string{"result"},
	)

	NotifierEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtrail_notifier_events_total",
			Help: "Change notifications by event and delivery outcome",
		},
		[]string{"event", "outcome"},
	)

	NotifierSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchtrail_notifier_sessions",
			Help: "Live-update sessions currently joined",
		},
	)
)
