// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VerifierOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpaths_verifier_outcomes_total",
			Help: "Finalize notifications processed, by outcome",
		},
		[]string{"outcome"},
	)

	PathAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dotpaths_path_appends_total",
			Help: "Points appended to dot paths",
		},
	)

	PathSimplifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dotpaths_path_simplifications_total",
			Help: "Simplification passes applied to integrated paths",
		},
	)

	FallbackLocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpaths_fallback_locations_total",
			Help: "Synthesized fallback locations, by mode",
		},
		[]string{"mode"},
	)

	CounterDeltas = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpaths_counter_deltas_total",
			Help: "Upload change events applied to the global counter, by delta",
		},
		[]string{"delta"},
	)

	StoreTxRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpaths_store_tx_retries_total",
			Help: "Store transactions retried after a serialization conflict, by operation",
		},
		[]string{"operation"},
	)

	CleanupDeletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpaths_cleanup_deletions_total",
			Help: "Expired pending uploads handled by cleanup, by result",
		},
		[]string{"result"},
	)

	PurgedDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpaths_purged_documents_total",
			Help: "Documents removed by collection purges",
		},
		[]string{"collection"},
	)

	DispatcherEnvelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpaths_dispatcher_envelopes_total",
			Help: "Trigger envelopes processed, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	DispatcherQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dotpaths_dispatcher_queue_depth",
			Help: "Envelopes waiting in the trigger queue",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpaths_http_requests_total",
			Help: "HTTP requests served, by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dotpaths_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func RecordHTTP(route string, status int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func RecordCounterDelta(delta int64) {
	CounterDeltas.WithLabelValues(strconv.FormatInt(delta, 10)).Inc()
}
