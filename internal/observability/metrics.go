package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_requests_total",
			Help: "Total HTTP requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// dispatch actions executed, labelled by landing page mode
	DispatchCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_dispatch_total",
			Help: "Total dispatch actions executed",
		},
		[]string{"mode"},
	)

	// events emitted, labelled by type
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_events_total",
			Help: "Total events emitted",
		},
		[]string{"type"},
	)

	// event rows that failed to insert
	EventInsertErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_event_insert_errors_total",
			Help: "Total event insert failures",
		},
	)

	// requests short-circuited by the block filter or bot verdict
	BlockedCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_blocked_total",
			Help: "Total requests routed to the safe page",
		},
		[]string{"reason"},
	)

	// destination/platform cache effectiveness
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_cache_lookups_total",
			Help: "Cache lookups by cache name and outcome",
		},
		[]string{"cache", "outcome"},
	)

	// upstream fetch outcomes for proxy and modifications actions
	UpstreamFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_upstream_fetches_total",
			Help: "Upstream fetches by status class",
		},
		[]string{"status"},
	)

	// upstream fetch latency
	UpstreamLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_upstream_duration_seconds",
			Help:    "Duration of upstream fetches",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		DispatchCount,
		EventCount,
		EventInsertErrors,
		BlockedCount,
		CacheLookups,
		UpstreamFetches,
		UpstreamLatency,
	)
}
