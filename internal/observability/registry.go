package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics.
// Handlers depend on this instead of the global Prometheus collectors so
// tests can inject a no-op.
type MetricsRegistry interface {
	// HTTP request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Dispatch metrics
	IncrementDispatch(mode string)
	IncrementBlocked(reason string)

	// Event pipeline metrics
	IncrementEvent(eventType string)
	IncrementEventInsertErrors()

	// Cache metrics
	IncrementCacheLookup(cache, outcome string)

	// Upstream fetch metrics
	IncrementUpstreamFetch(status string)
	RecordUpstreamLatency(duration time.Duration)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics.
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry.
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementDispatch(mode string) {
	DispatchCount.WithLabelValues(mode).Inc()
}

func (r *PrometheusRegistry) IncrementBlocked(reason string) {
	BlockedCount.WithLabelValues(reason).Inc()
}

func (r *PrometheusRegistry) IncrementEvent(eventType string) {
	EventCount.WithLabelValues(eventType).Inc()
}

func (r *PrometheusRegistry) IncrementEventInsertErrors() {
	EventInsertErrors.Inc()
}

func (r *PrometheusRegistry) IncrementCacheLookup(cache, outcome string) {
	CacheLookups.WithLabelValues(cache, outcome).Inc()
}

func (r *PrometheusRegistry) IncrementUpstreamFetch(status string) {
	UpstreamFetches.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) RecordUpstreamLatency(duration time.Duration) {
	UpstreamLatency.Observe(duration.Seconds())
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing.
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry.
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementDispatch(mode string)                                        {}
func (r *NoOpRegistry) IncrementBlocked(reason string)                                       {}
func (r *NoOpRegistry) IncrementEvent(eventType string)                                      {}
func (r *NoOpRegistry) IncrementEventInsertErrors()                                          {}
func (r *NoOpRegistry) IncrementCacheLookup(cache, outcome string)                           {}
func (r *NoOpRegistry) IncrementUpstreamFetch(status string)                                 {}
func (r *NoOpRegistry) RecordUpstreamLatency(duration time.Duration)                         {}
