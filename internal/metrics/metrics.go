// Package metrics holds the gateway's prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolgateway"

type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	refreshes         *prometheus.CounterVec
	upstreamRequests  *prometheus.CounterVec
	sessionsExpired   *prometheus.CounterVec
	sessionsResumed   prometheus.Counter
	authFailures      *prometheus.CounterVec
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "execute_operation calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "execute_operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "token_refreshes_total",
			Help:      "Upstream refresh-token exchanges by outcome.",
		}, []string{"outcome"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream API attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		sessionsExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "expired_total",
			Help:      "Sessions removed by reason.",
		}, []string{"reason"}),
		sessionsResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "resumed_total",
			Help:      "Sessions resumed within the grace window.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Rejected credentials by surface.",
		}, []string{"surface"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations,
		m.operationDuration,
		m.refreshes,
		m.upstreamRequests,
		m.sessionsExpired,
		m.sessionsResumed,
		m.authFailures,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveOperation(name, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(name, outcome).Inc()
	m.operationDuration.WithLabelValues(name).Observe(dur.Seconds())
}

func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveUpstreamRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) SessionExpired(reason string) {
	if m == nil {
		return
	}
	m.sessionsExpired.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionResumed() {
	if m == nil {
		return
	}
	m.sessionsResumed.Inc()
}

func (m *Metrics) AuthFailure(surface string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(surface).Inc()
}
