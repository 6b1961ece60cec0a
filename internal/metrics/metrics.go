// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ForwardOutcomes *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	BreakerTransitions *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "rule"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamgate_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "rule"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamgate_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ForwardOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_forward_outcomes_total",
			Help: "Terminal outcomes of forwarded requests by route rule.",
		}, []string{"rule", "outcome"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamgate_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"rule", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_upstream_responses_total",
			Help: "Total upstream responses by route rule and status code.",
		}, []string{"rule", "status_code"}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_breaker_transitions_total",
			Help: "Circuit breaker state transitions by route rule.",
		}, []string{"rule", "from", "to"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ForwardOutcomes,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.BreakerTransitions,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// RuleLabelNone is the rule label for requests no route rule matched.
// Rule labels are otherwise the configured match prefixes, so cardinality is
// bounded by the size of the route table.
const RuleLabelNone = "none"

// RuleLabel returns the metrics label for a matched rule prefix.
func RuleLabel(matchPrefix string) string {
	if matchPrefix == "" {
		return RuleLabelNone
	}
	return matchPrefix
}
