// Package metrics exposes Prometheus instrumentation for the broker's
// pipeline stages, mirroring the teacher's pattern of one registry wired at
// boot and handed to each component that needs a counter or histogram.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the broker's Prometheus collectors.
type Registry struct {
	reg *prometheus.Registry

	DiscoveryLatency   *prometheus.HistogramVec
	IntentsRouted      *prometheus.CounterVec
	NegotiationEvents  *prometheus.CounterVec
	LedgerOps          *prometheus.CounterVec
	RateLimitRejected  *prometheus.CounterVec
	AntiFraudDenied    *prometheus.CounterVec
	StreamPublishFail  prometheus.Counter
	CacheDegraded      *prometheus.CounterVec
}

// New builds a fresh Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		DiscoveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ainp_broker",
			Subsystem: "discovery",
			Name:      "search_latency_seconds",
			Help:      "Latency of discovery search requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cache_hit"}),
		IntentsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ainp_broker",
			Subsystem: "intents",
			Name:      "routed_total",
			Help:      "Number of envelopes successfully routed.",
		}, []string{"dispatch"}),
		NegotiationEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ainp_broker",
			Subsystem: "negotiation",
			Name:      "events_total",
			Help:      "Negotiation state transitions by event type.",
		}, []string{"event"}),
		LedgerOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ainp_broker",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Credit ledger operations by type and outcome.",
		}, []string{"op", "outcome"}),
		RateLimitRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ainp_broker",
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests rejected by the sliding-window rate limiter.",
		}, []string{"scope"}),
		AntiFraudDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ainp_broker",
			Subsystem: "antifraud",
			Name:      "denied_total",
			Help:      "Requests denied by an anti-fraud guard.",
		}, []string{"reason"}),
		StreamPublishFail: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ainp_broker",
			Subsystem: "stream",
			Name:      "publish_failures_total",
			Help:      "Durable stream publishes that exhausted their retry budget.",
		}),
		CacheDegraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ainp_broker",
			Subsystem: "cache",
			Name:      "degraded_total",
			Help:      "Cache adapter operations that fell back to degraded (fail-open) behavior.",
		}, []string{"op"}),
	}
}

// Handler exposes the registry over HTTP for /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
