// Package metrics is a thin Prometheus collaborator: counters/gauges the
// reactor and listeners write through, scraped by an optional /metrics
// endpoint in the example app only (the core never imports net/http).
//
// Counter/Gauge vectors are incremented directly from in-process events
// rather than polled on Collect, since nothing here reads external kernel
// state.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every gauge/counter the core pushes samples into.
type Metrics struct {
	ActiveSubscriptions prometheus.Gauge
	RetransmitAttempts  prometheus.Counter
	DedupHits           prometheus.Counter
	RequestsTotal       *prometheus.CounterVec
}

// New constructs and registers every metric against reg: a fresh
// prometheus.NewRegistry() (as the example app's /metrics endpoint uses)
// or prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coapd",
			Name:      "active_subscriptions",
			Help:      "Number of active Observe subscriptions across all paths.",
		}),
		RetransmitAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coapd",
			Name:      "retransmit_attempts_total",
			Help:      "Total confirmable-message retransmission attempts.",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coapd",
			Name:      "dedup_hits_total",
			Help:      "Total requests served from the duplicate-detection cache.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coapd",
			Name:      "requests_total",
			Help:      "Total requests handled, by response code.",
		}, []string{"code"}),
	}
	reg.MustRegister(m.ActiveSubscriptions, m.RetransmitAttempts, m.DedupHits, m.RequestsTotal)
	return m
}
