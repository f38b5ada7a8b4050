package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verdict outcomes recorded by the server.
const (
	outcomeForwarded = "forwarded"
	outcomeRejected  = "rejected"
	outcomeAborted   = "aborted"
)

// Metrics are the proxy's Prometheus collectors.
type Metrics struct {
	Verdicts      *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	ActiveStreams prometheus.Gauge
	InflightCalls prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authzfilter",
			Name:      "verdicts_total",
			Help:      "Requests by final disposition.",
		}, []string{"outcome"}),
		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "authzfilter",
			Name:      "call_duration_seconds",
			Help:      "Authorization call latency by upstream and status.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"upstream", "status"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "authzfilter",
			Name:      "active_streams",
			Help:      "Requests currently held by a worker.",
		}),
		InflightCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "authzfilter",
			Name:      "inflight_calls",
			Help:      "Authorization calls waiting for a reply.",
		}),
	}
}
