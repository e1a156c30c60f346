// Package metrics holds the Prometheus collectors shared by the pipeline components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Rejections    *prometheus.CounterVec
	RateLimited   *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	OpenTunnels   prometheus.Gauge
	LLMCalls      *prometheus.CounterVec
	SinkDropped   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlpilot_rejections_total",
				Help: "Rejected questions and generated statements",
			},
			[]string{"source"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlpilot_rate_limited_total",
				Help: "Requests denied by a rate limiter",
			},
			[]string{"scope"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlpilot_query_duration_seconds",
				Help:    "Target database statement duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"engine", "outcome"},
		),
		OpenTunnels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sqlpilot_open_tunnels",
				Help: "Live SSH tunnel sessions",
			},
		),
		LLMCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlpilot_llm_calls_total",
				Help: "Model provider calls",
			},
			[]string{"provider", "outcome"},
		),
		SinkDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlpilot_security_events_dropped_total",
				Help: "Security events dropped because the sink buffer was full",
			},
		),
	}

	reg.MustRegister(m.Rejections, m.RateLimited, m.QueryDuration, m.OpenTunnels, m.LLMCalls, m.SinkDropped)
	return m
}

// NewUnregistered returns collectors that are not exported anywhere. Used by tests and tools.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
