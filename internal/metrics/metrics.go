// Package metrics provides Prometheus instrumentation for the tars-chat
// backend. It exposes gauges for connection and subscription counts,
// counters for write throughput and query reruns, and histograms for write
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tarschat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// WritesTotal counts write operations, labeled by kind: "message",
	// "heartbeat", "typing", "mark_read", "ensure_user", "conversation".
	WritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tarschat_writes_total",
		Help: "Total number of write operations processed",
	}, []string{"kind"})

	// WriteLatency records write operation latency in seconds.
	WriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tarschat_write_latency_seconds",
		Help:    "Write operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// LiveQueries tracks the current number of live query subscriptions.
	LiveQueries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tarschat_live_queries",
		Help: "Current number of live query subscriptions",
	})

	// QueryRerunsTotal counts query re-executions triggered by invalidations.
	QueryRerunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tarschat_query_reruns_total",
		Help: "Total number of live query re-executions",
	})

	// PresenceSweepFlips counts presence records flipped offline by the
	// stale sweep.
	PresenceSweepFlips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tarschat_presence_sweep_flips_total",
		Help: "Total number of presence records flipped offline by the sweep",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		WritesTotal,
		WriteLatency,
		LiveQueries,
		QueryRerunsTotal,
		PresenceSweepFlips,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
