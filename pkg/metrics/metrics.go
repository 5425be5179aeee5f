// Package metrics exposes the Prometheus counters and gauges observed by the
// watch loop and egress queue. These are ambient observability
// hooks; they never influence data flow, following the package-level
// prometheus.New* pattern used elsewhere in this corpus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth reports the number of records currently buffered in the
	// egress queue.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "status_sidecar_egress_queue_depth",
		Help: "Number of status records currently queued for dispatch.",
	})

	// ProbeOutcomesTotal counts availability probe results by classification.
	ProbeOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "status_sidecar_probe_outcomes_total",
		Help: "Availability probe outcomes, labeled by classification.",
	}, []string{"status"})

	// PostOutcomesTotal counts status POST dispatch outcomes.
	PostOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "status_sidecar_post_outcomes_total",
		Help: "Status POST dispatch outcomes, labeled by classification.",
	}, []string{"outcome"})

	// WatchReconnectsTotal counts watch-loop reconnects, labeled by the
	// error classification that triggered them.
	WatchReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "status_sidecar_watch_reconnects_total",
		Help: "Watch loop reconnects, labeled by error classification.",
	}, []string{"class"})
)

func init() {
	prometheus.MustRegister(QueueDepth, ProbeOutcomesTotal, PostOutcomesTotal, WatchReconnectsTotal)
}

// Handler serves the registered collectors in the Prometheus text exposition
// format, for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
