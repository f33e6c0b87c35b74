// Package metrics exposes the deployment engine's operational counters
// over Prometheus. Init must run before anything records; the engine
// calls it on construction, so importers normally never have to.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeploymentsActive prometheus.Gauge
	DeploymentsTotal  *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	StageDuration     *prometheus.HistogramVec
	GateWaitSeconds   prometheus.Histogram

	initOnce sync.Once
)

// Init registers every collector with the default registry. Calling it
// again is a no-op, so tests and the engine can both call it safely.
func Init() {
	initOnce.Do(func() {
		DeploymentsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "deployd",
				Name:      "deployments_active",
				Help:      "Deployments currently being applied (0 or 1).",
			},
		)

		DeploymentsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deployd",
				Name:      "deployments_total",
				Help:      "Finished deployments by source and terminal status.",
			},
			[]string{"source", "status"},
		)

		QueueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "deployd",
				Name:      "queue_depth",
				Help:      "Deployments waiting to be applied.",
			},
		)

		StageDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "deployd",
				Name:      "stage_duration_seconds",
				Help:      "Time spent per deployment stage.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		)

		GateWaitSeconds = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "deployd",
				Name:      "gate_wait_seconds",
				Help:      "Time deployments spent waiting in the update safety gate.",
				Buckets:   []float64{0, 1, 5, 15, 30, 60, 120, 300},
			},
		)

		prometheus.MustRegister(DeploymentsActive, DeploymentsTotal, QueueDepth, StageDuration, GateWaitSeconds)
	})
}

// Handler serves the scrape endpoint; the API server mounts it.
func Handler() http.Handler { return promhttp.Handler() }
