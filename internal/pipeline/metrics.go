package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	runsTotal            *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	removalsInFlight     prometheus.Gauge
	pixelsProcessedTotal prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flipcut_pipeline_runs_total",
			Help: "Total pipeline runs by outcome (ok or error kind).",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flipcut_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "outcome"}),
		removalsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flipcut_pipeline_removals_in_flight",
			Help: "Background removal calls currently waiting on the upstream service.",
		}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flipcut_pipeline_pixels_processed_total",
			Help: "Total pixels written as processed artifacts.",
		}),
	}
	reg.MustRegister(
		m.runsTotal,
		m.stageDuration,
		m.removalsInFlight,
		m.pixelsProcessedTotal,
	)
	return m
}
