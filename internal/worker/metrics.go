package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	tasksTotal            *prometheus.CounterVec
	taskDuration          *prometheus.HistogramVec
	artifactsExpiredTotal prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flipcut_worker_tasks_total",
			Help: "Total worker tasks by type and final status.",
		}, []string{"type", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flipcut_worker_task_duration_seconds",
			Help:    "Processing duration for each worker task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "status"}),
		artifactsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flipcut_worker_artifacts_expired_total",
			Help: "Total artifact files removed by expiry tasks.",
		}),
	}

	reg.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.artifactsExpiredTotal,
	)
	return m
}
