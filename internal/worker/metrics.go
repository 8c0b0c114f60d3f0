package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	stagesTotal        *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	activeStages       prometheus.Gauge
	jobsCompletedTotal prometheus.Counter
	jobsFailedTotal    prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		stagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detectflow_worker_stages_total",
			Help: "Total stage runs by stage and final status.",
		}, []string{"stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "detectflow_worker_stage_duration_seconds",
			Help:    "Processing duration for each stage run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "status"}),
		activeStages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "detectflow_worker_active_stages",
			Help: "Current number of stage runs in flight.",
		}),
		jobsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detectflow_jobs_completed_total",
			Help: "Total jobs driven to completed by the worker.",
		}),
		jobsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detectflow_jobs_failed_total",
			Help: "Total jobs driven to failed by the worker.",
		}),
	}

	registry.MustRegister(
		m.stagesTotal,
		m.stageDuration,
		m.activeStages,
		m.jobsCompletedTotal,
		m.jobsFailedTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
