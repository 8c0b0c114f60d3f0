package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	requestTotal         *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	rateLimitRejected    *prometheus.CounterVec
	jobsCreatedTotal     prometheus.Counter
	uploadsAcceptedTotal prometheus.Counter
	uploadsRejectedTotal *prometheus.CounterVec
	stagesEnqueuedTotal  *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detectflow_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "detectflow_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detectflow_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route"}),
		jobsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detectflow_jobs_created_total",
			Help: "Total jobs created through the API.",
		}),
		uploadsAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detectflow_uploads_accepted_total",
			Help: "Total uploads that passed the validation gate.",
		}),
		uploadsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detectflow_uploads_rejected_total",
			Help: "Total uploads rejected by the validation gate, by code.",
		}, []string{"code"}),
		stagesEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detectflow_stages_enqueued_total",
			Help: "Total stage runs enqueued to the worker queue.",
		}, []string{"stage"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.jobsCreatedTotal,
		m.uploadsAcceptedTotal,
		m.uploadsRejectedTotal,
		m.stagesEnqueuedTotal,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/healthz"):
		return "/healthz"
	case strings.HasPrefix(path, "/metrics"):
		return "/metrics"
	case !strings.HasPrefix(path, "/v1/jobs"):
		return path
	}

	rest := strings.Trim(strings.TrimPrefix(path, "/v1/jobs"), "/")
	if rest == "" {
		return "/v1/jobs"
	}
	parts := strings.Split(rest, "/")
	if len(parts) == 1 {
		return "/v1/jobs/{id}"
	}
	switch parts[1] {
	case "files":
		if len(parts) > 2 {
			return "/v1/jobs/{id}/files/{file_id}"
		}
		return "/v1/jobs/{id}/files"
	case "results":
		return "/v1/jobs/{id}/results/{stage}"
	case "visualizations":
		return "/v1/jobs/{id}/visualizations/{name}"
	case "stages":
		return "/v1/jobs/{id}/stages/{stage}/run"
	default:
		return "/v1/jobs/{id}"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
