// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"regexp"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ActiveJobs is the number of live schedule handles after the last reload.
	ActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "irrigation_active_jobs",
		Help: "Number of schedules currently registered for firing",
	})

	// ReloadsTotal counts reloads by result (ok, error).
	ReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_reloads_total",
		Help: "Total schedule reloads by result",
	}, []string{"result"})

	// SkippedRowsTotal counts rows skipped during reload by reason.
	SkippedRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_reload_skipped_rows_total",
		Help: "Schedule rows skipped during reload by reason",
	}, []string{"reason"})

	// RunsInFlight is the number of irrigation runs between ON and OFF.
	RunsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "irrigation_runs_in_flight",
		Help: "Irrigation runs currently watering",
	})

	// RunsTotal counts finished runs by schedule type and result
	// (ok, on_failed, error, interrupted, skipped).
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_runs_total",
		Help: "Irrigation runs by schedule type and result",
	}, []string{"type", "result"})

	// PublishFailures counts failed transport publishes by command.
	PublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_publish_failures_total",
		Help: "Failed command publishes by command",
	}, []string{"command"})

	// TelemetryMessages counts inbound transport messages by topic.
	TelemetryMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_telemetry_messages_total",
		Help: "Inbound device messages by topic",
	}, []string{"topic"})

	// RequestDuration tracks HTTP request duration in seconds by method, path, status.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	// RequestTotal counts HTTP requests by method, path, status.
	RequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

var (
	numericPathSegment = regexp.MustCompile(`/[0-9]+(/|$)`)
	initOnce           sync.Once
)

func init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			ActiveJobs, ReloadsTotal, SkippedRowsTotal,
			RunsInFlight, RunsTotal, PublishFailures, TelemetryMessages,
			RequestDuration, RequestTotal,
		)
	})
}

// NormalizePath replaces numeric path segments with {id} to bound label cardinality.
func NormalizePath(path string) string {
	return numericPathSegment.ReplaceAllString(path, "/{id}$1")
}

// RecordRequest records duration and count for one HTTP request.
func RecordRequest(method, path string, statusCode int, durationSeconds float64) {
	path = NormalizePath(path)
	status := strconv.Itoa(statusCode)
	RequestDuration.WithLabelValues(method, path, status).Observe(durationSeconds)
	RequestTotal.WithLabelValues(method, path, status).Inc()
}
