// Package metrics exposes Prometheus instrumentation for ingestion, the
// background jobs and the HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingestion outcomes
const (
	ResultStored      = "stored"
	ResultQueued      = "queued"
	ResultIgnored     = "ignored"
	ResultRejected    = "rejected"
	ResultRateLimited = "rate_limited"
	ResultFailed      = "failed"
)

// Job outcomes
const (
	JobSuccess = "success"
	JobFailure = "failure"
	JobSkipped = "skipped"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion metrics
	EventsIngestedTotal *prometheus.CounterVec
	BufferPending       prometheus.Gauge
	BufferFlushedTotal  prometheus.Counter

	// Job metrics
	JobRunsTotal          *prometheus.CounterVec
	JobDuration           *prometheus.HistogramVec
	AggregatedEventsTotal prometheus.Counter
	SummaryRowsTotal      *prometheus.CounterVec
	EventsDeletedTotal    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		EventsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_events_ingested_total",
				Help: "Page view ingestion attempts by outcome",
			},
			[]string{"route", "result"},
		),
		BufferPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulse_buffer_pending_events",
				Help: "Events waiting in the beacon buffer",
			},
		),
		BufferFlushedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_buffer_flushed_events_total",
				Help: "Events written by buffer flushes",
			},
		),

		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_job_runs_total",
				Help: "Background job runs by outcome",
			},
			[]string{"job", "result"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_job_duration_seconds",
				Help:    "Background job duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"job"},
		),
		AggregatedEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_aggregated_events_total",
				Help: "Raw events folded into summaries",
			},
		),
		SummaryRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_summary_rows_upserted_total",
				Help: "Summary rows written by aggregation",
			},
			[]string{"dimension"},
		),
		EventsDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_events_deleted_total",
				Help: "Raw events removed by the retention sweeper",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsIngestedTotal,
		m.BufferPending,
		m.BufferFlushedTotal,
		m.JobRunsTotal,
		m.JobDuration,
		m.AggregatedEventsTotal,
		m.SummaryRowsTotal,
		m.EventsDeletedTotal,
	)

	return m
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// Handler serves the exposition format for registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IngestResult(route, result string) {
	if m == nil {
		return
	}
	m.EventsIngestedTotal.WithLabelValues(route, result).Inc()
}

func (m *Metrics) SetBufferPending(n int) {
	if m == nil {
		return
	}
	m.BufferPending.Set(float64(n))
}

func (m *Metrics) BufferFlushed(n int) {
	if m == nil {
		return
	}
	m.BufferFlushedTotal.Add(float64(n))
}

// JobFinished records the outcome and duration of a background job run.
func (m *Metrics) JobFinished(job, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, result).Inc()
	m.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (m *Metrics) Aggregated(events int, rows map[string]int) {
	if m == nil {
		return
	}
	m.AggregatedEventsTotal.Add(float64(events))
	for dimension, n := range rows {
		m.SummaryRowsTotal.WithLabelValues(dimension).Add(float64(n))
	}
}

func (m *Metrics) EventsDeleted(n int64) {
	if m == nil {
		return
	}
	m.EventsDeletedTotal.Add(float64(n))
}

// Middleware records request counts and latency per matched route.
func (m *Metrics) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m == nil {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()

		route := c.Route().Path
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		m.HTTPRequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}
