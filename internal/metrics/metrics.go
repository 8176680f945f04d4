package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Request counters
	RequestsTotal     atomic.Uint64
	RequestsSucceeded atomic.Uint64
	RequestsFailed    atomic.Uint64
	RequestsLimited   atomic.Uint64
	InFlight          atomic.Int64

	// Pipeline counters
	UploadBytes   atomic.Uint64
	FacesDetected atomic.Uint64
	OutputBytes   atomic.Uint64

	// Latency of the last completed request
	LastLatencyMs atomic.Uint64

	stageFailures *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceoverlay_stage_failures_total",
			Help: "Failed requests by pipeline stage",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "faceoverlay_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"stage"}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, value func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		value,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("faceoverlay_requests_total", "Upload requests received",
		func() float64 { return float64(m.RequestsTotal.Load()) })
	m.gauge("faceoverlay_requests_succeeded_total", "Upload requests answered with an image",
		func() float64 { return float64(m.RequestsSucceeded.Load()) })
	m.gauge("faceoverlay_requests_failed_total", "Upload requests that failed",
		func() float64 { return float64(m.RequestsFailed.Load()) })
	m.gauge("faceoverlay_requests_limited_total", "Upload requests rejected by the rate limiter",
		func() float64 { return float64(m.RequestsLimited.Load()) })
	m.gauge("faceoverlay_requests_in_flight", "Uploads currently being processed",
		func() float64 { return float64(m.InFlight.Load()) })

	m.gauge("faceoverlay_upload_bytes_total", "Bytes ingested from uploads",
		func() float64 { return float64(m.UploadBytes.Load()) })
	m.gauge("faceoverlay_faces_detected_total", "Faces found across all uploads",
		func() float64 { return float64(m.FacesDetected.Load()) })
	m.gauge("faceoverlay_output_bytes_total", "Encoded result bytes returned",
		func() float64 { return float64(m.OutputBytes.Load()) })

	m.gauge("faceoverlay_last_latency_ms", "Latency of the last completed upload in milliseconds",
		func() float64 { return float64(m.LastLatencyMs.Load()) })

	m.registry.MustRegister(m.stageFailures, m.stageDuration)
}

// ObserveStage records the duration of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// StageFailed counts a request that failed in stage.
func (m *Metrics) StageFailed(stage string) {
	m.RequestsFailed.Add(1)
	m.stageFailures.WithLabelValues(stage).Inc()
}

// UpdateLatency records the latency of a finished request.
func (m *Metrics) UpdateLatency(start time.Time) {
	m.LastLatencyMs.Store(uint64(time.Since(start).Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server returns an HTTP server exposing /metrics on addr.
func (m *Metrics) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
