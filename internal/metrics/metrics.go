// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Conversion outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeFailed       = "failed"
	OutcomeAborted      = "aborted"
	OutcomeQuotaBlocked = "quota_exceeded"
	OutcomeInvalidInput = "invalid_input"
)

// Metrics groups every collector the service updates.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge

	ConversionsTotal        *prometheus.CounterVec
	ConversionStageDuration *prometheus.HistogramVec
	ArtifactBytes           prometheus.Histogram
	QuotaRejectionsTotal    prometheus.Counter
	StoreErrorsTotal        prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// to keep them isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "istheaudio_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "istheaudio_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, including the audio stream",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"method", "route"},
		),
		HTTPInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "istheaudio_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
		ConversionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "istheaudio_conversions_total",
				Help: "Conversion attempts by outcome",
			},
			[]string{"outcome"},
		),
		ConversionStageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "istheaudio_conversion_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 300},
			},
			[]string{"stage"},
		),
		ArtifactBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "istheaudio_artifact_bytes",
				Help:    "Size of produced MP3 files",
				Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10),
			},
		),
		QuotaRejectionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "istheaudio_quota_rejections_total",
				Help: "Requests rejected because the hourly quota was exceeded",
			},
		),
		StoreErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "istheaudio_quota_store_errors_total",
				Help: "Usage ledger failures",
			},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.ConversionStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Conversion counts one conversion attempt.
func (m *Metrics) Conversion(outcome string) {
	m.ConversionsTotal.WithLabelValues(outcome).Inc()
}

// Instrument is a middleware recording request count, latency and in-flight
// gauge. The route label is chi's route pattern so path parameters do not
// explode cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPInFlight.Inc()
		defer m.HTTPInFlight.Dec()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the response status for labelling.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
