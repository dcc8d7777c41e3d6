// Package metrics exposes the pipeline's Prometheus collectors.
//
// All methods are safe on a nil *Metrics, so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/geosentinel/internal/types"
)

const namespace = "rockfall"

type Metrics struct {
	registry *prometheus.Registry

	ticks              prometheus.Counter
	ticksSkipped       prometheus.Counter
	tickFailures       *prometheus.CounterVec
	detections         *prometheus.CounterVec
	escalations        *prometheus.CounterVec
	sessionActive      prometheus.Gauge
	alertRiskPriority  prometheus.Gauge
	inferenceDuration  prometheus.Histogram
	emitErrors         *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestSeconds *prometheus.HistogramVec
}

// New creates the collectors on a private registry (plus Go and process
// collectors).
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks that ran a capture and submit cycle.",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous one was still in flight.",
		}),
		tickFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_failures_total",
			Help:      "Ticks that failed, by failure kind.",
		}, []string{"kind"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detections applied to the alert state, by risk level.",
		}, []string{"risk_level"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Alert state field escalations, by field.",
		}, []string{"field"}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a monitoring session holds the camera.",
		}),
		alertRiskPriority: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_risk_priority",
			Help:      "Priority of the aggregated risk level (0 unset, 1 low .. 4 critical).",
		}),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Round trip time of inference requests.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}),
		emitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emit_errors_total",
			Help:      "Failed deliveries to downstream sinks, by sink.",
		}, []string{"sink"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks,
		m.ticksSkipped,
		m.tickFailures,
		m.detections,
		m.escalations,
		m.sessionActive,
		m.alertRiskPriority,
		m.inferenceDuration,
		m.emitErrors,
		m.httpRequestsTotal,
		m.httpRequestSeconds,
	)

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TickFired() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// TicksSkipped adds n skipped ticks. The scheduler keeps its own counter, so
// callers report deltas.
func (m *Metrics) TicksSkipped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.ticksSkipped.Add(float64(n))
}

func (m *Metrics) TickFailed(kind string) {
	if m == nil {
		return
	}
	m.tickFailures.WithLabelValues(kind).Inc()
}

// DetectionApplied records an applied detection and the fields it escalated.
func (m *Metrics) DetectionApplied(d types.Detection, alert types.AlertState, escalated []string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(string(d.RiskLevel)).Inc()
	for _, field := range escalated {
		m.escalations.WithLabelValues(field).Inc()
	}
	m.alertRiskPriority.Set(float64(types.RiskOrdering.Rank(alert.RiskLevel)))
}

// AlertCleared resets the aggregated risk gauge.
func (m *Metrics) AlertCleared() {
	if m == nil {
		return
	}
	m.alertRiskPriority.Set(0)
}

func (m *Metrics) SetSessionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.sessionActive.Set(1)
	} else {
		m.sessionActive.Set(0)
	}
}

func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.Observe(d.Seconds())
}

func (m *Metrics) EmitFailed(sink string) {
	if m == nil {
		return
	}
	m.emitErrors.WithLabelValues(sink).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and their duration under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpRequestSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
