// Package telemetry exposes the service's Prometheus metrics. All recording
// methods are safe on a nil *Metrics so components can run without metrics
// in tests.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "patientcore"

// Metrics holds every collector registered by the service.
type Metrics struct {
	registry *prometheus.Registry

	StatusTransitions    *prometheus.CounterVec
	StatusChangeFailures *prometheus.CounterVec
	AccessAttempts       *prometheus.CounterVec
	AuditWriteFailures   prometheus.Counter
	RetentionPurged      prometheus.Counter
	RetentionRuns        *prometheus.CounterVec
	IntegrityViolations  prometheus.Counter
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates the collectors on a dedicated registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Patient status transitions committed, by from and to status",
		}, []string{"from", "to"}),
		StatusChangeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_change_failures_total",
			Help:      "Rejected or failed status change requests, by reason",
		}, []string{"reason"}),
		AccessAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_attempts_total",
			Help:      "Logged data access attempts, by data type and result",
		}, []string{"data_type", "result"}),
		AuditWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit entries that could not be persisted",
		}),
		RetentionPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purged_entries_total",
			Help:      "Audit entries removed by the retention purge",
		}),
		RetentionRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_runs_total",
			Help:      "Retention purge runs, by outcome",
		}, []string{"outcome"}),
		IntegrityViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "Audit entries whose checksum did not match on verification",
		}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method, route and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		HTTPRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveStatusChangeFailure(reason string) {
	if m == nil {
		return
	}
	m.StatusChangeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveAccess(dataType, result string) {
	if m == nil {
		return
	}
	m.AccessAttempts.WithLabelValues(dataType, result).Inc()
}

func (m *Metrics) IncAuditWriteFailures() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
}

// ObservePurge records one retention run. A nil err counts as success.
func (m *Metrics) ObservePurge(purged int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RetentionRuns.WithLabelValues("error").Inc()
		return
	}
	m.RetentionRuns.WithLabelValues("success").Inc()
	m.RetentionPurged.Add(float64(purged))
}

func (m *Metrics) AddIntegrityViolations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.IntegrityViolations.Add(float64(n))
}

// Middleware records request latency and in-flight requests.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.HTTPRequestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
