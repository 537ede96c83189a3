// Package telemetry exposes warehouse and HTTP metrics through a Prometheus
// registry. Record outcomes arrive through quality.Observer; the pipeline
// reports stage timings, run results and capacity gauges directly.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hospitalwh"

// defaultDurationBuckets are the histogram bucket boundaries (in seconds)
// used for HTTP request duration.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// stageBuckets cover pipeline stages from milliseconds to several minutes.
var stageBuckets = prometheus.ExponentialBuckets(0.005, 4, 10)

// Metrics owns a private registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	records        *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	runs           *prometheus.CounterVec
	lastSuccess    prometheus.Gauge
	occupancy      *prometheus.GaugeVec
	alerts         *prometheus.GaugeVec
	httpDuration   *prometheus.HistogramVec
	activeRequests prometheus.Gauge
}

// New registers every collector, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Raw records by stream, outcome and error kind.",
		}, []string{"stream", "outcome", "kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   stageBuckets,
		}, []string{"stage"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last published run.",
		}),
		occupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "department_occupancy_ratio",
			Help:      "Occupancy rate of the latest day per department.",
		}, []string{"department"}),
		alerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_alerts",
			Help:      "Active capacity alerts by severity.",
		}, []string{"severity"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status_code"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Number of active HTTP requests.",
		}),
	}
	m.registry.MustRegister(
		m.records, m.stageDuration, m.runs, m.lastSuccess, m.occupancy, m.alerts,
		m.httpDuration, m.activeRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRecord implements quality.Observer.
func (m *Metrics) ObserveRecord(stream, outcome, kind string) {
	m.records.WithLabelValues(stream, outcome, kind).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RunFinished counts a run; a "published" run also moves the last success
// timestamp.
func (m *Metrics) RunFinished(status string, at time.Time) {
	m.runs.WithLabelValues(status).Inc()
	if status == "published" {
		m.lastSuccess.Set(float64(at.Unix()))
	}
}

// SetOccupancy replaces the department occupancy gauges.
func (m *Metrics) SetOccupancy(latest map[string]float64) {
	m.occupancy.Reset()
	for dept, rate := range latest {
		m.occupancy.WithLabelValues(dept).Set(rate)
	}
}

// SetAlerts replaces the active alert gauges.
func (m *Metrics) SetAlerts(bySeverity map[string]int) {
	m.alerts.Reset()
	for sev, n := range bySeverity {
		m.alerts.WithLabelValues(sev).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsMiddleware records request duration by route pattern.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.httpDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(c.Response().Status)).
				Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
