package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry                *prometheus.Registry
	httpRequests            *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	telemetryReports        *prometheus.CounterVec
	deviceReportsSuppressed prometheus.Counter
	operatorWrites          prometheus.Counter
}

// New creates a fresh Metrics registry with HTTP, telemetry and command metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agrisync",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agrisync",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	telemetryReports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agrisync",
		Name:      "telemetry_reports_total",
		Help:      "Device telemetry reports by outcome (ok, invalid, storage_error)",
	}, []string{"result"})

	deviceReportsSuppressed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agrisync",
		Name:      "device_reports_suppressed_total",
		Help:      "Device-reported actuator states held back by an active operator override",
	})

	operatorWrites := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agrisync",
		Name:      "operator_command_writes_total",
		Help:      "Accepted operator command overrides",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		telemetryReports,
		deviceReportsSuppressed,
		operatorWrites,
	)

	return &Metrics{
		registry:                registry,
		httpRequests:            httpRequests,
		httpRequestDuration:     httpRequestDuration,
		telemetryReports:        telemetryReports,
		deviceReportsSuppressed: deviceReportsSuppressed,
		operatorWrites:          operatorWrites,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
// path should be the route pattern, not the raw URL, to keep cardinality bounded.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncTelemetryReport counts one telemetry report with the given outcome.
func (m *Metrics) IncTelemetryReport(result string) {
	if m == nil {
		return
	}
	m.telemetryReports.WithLabelValues(result).Inc()
}

func (m *Metrics) IncDeviceReportSuppressed() {
	if m == nil {
		return
	}
	m.deviceReportsSuppressed.Inc()
}

func (m *Metrics) IncOperatorWrite() {
	if m == nil {
		return
	}
	m.operatorWrites.Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
