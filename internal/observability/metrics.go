package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Sanduku.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session lifecycle metrics.
	SessionsCreatedTotal      prometheus.Counter
	SessionsDestroyedTotal    *prometheus.CounterVec
	SessionsActive            prometheus.Gauge
	ProvisioningFailuresTotal prometheus.Counter
	LimitUpdatesTotal         *prometheus.CounterVec

	// Command execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	// File operation metrics.
	FileOperationsTotal *prometheus.CounterVec

	// Provider metrics (execution context backend).
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec

	// Reaper metrics.
	ReaperSweepsTotal prometheus.Counter
	ReaperReapedTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total sessions created.",
		}),

		SessionsDestroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "session",
			Name:      "destroyed_total",
			Help:      "Total sessions destroyed, by cause.",
		}, []string{"cause"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of currently active sessions.",
		}),

		ProvisioningFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "session",
			Name:      "provisioning_failures_total",
			Help:      "Total failed execution context provisioning attempts.",
		}),

		LimitUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "session",
			Name:      "limit_updates_total",
			Help:      "Total resource limit updates.",
		}, []string{"status"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "exec",
			Name:      "commands_total",
			Help:      "Total commands dispatched into sessions.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "exec",
			Name:      "command_duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		FileOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "fileop",
			Name:      "operations_total",
			Help:      "Total file operations dispatched into sessions.",
		}, []string{"op", "status"}),

		ProviderCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total execution context provider calls, by operation and status.",
		}, []string{"op", "status"}),

		ProviderCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Execution context provider call duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"op"}),

		ReaperSweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Total reaper sweeps.",
		}),

		ReaperReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "reaper",
			Name:      "reaped_total",
			Help:      "Total sessions reclaimed by the reaper.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SessionsCreatedTotal,
		m.SessionsDestroyedTotal,
		m.SessionsActive,
		m.ProvisioningFailuresTotal,
		m.LimitUpdatesTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.FileOperationsTotal,
		m.ProviderCallsTotal,
		m.ProviderCallDuration,
		m.ReaperSweepsTotal,
		m.ReaperReapedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
