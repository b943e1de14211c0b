// Package metrics provides Prometheus metrics for realsched.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnsemblesTotal counts finished scheduling runs by outcome.
	EnsemblesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realsched",
			Subsystem: "scheduler",
			Name:      "ensembles_total",
			Help:      "Total number of scheduling runs by outcome",
		},
		[]string{"outcome"}, // "STOPPED", "CANCELLED", "error"
	)

	// EnsemblesActive tracks ensembles currently executing.
	EnsemblesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realsched",
			Subsystem: "scheduler",
			Name:      "ensembles_active",
			Help:      "Number of ensembles currently executing",
		},
	)

	// RealizationsTotal counts realizations reaching a terminal state.
	RealizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realsched",
			Subsystem: "scheduler",
			Name:      "realizations_total",
			Help:      "Total number of realizations by terminal state",
		},
		[]string{"backend", "state"},
	)

	// RealizationsRunning tracks realizations whose command is executing.
	RealizationsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "realsched",
			Subsystem: "scheduler",
			Name:      "realizations_running",
			Help:      "Number of realizations currently running",
		},
		[]string{"backend"},
	)

	// RealizationDuration tracks wall-clock runtime from start to finish.
	RealizationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "realsched",
			Subsystem: "scheduler",
			Name:      "realization_duration_seconds",
			Help:      "Realization runtime in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"backend", "state"},
	)

	// SubmitAttempts counts driver submissions.
	SubmitAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realsched",
			Subsystem: "driver",
			Name:      "submit_attempts_total",
			Help:      "Total number of driver submissions by result",
		},
		[]string{"backend", "result"}, // result: success, error
	)

	// PollErrors counts failed poll cycles.
	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realsched",
			Subsystem: "driver",
			Name:      "poll_errors_total",
			Help:      "Total number of failed backend status polls",
		},
		[]string{"backend"},
	)

	// KillsTotal counts kill requests issued to drivers.
	KillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realsched",
			Subsystem: "driver",
			Name:      "kills_total",
			Help:      "Total number of kill requests by reason",
		},
		[]string{"backend", "reason"}, // reason: cancel, timeout, long_running
	)

	// PublisherEvents counts status events by delivery result.
	PublisherEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realsched",
			Subsystem: "publisher",
			Name:      "events_total",
			Help:      "Total number of status events by result",
		},
		[]string{"result"}, // sent, dropped, error
	)

	// PublisherQueueDepth tracks events waiting to be sent.
	PublisherQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realsched",
			Subsystem: "publisher",
			Name:      "queue_depth",
			Help:      "Number of status events waiting to be sent",
		},
	)

	// MonitorConnections tracks open websocket connections on the monitor hub.
	MonitorConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "realsched",
			Subsystem: "monitor",
			Name:      "connections",
			Help:      "Open monitor websocket connections by role",
		},
		[]string{"role"}, // dispatch, watcher
	)

	// MonitorEvents counts events received from dispatch connections.
	MonitorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realsched",
			Subsystem: "monitor",
			Name:      "events_total",
			Help:      "Total number of events received by the monitor hub",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realsched",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "realsched",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEConnections tracks open event streams.
	SSEConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realsched",
			Subsystem: "api",
			Name:      "sse_connections",
			Help:      "Number of open SSE event streams",
		},
	)

	// RunStoreOperations counts runstore operations.
	RunStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realsched",
			Subsystem: "runstore",
			Name:      "operations_total",
			Help:      "Total number of runstore operations",
		},
		[]string{"operation", "result"},
	)

	// ArchiveUploads counts uploaded run-path artifacts.
	ArchiveUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realsched",
			Subsystem: "archive",
			Name:      "uploads_total",
			Help:      "Total number of archived run-path files by result",
		},
		[]string{"result"},
	)
)
