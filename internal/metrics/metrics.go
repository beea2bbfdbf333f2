package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics for production monitoring. Everything carries the detectd_
// prefix to keep it apart from the metrics the engine watches.
var (
	// Loader metrics
	DatapointsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectd_datapoints_loaded_total",
			Help: "Total number of datapoints stored by the loader",
		},
		[]string{"metric"},
	)

	LoadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectd_load_errors_total",
			Help: "Total number of failed load cycles",
		},
		[]string{"metric"},
	)

	// Detection metrics
	DetectionsRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectd_detections_total",
			Help: "Total number of detector verdicts produced",
		},
		[]string{"metric", "detector"},
	)

	AnomaliesFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectd_anomalies_total",
			Help: "Total number of verdicts flagged anomalous",
		},
		[]string{"metric", "detector"},
	)

	// Alerting metrics
	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectd_alerts_sent_total",
			Help: "Total number of alert delivery attempts",
		},
		[]string{"metric", "channel", "result"}, // result: ok/failed
	)

	// Task metrics
	TaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectd_task_runs_total",
			Help: "Total number of task runs by final status",
		},
		[]string{"metric", "status"}, // status: completed/failed/locked
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detectd_task_duration_seconds",
			Help:    "Task run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~3min
		},
		[]string{"metric"},
	)

	LockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectd_lock_contention_total",
			Help: "Total number of lock acquisitions denied by a live holder",
		},
		[]string{"metric"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "detectd_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectd_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)
)
