// Package store is the engine's internal persistence layer. Every table it
// owns carries the _dtk_ prefix so the engine can share a database with the
// metrics it watches without colliding with user tables.
package store

import (
	"context"
	"time"
)

// Store is the main persistence interface for the detection engine.
type Store interface {
	DatapointStore
	DetectionStore
	MetricConfigStore
	TaskStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Datapoint store ──────────────────────────────────────────────────────────

// DatapointRecord is one loaded observation of a metric. A nil Value records
// a gap in the series.
type DatapointRecord struct {
	MetricName         string    `json:"metric_name"`
	Timestamp          time.Time `json:"timestamp"`
	Value              *float64  `json:"value"`
	Seasonality        string    `json:"seasonality"`         // JSON blob
	SeasonalityColumns string    `json:"seasonality_columns"` // comma-joined
	CreatedAt          time.Time `json:"created_at"`
}

// DatapointStore persists loaded metric observations.
type DatapointStore interface {
	// SaveDatapoints inserts datapoints, skipping rows whose (metric,
	// timestamp) already exist. Returns the number of newly stored rows.
	SaveDatapoints(ctx context.Context, recs []*DatapointRecord) (int, error)

	// GetDatapoints returns a metric's datapoints in [from, to], oldest
	// first. Zero bounds are open.
	GetDatapoints(ctx context.Context, metricName string, from, to time.Time) ([]*DatapointRecord, error)

	// LastDatapointTimestamp returns the newest stored timestamp for a
	// metric. ok is false when the metric has no datapoints yet.
	LastDatapointTimestamp(ctx context.Context, metricName string) (ts time.Time, ok bool, err error)

	// PurgeDatapoints deletes a metric's datapoints older than the cutoff.
	PurgeDatapoints(ctx context.Context, metricName string, before time.Time) (int64, error)
}

// ─── Detection store ──────────────────────────────────────────────────────────

// DetectionRecord is one detector verdict for one datapoint.
type DetectionRecord struct {
	MetricName      string    `json:"metric_name"`
	Timestamp       time.Time `json:"timestamp"`
	DetectorID      string    `json:"detector_id"`
	DetectorType    string    `json:"detector_type"`
	DetectorParams  string    `json:"detector_params"` // JSON blob
	Value           *float64  `json:"value"`
	IsAnomaly       bool      `json:"is_anomaly"`
	ConfidenceLower *float64  `json:"confidence_lower"`
	ConfidenceUpper *float64  `json:"confidence_upper"`
	Metadata        string    `json:"detection_metadata"` // JSON blob
	CreatedAt       time.Time `json:"created_at"`
}

// DetectionQuery filters detection queries.
type DetectionQuery struct {
	MetricName  string
	DetectorID  string
	OnlyAnomaly bool
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// DetectionStore persists detector verdicts. Re-running a detector over the
// same window overwrites its previous verdicts.
type DetectionStore interface {
	// SaveDetections upserts verdicts keyed by (metric, timestamp, detector).
	SaveDetections(ctx context.Context, recs []*DetectionRecord) error

	// QueryDetections retrieves verdicts with optional filters, newest first.
	QueryDetections(ctx context.Context, q DetectionQuery) ([]*DetectionRecord, error)

	// GetDetectionsAt returns every detector's verdict for a metric at one
	// timestamp.
	GetDetectionsAt(ctx context.Context, metricName string, ts time.Time) ([]*DetectionRecord, error)

	// RecentDetections returns a detector's newest verdicts for a metric,
	// newest first, up to limit.
	RecentDetections(ctx context.Context, metricName, detectorID string, limit int) ([]*DetectionRecord, error)
}

// ─── Metric config store ──────────────────────────────────────────────────────

// MetricRecord is the registered configuration of a watched metric.
type MetricRecord struct {
	MetricName         string    `json:"metric_name"`
	Query              string    `json:"query"`
	Interval           string    `json:"interval"`
	Detectors          string    `json:"detectors"` // JSON list
	Alert              string    `json:"alert"`     // JSON blob
	SeasonalityColumns string    `json:"seasonality_columns"`
	Enabled            bool      `json:"enabled"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// MetricConfigStore mirrors the file-based metric configs into the database
// so operators can inspect what the engine is actually running.
type MetricConfigStore interface {
	// UpsertMetricConfig creates or replaces a metric registration.
	UpsertMetricConfig(ctx context.Context, rec *MetricRecord) error

	// GetMetricConfig retrieves a registration by metric name.
	// Returns nil, nil when the metric is not registered.
	GetMetricConfig(ctx context.Context, metricName string) (*MetricRecord, error)

	// ListMetricConfigs returns all registrations ordered by name.
	ListMetricConfigs(ctx context.Context) ([]*MetricRecord, error)

	// DeleteMetricConfig removes a registration.
	DeleteMetricConfig(ctx context.Context, metricName string) error
}

// ─── Task store ───────────────────────────────────────────────────────────────

// Task statuses persisted in _dtk_tasks.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// PipelineKey fills detector_id and process_type for whole-pipeline task
// rows. Per-detector or per-step rows would carry their own values.
const PipelineKey = "pipeline"

// TaskRecord tracks one task's lock and last outcome, keyed by (metric,
// detector, process type). StartedAt and CompletedAt are unix seconds so
// lock expiry is plain integer arithmetic.
type TaskRecord struct {
	MetricName     string    `json:"metric_name"`
	DetectorID     string    `json:"detector_id"`
	ProcessType    string    `json:"process_type"`
	Status         string    `json:"status"`
	Owner          string    `json:"owner"`
	StartedAt      int64     `json:"started_at"`
	CompletedAt    int64     `json:"completed_at"`
	TimeoutSeconds int64     `json:"timeout_seconds"`
	LastError      string    `json:"last_error"`
	LastAlertSent  int64     `json:"last_alert_sent"`
	AlertCount     int64     `json:"alert_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TaskStore provides database-backed task locks so concurrent engine
// processes sharing one database never run the same task twice. A lock held
// past its timeout counts as stale and may be taken over. The methods
// operate on the metric's pipeline row, keyed (metricName, PipelineKey,
// PipelineKey).
type TaskStore interface {
	// AcquireLock attempts to take the metric's pipeline lock for owner.
	// Returns false when another owner holds a non-stale lock.
	AcquireLock(ctx context.Context, metricName, owner string, timeout time.Duration) (bool, error)

	// ReleaseLock records the task outcome and frees the lock. Only the
	// current owner's release has any effect.
	ReleaseLock(ctx context.Context, metricName, owner, status, lastError string) error

	// GetTask retrieves a metric's pipeline task record. Returns nil, nil
	// when the task has never run.
	GetTask(ctx context.Context, metricName string) (*TaskRecord, error)

	// RecordAlertSent stamps the task with an alert dispatch time and
	// increments its alert counter.
	RecordAlertSent(ctx context.Context, metricName string, ts time.Time) error

	// LastAlertSent returns the newest recorded alert dispatch time.
	// ok is false when no alert has been recorded.
	LastAlertSent(ctx context.Context, metricName string) (time.Time, bool, error)
}
