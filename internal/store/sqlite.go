package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// schema defines the engine-owned tables, all under the _dtk_ prefix.
// Version is tracked in the _dtk_schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS _dtk_schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS _dtk_datapoints (
    metric_name         TEXT NOT NULL,
    timestamp           DATETIME NOT NULL,
    value               REAL,
    seasonality         TEXT NOT NULL DEFAULT '{}',
    seasonality_columns TEXT NOT NULL DEFAULT '',
    created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (metric_name, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_dtk_datapoints_metric_ts ON _dtk_datapoints(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS _dtk_detections (
    metric_name        TEXT NOT NULL,
    timestamp          DATETIME NOT NULL,
    detector_id        TEXT NOT NULL,
    detector_type      TEXT NOT NULL DEFAULT '',
    detector_params    TEXT NOT NULL DEFAULT '{}',
    value              REAL,
    is_anomaly         BOOLEAN NOT NULL DEFAULT 0,
    confidence_lower   REAL,
    confidence_upper   REAL,
    detection_metadata TEXT NOT NULL DEFAULT '{}',
    created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (metric_name, timestamp, detector_id)
);
CREATE INDEX IF NOT EXISTS idx_dtk_detections_metric_ts   ON _dtk_detections(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_dtk_detections_anomaly     ON _dtk_detections(metric_name, is_anomaly, timestamp DESC);

CREATE TABLE IF NOT EXISTS _dtk_metrics (
    metric_name         TEXT PRIMARY KEY,
    query               TEXT NOT NULL,
    interval            TEXT NOT NULL,
    detectors           TEXT NOT NULL DEFAULT '[]',
    alert               TEXT NOT NULL DEFAULT '{}',
    seasonality_columns TEXT NOT NULL DEFAULT '',
    enabled             BOOLEAN NOT NULL DEFAULT 1,
    updated_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS _dtk_tasks (
    metric_name     TEXT NOT NULL,
    detector_id     TEXT NOT NULL DEFAULT 'pipeline',
    process_type    TEXT NOT NULL DEFAULT 'pipeline',
    status          TEXT NOT NULL DEFAULT '',
    owner           TEXT NOT NULL DEFAULT '',
    started_at      INTEGER NOT NULL DEFAULT 0,
    completed_at    INTEGER NOT NULL DEFAULT 0,
    timeout_seconds INTEGER NOT NULL DEFAULT 3600,
    last_error      TEXT NOT NULL DEFAULT '',
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (metric_name, detector_id, process_type)
);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE _dtk_tasks ADD COLUMN last_alert_sent INTEGER NOT NULL DEFAULT 0;
ALTER TABLE _dtk_tasks ADD COLUMN alert_count     INTEGER NOT NULL DEFAULT 0;
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS _dtk_schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create _dtk_schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM _dtk_schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO _dtk_schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Datapoints ───────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveDatapoints(ctx context.Context, recs []*DatapointRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stored := 0
	for _, rec := range recs {
		result, err := tx.ExecContext(ctx, `
            INSERT INTO _dtk_datapoints(metric_name, timestamp, value, seasonality, seasonality_columns, created_at)
            VALUES(?,?,?,?,?,?)
            ON CONFLICT(metric_name, timestamp) DO NOTHING
        `,
			rec.MetricName, rec.Timestamp.UTC(), nullFloat(rec.Value),
			rec.Seasonality, rec.SeasonalityColumns, time.Now().UTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert datapoint: %w", err)
		}
		n, _ := result.RowsAffected()
		stored += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return stored, nil
}

func (s *sqliteStore) GetDatapoints(ctx context.Context, metricName string, from, to time.Time) ([]*DatapointRecord, error) {
	query := `SELECT metric_name,timestamp,value,seasonality,seasonality_columns,created_at FROM _dtk_datapoints WHERE metric_name = ?`
	args := []any{metricName}

	if !from.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, to.UTC())
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*DatapointRecord
	for rows.Next() {
		rec := &DatapointRecord{}
		var ts, ca string
		var value sql.NullFloat64
		if err := rows.Scan(&rec.MetricName, &ts, &value, &rec.Seasonality, &rec.SeasonalityColumns, &ca); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = parseTime(ts)
		rec.CreatedAt, _ = parseTime(ca)
		rec.Value = floatPtr(value)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) LastDatapointTimestamp(ctx context.Context, metricName string) (time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT timestamp FROM _dtk_datapoints WHERE metric_name = ? ORDER BY timestamp DESC LIMIT 1`, metricName)
	var ts string
	if err := row.Scan(&ts); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return time.Time{}, false, err
	}
	return parsed, true, nil
}

func (s *sqliteStore) PurgeDatapoints(ctx context.Context, metricName string, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM _dtk_datapoints WHERE metric_name = ? AND timestamp < ?`, metricName, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ─── Detections ───────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveDetections(ctx context.Context, recs []*DetectionRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range recs {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO _dtk_detections(metric_name, timestamp, detector_id, detector_type, detector_params,
                value, is_anomaly, confidence_lower, confidence_upper, detection_metadata, created_at)
            VALUES(?,?,?,?,?,?,?,?,?,?,?)
            ON CONFLICT(metric_name, timestamp, detector_id) DO UPDATE SET
                detector_type      = excluded.detector_type,
                detector_params    = excluded.detector_params,
                value              = excluded.value,
                is_anomaly         = excluded.is_anomaly,
                confidence_lower   = excluded.confidence_lower,
                confidence_upper   = excluded.confidence_upper,
                detection_metadata = excluded.detection_metadata,
                created_at         = excluded.created_at
        `,
			rec.MetricName, rec.Timestamp.UTC(), rec.DetectorID, rec.DetectorType, rec.DetectorParams,
			nullFloat(rec.Value), rec.IsAnomaly, nullFloat(rec.ConfidenceLower), nullFloat(rec.ConfidenceUpper),
			rec.Metadata, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("upsert detection: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) QueryDetections(ctx context.Context, q DetectionQuery) ([]*DetectionRecord, error) {
	query := `SELECT metric_name,timestamp,detector_id,detector_type,detector_params,value,is_anomaly,confidence_lower,confidence_upper,detection_metadata,created_at FROM _dtk_detections WHERE 1=1`
	args := []any{}

	if q.MetricName != "" {
		query += ` AND metric_name = ?`
		args = append(args, q.MetricName)
	}
	if q.DetectorID != "" {
		query += ` AND detector_id = ?`
		args = append(args, q.DetectorID)
	}
	if q.OnlyAnomaly {
		query += ` AND is_anomaly = 1`
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*DetectionRecord
	for rows.Next() {
		rec, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) GetDetectionsAt(ctx context.Context, metricName string, ts time.Time) ([]*DetectionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metric_name,timestamp,detector_id,detector_type,detector_params,value,is_anomaly,confidence_lower,confidence_upper,detection_metadata,created_at
         FROM _dtk_detections WHERE metric_name = ? AND timestamp = ? ORDER BY detector_id ASC`,
		metricName, ts.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*DetectionRecord
	for rows.Next() {
		rec, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) RecentDetections(ctx context.Context, metricName, detectorID string, limit int) ([]*DetectionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT metric_name,timestamp,detector_id,detector_type,detector_params,value,is_anomaly,confidence_lower,confidence_upper,detection_metadata,created_at
         FROM _dtk_detections WHERE metric_name = ? AND detector_id = ? ORDER BY timestamp DESC LIMIT ?`,
		metricName, detectorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*DetectionRecord
	for rows.Next() {
		rec, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetection(row rowScanner) (*DetectionRecord, error) {
	rec := &DetectionRecord{}
	var ts, ca string
	var value, lower, upper sql.NullFloat64
	err := row.Scan(&rec.MetricName, &ts, &rec.DetectorID, &rec.DetectorType, &rec.DetectorParams,
		&value, &rec.IsAnomaly, &lower, &upper, &rec.Metadata, &ca)
	if err != nil {
		return nil, err
	}
	rec.Timestamp, _ = parseTime(ts)
	rec.CreatedAt, _ = parseTime(ca)
	rec.Value = floatPtr(value)
	rec.ConfidenceLower = floatPtr(lower)
	rec.ConfidenceUpper = floatPtr(upper)
	return rec, nil
}

// ─── Metric configs ───────────────────────────────────────────────────────────

func (s *sqliteStore) UpsertMetricConfig(ctx context.Context, rec *MetricRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO _dtk_metrics(metric_name, query, interval, detectors, alert, seasonality_columns, enabled, updated_at)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(metric_name) DO UPDATE SET
            query               = excluded.query,
            interval            = excluded.interval,
            detectors           = excluded.detectors,
            alert               = excluded.alert,
            seasonality_columns = excluded.seasonality_columns,
            enabled             = excluded.enabled,
            updated_at          = excluded.updated_at
    `,
		rec.MetricName, rec.Query, rec.Interval, rec.Detectors, rec.Alert,
		rec.SeasonalityColumns, rec.Enabled, time.Now().UTC(),
	)
	return err
}

func (s *sqliteStore) GetMetricConfig(ctx context.Context, metricName string) (*MetricRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT metric_name,query,interval,detectors,alert,seasonality_columns,enabled,updated_at FROM _dtk_metrics WHERE metric_name = ?`,
		metricName)
	rec, err := scanMetric(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) ListMetricConfigs(ctx context.Context) ([]*MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metric_name,query,interval,detectors,alert,seasonality_columns,enabled,updated_at FROM _dtk_metrics ORDER BY metric_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*MetricRecord
	for rows.Next() {
		rec, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeleteMetricConfig(ctx context.Context, metricName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM _dtk_metrics WHERE metric_name = ?`, metricName)
	return err
}

func scanMetric(row rowScanner) (*MetricRecord, error) {
	rec := &MetricRecord{}
	var ua string
	err := row.Scan(&rec.MetricName, &rec.Query, &rec.Interval, &rec.Detectors,
		&rec.Alert, &rec.SeasonalityColumns, &rec.Enabled, &ua)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt, _ = parseTime(ua)
	return rec, nil
}

// ─── Task locks ───────────────────────────────────────────────────────────────

// AcquireLock takes the named lock with a conditional upsert. The guard
// admits the write when no lock is held, the holder finished, or the holder's
// timeout elapsed. Ownership is confirmed by re-reading the row, so two
// racing acquirers can never both believe they won.
func (s *sqliteStore) AcquireLock(ctx context.Context, metricName, owner string, timeout time.Duration) (bool, error) {
	now := time.Now().Unix()
	timeoutSeconds := int64(timeout / time.Second)

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO _dtk_tasks(metric_name, detector_id, process_type, status, owner, started_at, timeout_seconds, updated_at)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(metric_name, detector_id, process_type) DO UPDATE SET
            status          = excluded.status,
            owner           = excluded.owner,
            started_at      = excluded.started_at,
            timeout_seconds = excluded.timeout_seconds,
            last_error      = '',
            updated_at      = excluded.updated_at
        WHERE _dtk_tasks.status <> ?
           OR excluded.started_at - _dtk_tasks.started_at > _dtk_tasks.timeout_seconds
    `,
		metricName, PipelineKey, PipelineKey, TaskStatusRunning, owner, now, timeoutSeconds, time.Now().UTC(),
		TaskStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", metricName, err)
	}

	var holder string
	if err := s.db.QueryRowContext(ctx,
		`SELECT owner FROM _dtk_tasks WHERE metric_name = ? AND detector_id = ? AND process_type = ?`,
		metricName, PipelineKey, PipelineKey).Scan(&holder); err != nil {
		return false, fmt.Errorf("confirm lock %q: %w", metricName, err)
	}
	return holder == owner, nil
}

func (s *sqliteStore) ReleaseLock(ctx context.Context, metricName, owner, status, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE _dtk_tasks SET
            status       = ?,
            completed_at = ?,
            last_error   = ?,
            updated_at   = ?
        WHERE metric_name = ? AND detector_id = ? AND process_type = ? AND owner = ?
    `,
		status, time.Now().Unix(), lastError, time.Now().UTC(),
		metricName, PipelineKey, PipelineKey, owner,
	)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", metricName, err)
	}
	return nil
}

func (s *sqliteStore) GetTask(ctx context.Context, metricName string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT metric_name,detector_id,process_type,status,owner,started_at,completed_at,timeout_seconds,last_error,last_alert_sent,alert_count,updated_at
         FROM _dtk_tasks WHERE metric_name = ? AND detector_id = ? AND process_type = ?`,
		metricName, PipelineKey, PipelineKey)
	rec := &TaskRecord{}
	var ua string
	err := row.Scan(&rec.MetricName, &rec.DetectorID, &rec.ProcessType, &rec.Status, &rec.Owner, &rec.StartedAt,
		&rec.CompletedAt, &rec.TimeoutSeconds, &rec.LastError,
		&rec.LastAlertSent, &rec.AlertCount, &ua)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt, _ = parseTime(ua)
	return rec, nil
}

// RecordAlertSent stamps the task row with the dispatch time and bumps the
// alert counter. The row is created if the task has never run.
func (s *sqliteStore) RecordAlertSent(ctx context.Context, metricName string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO _dtk_tasks(metric_name, detector_id, process_type, last_alert_sent, alert_count, updated_at)
        VALUES(?,?,?,?,1,?)
        ON CONFLICT(metric_name, detector_id, process_type) DO UPDATE SET
            last_alert_sent = excluded.last_alert_sent,
            alert_count     = _dtk_tasks.alert_count + 1,
            updated_at      = excluded.updated_at
    `,
		metricName, PipelineKey, PipelineKey, ts.Unix(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record alert %q: %w", metricName, err)
	}
	return nil
}

func (s *sqliteStore) LastAlertSent(ctx context.Context, metricName string) (time.Time, bool, error) {
	var unix int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_alert_sent FROM _dtk_tasks WHERE metric_name = ? AND detector_id = ? AND process_type = ?`,
		metricName, PipelineKey, PipelineKey).Scan(&unix)
	if err == sql.ErrNoRows || (err == nil && unix == 0) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(unix, 0).UTC(), true, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
