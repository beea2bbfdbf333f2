package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func f(v float64) *float64 { return &v }

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")

	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = s1.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = s2.Close()
}

func TestSaveDatapointsDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	recs := []*DatapointRecord{
		{MetricName: "orders", Timestamp: base, Value: f(10), Seasonality: `{"hour":0}`, SeasonalityColumns: "hour"},
		{MetricName: "orders", Timestamp: base.Add(time.Minute), Value: nil, Seasonality: "{}", SeasonalityColumns: "hour"},
	}
	stored, err := s.SaveDatapoints(ctx, recs)
	if err != nil {
		t.Fatalf("SaveDatapoints: %v", err)
	}
	if stored != 2 {
		t.Errorf("stored = %d, want 2", stored)
	}

	// Re-saving the same window stores nothing new.
	stored, err = s.SaveDatapoints(ctx, recs)
	if err != nil {
		t.Fatalf("SaveDatapoints again: %v", err)
	}
	if stored != 0 {
		t.Errorf("re-save stored = %d, want 0", stored)
	}

	points, err := s.GetDatapoints(ctx, "orders", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetDatapoints: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d datapoints, want 2", len(points))
	}
	if !points[0].Timestamp.Equal(base) {
		t.Errorf("points not ordered oldest first: %v", points[0].Timestamp)
	}
	if *points[0].Value != 10 {
		t.Errorf("value = %v, want 10", *points[0].Value)
	}
	if points[1].Value != nil {
		t.Errorf("gap row value = %v, want nil", points[1].Value)
	}
	if points[0].Seasonality != `{"hour":0}` {
		t.Errorf("seasonality = %q", points[0].Seasonality)
	}
}

func TestLastDatapointTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LastDatapointTimestamp(ctx, "orders")
	if err != nil {
		t.Fatalf("LastDatapointTimestamp: %v", err)
	}
	if ok {
		t.Error("expected no watermark for unknown metric")
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err = s.SaveDatapoints(ctx, []*DatapointRecord{
		{MetricName: "orders", Timestamp: base, Value: f(1)},
		{MetricName: "orders", Timestamp: base.Add(5 * time.Minute), Value: f(2)},
		{MetricName: "other", Timestamp: base.Add(time.Hour), Value: f(3)},
	})
	if err != nil {
		t.Fatalf("SaveDatapoints: %v", err)
	}

	ts, ok, err := s.LastDatapointTimestamp(ctx, "orders")
	if err != nil {
		t.Fatalf("LastDatapointTimestamp: %v", err)
	}
	if !ok {
		t.Fatal("expected a watermark")
	}
	if !ts.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("watermark = %v, want %v", ts, base.Add(5*time.Minute))
	}
}

func TestSaveDetectionsUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := &DetectionRecord{
		MetricName:      "orders",
		Timestamp:       ts,
		DetectorID:      "ab12cd34ef56ab78",
		DetectorType:    "mad",
		DetectorParams:  "{}",
		Value:           f(42),
		IsAnomaly:       false,
		ConfidenceLower: f(10),
		ConfidenceUpper: f(90),
		Metadata:        `{"direction":"none"}`,
	}
	if err := s.SaveDetections(ctx, []*DetectionRecord{rec}); err != nil {
		t.Fatalf("SaveDetections: %v", err)
	}

	// Re-running the detector over the same point overwrites the verdict.
	rec.IsAnomaly = true
	rec.Metadata = `{"direction":"above"}`
	if err := s.SaveDetections(ctx, []*DetectionRecord{rec}); err != nil {
		t.Fatalf("SaveDetections overwrite: %v", err)
	}

	got, err := s.GetDetectionsAt(ctx, "orders", ts)
	if err != nil {
		t.Fatalf("GetDetectionsAt: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d detections, want 1", len(got))
	}
	if !got[0].IsAnomaly {
		t.Error("overwrite lost is_anomaly")
	}
	if got[0].Metadata != `{"direction":"above"}` {
		t.Errorf("metadata = %q", got[0].Metadata)
	}
	if *got[0].ConfidenceUpper != 90 {
		t.Errorf("confidence_upper = %v", *got[0].ConfidenceUpper)
	}
}

func TestQueryDetectionsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	var recs []*DetectionRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, &DetectionRecord{
			MetricName: "orders",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			DetectorID: "d1",
			IsAnomaly:  i%2 == 0,
			Metadata:   "{}",
		})
	}
	if err := s.SaveDetections(ctx, recs); err != nil {
		t.Fatalf("SaveDetections: %v", err)
	}

	anomalies, err := s.QueryDetections(ctx, DetectionQuery{MetricName: "orders", OnlyAnomaly: true})
	if err != nil {
		t.Fatalf("QueryDetections: %v", err)
	}
	if len(anomalies) != 3 {
		t.Errorf("got %d anomalies, want 3", len(anomalies))
	}

	recent, err := s.RecentDetections(ctx, "orders", "d1", 2)
	if err != nil {
		t.Fatalf("RecentDetections: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d recent, want 2", len(recent))
	}
	if !recent[0].Timestamp.After(recent[1].Timestamp) {
		t.Error("recent detections not newest first")
	}
}

func TestMetricConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing, err := s.GetMetricConfig(ctx, "orders")
	if err != nil {
		t.Fatalf("GetMetricConfig: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unregistered metric")
	}

	rec := &MetricRecord{
		MetricName:         "orders",
		Query:              "SELECT ts, v FROM orders",
		Interval:           "5min",
		Detectors:          `[{"type":"mad"}]`,
		Alert:              `{"enabled":true}`,
		SeasonalityColumns: "hour,day_of_week",
		Enabled:            true,
	}
	if err := s.UpsertMetricConfig(ctx, rec); err != nil {
		t.Fatalf("UpsertMetricConfig: %v", err)
	}

	rec.Interval = "1h"
	rec.Enabled = false
	if err := s.UpsertMetricConfig(ctx, rec); err != nil {
		t.Fatalf("UpsertMetricConfig update: %v", err)
	}

	got, err := s.GetMetricConfig(ctx, "orders")
	if err != nil {
		t.Fatalf("GetMetricConfig: %v", err)
	}
	if got.Interval != "1h" || got.Enabled {
		t.Errorf("update not applied: %+v", got)
	}

	all, err := s.ListMetricConfigs(ctx)
	if err != nil {
		t.Fatalf("ListMetricConfigs: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d configs, want 1", len(all))
	}
}

func TestLockAcquireAndContention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "orders", "owner-a", time.Hour)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should win")
	}

	ok, err = s.AcquireLock(ctx, "orders", "owner-b", time.Hour)
	if err != nil {
		t.Fatalf("AcquireLock contend: %v", err)
	}
	if ok {
		t.Error("second acquire should lose while lock is held")
	}

	if err := s.ReleaseLock(ctx, "orders", "owner-a", TaskStatusCompleted, ""); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}

	task, err := s.GetTask(ctx, "orders")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != TaskStatusCompleted {
		t.Errorf("status = %q, want completed", task.Status)
	}
	if task.MetricName != "orders" || task.DetectorID != PipelineKey || task.ProcessType != PipelineKey {
		t.Errorf("pipeline row key = (%q, %q, %q)", task.MetricName, task.DetectorID, task.ProcessType)
	}

	ok, err = s.AcquireLock(ctx, "orders", "owner-b", time.Hour)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	if !ok {
		t.Error("acquire after release should win")
	}
}

func TestLockStaleTakeover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A zero timeout means the lock is stale the next second.
	ok, err := s.AcquireLock(ctx, "orders", "crashed-owner", 0)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should win")
	}

	time.Sleep(1100 * time.Millisecond)

	ok, err = s.AcquireLock(ctx, "orders", "new-owner", time.Hour)
	if err != nil {
		t.Fatalf("AcquireLock takeover: %v", err)
	}
	if !ok {
		t.Error("stale lock should be taken over")
	}

	task, err := s.GetTask(ctx, "orders")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Owner != "new-owner" {
		t.Errorf("owner = %q, want new-owner", task.Owner)
	}
}

func TestReleaseLockRequiresOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AcquireLock(ctx, "orders", "owner-a", time.Hour); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	// A non-owner release is a no-op.
	if err := s.ReleaseLock(ctx, "orders", "owner-b", TaskStatusCompleted, ""); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}

	task, err := s.GetTask(ctx, "orders")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != TaskStatusRunning {
		t.Errorf("status = %q, non-owner release must not change it", task.Status)
	}

	ok, err := s.AcquireLock(ctx, "orders", "owner-b", time.Hour)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if ok {
		t.Error("lock should still be held by owner-a")
	}
}

func TestAlertBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// No alerts recorded yet.
	_, ok, err := s.LastAlertSent(ctx, "orders")
	if err != nil {
		t.Fatalf("LastAlertSent: %v", err)
	}
	if ok {
		t.Error("unexpected alert timestamp before any dispatch")
	}

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.RecordAlertSent(ctx, "orders", first); err != nil {
		t.Fatalf("RecordAlertSent: %v", err)
	}
	if err := s.RecordAlertSent(ctx, "orders", first.Add(time.Hour)); err != nil {
		t.Fatalf("RecordAlertSent: %v", err)
	}

	got, ok, err := s.LastAlertSent(ctx, "orders")
	if err != nil {
		t.Fatalf("LastAlertSent: %v", err)
	}
	if !ok || !got.Equal(first.Add(time.Hour)) {
		t.Errorf("last alert = %v ok=%v", got, ok)
	}

	task, err := s.GetTask(ctx, "orders")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.AlertCount != 2 {
		t.Errorf("alert count = %d, want 2", task.AlertCount)
	}

	// Bookkeeping coexists with the lock columns on the same row.
	acquired, err := s.AcquireLock(ctx, "orders", "owner-a", time.Hour)
	if err != nil || !acquired {
		t.Fatalf("AcquireLock after bookkeeping: ok=%v err=%v", acquired, err)
	}
}
