package task

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/detectk/detectd/internal/alerting"
	"github.com/detectk/detectd/internal/config"
	"github.com/detectk/detectd/internal/detector"
	"github.com/detectk/detectd/internal/loader"
	"github.com/detectk/detectd/internal/query"
	"github.com/detectk/detectd/internal/series"
	"github.com/detectk/detectd/internal/store"
)

// gridClient synthesizes a steady series on the metric grid with a spike at
// the last complete point, whatever window the loader asks for. It records
// the rendered SQL it receives.
type gridClient struct {
	interval series.Interval
	seen     []string
}

func (c *gridClient) Query(_ context.Context, sql string) ([]map[string]any, error) {
	c.seen = append(c.seen, sql)
	spikeAt := alerting.LastCompletePoint(time.Now().UTC(), c.interval)
	var rows []map[string]any
	start := time.Now().UTC().Add(-2 * time.Hour).Truncate(c.interval.Duration())
	for ts := start; ts.Before(time.Now()); ts = ts.Add(c.interval.Duration()) {
		value := 10.0
		if ts.Equal(spikeAt) {
			value = 100.0
		}
		rows = append(rows, map[string]any{"timestamp": ts, "value": value})
	}
	return rows, nil
}
func (c *gridClient) Ping(context.Context) error { return nil }
func (c *gridClient) Close() error               { return nil }

type recordingChannel struct {
	name string
	got  []alerting.Message
}

func (c *recordingChannel) Name() string { return c.name }
func (c *recordingChannel) Send(_ context.Context, msg alerting.Message) bool {
	c.got = append(c.got, msg)
	return true
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testMetric wires a full pipeline over the synthetic source: a manual
// bounds detector (upper 50) and a recording alert channel.
func testMetric(t *testing.T, st store.Store) (*Metric, *recordingChannel) {
	t.Helper()

	interval, err := series.ParseInterval("5min")
	if err != nil {
		t.Fatalf("ParseInterval: %v", err)
	}
	cfg := &config.MetricConfig{
		Name:           "orders",
		Query:          `SELECT ts AS timestamp, v AS value FROM m WHERE ts >= '{{.dtk_start_time}}' AND ts < '{{.dtk_end_time}}'`,
		Interval:       "5min",
		ParsedInterval: interval,
		Lookback:       2 * time.Hour,
		Enabled:        true,
	}
	cfg.Alert.Enabled = true

	tmpl, err := query.New(cfg.Query)
	if err != nil {
		t.Fatalf("query.New: %v", err)
	}

	client := &gridClient{interval: interval}

	ld := loader.New(loader.Config{
		MetricName: cfg.Name,
		Interval:   interval,
		Lookback:   cfg.Lookback,
	}, tmpl, client, st, nil)

	upper := 50.0
	d, err := detector.NewManualBounds(detector.ManualBoundsParams{UpperBound: &upper})
	if err != nil {
		t.Fatalf("NewManualBounds: %v", err)
	}

	channel := &recordingChannel{name: "webhook"}
	orchestrator := alerting.NewOrchestrator(st, []alerting.Channel{channel}, alerting.Conditions{}, nil, 0, nil)

	return &Metric{
		Config:       cfg,
		Loader:       ld,
		Detectors:    []detector.Detector{d},
		Orchestrator: orchestrator,
	}, channel
}

func TestRunMetricPipeline(t *testing.T) {
	st := testStore(t)
	mgr := NewManager(st, time.Hour, 24*time.Hour, nil)

	metric, channel := testMetric(t, st)
	if err := mgr.Register(context.Background(), metric); err != nil {
		t.Fatalf("Register: %v", err)
	}

	report, err := mgr.RunMetric(context.Background(), "orders", false)
	if err != nil {
		t.Fatalf("RunMetric: %v", err)
	}

	if report.Status != StatusCompleted {
		t.Errorf("status = %q, want completed (error %q)", report.Status, report.Error)
	}
	if len(report.StepsCompleted) != 3 {
		t.Errorf("steps = %v, want load, detect, alert", report.StepsCompleted)
	}
	if report.DatapointsLoaded == 0 {
		t.Error("no datapoints loaded")
	}
	if report.AnomaliesDetected == 0 {
		t.Error("spike not counted as anomaly")
	}
	if !report.AlertsSent["webhook"] {
		t.Errorf("alert not delivered: %v", report.AlertsSent)
	}
	if len(channel.got) != 1 {
		t.Fatalf("channel received %d messages, want 1", len(channel.got))
	}
	if channel.got[0].MetricName != "orders" {
		t.Errorf("alert metric = %q", channel.got[0].MetricName)
	}

	// The lock is released after a successful run.
	task, err := st.GetTask(context.Background(), "orders")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskStatusCompleted {
		t.Errorf("task status = %q, want completed", task.Status)
	}

	// The config was mirrored into the store at registration.
	rec, err := st.GetMetricConfig(context.Background(), "orders")
	if err != nil {
		t.Fatalf("GetMetricConfig: %v", err)
	}
	if rec == nil || rec.Interval != "5min" {
		t.Errorf("metric registration = %+v", rec)
	}
}

func TestRunStepSelection(t *testing.T) {
	st := testStore(t)
	mgr := NewManager(st, time.Hour, 24*time.Hour, nil)

	metric, channel := testMetric(t, st)
	if err := mgr.Register(context.Background(), metric); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Load only: datapoints land, no verdicts, no alerts.
	report, err := mgr.Run(context.Background(), "orders", RunOptions{Steps: []string{StepLoad}})
	if err != nil {
		t.Fatalf("Run load: %v", err)
	}
	if len(report.StepsCompleted) != 1 || report.StepsCompleted[0] != StepLoad {
		t.Errorf("steps = %v, want load only", report.StepsCompleted)
	}
	if report.DatapointsLoaded == 0 {
		t.Error("no datapoints loaded")
	}
	if report.AnomaliesDetected != 0 || report.AlertsSent != nil || len(channel.got) != 0 {
		t.Errorf("load-only run ran later steps: %+v", report)
	}
	verdicts, err := st.QueryDetections(context.Background(), store.DetectionQuery{MetricName: "orders"})
	if err != nil {
		t.Fatalf("QueryDetections: %v", err)
	}
	if len(verdicts) != 0 {
		t.Errorf("load-only run stored %d verdicts", len(verdicts))
	}

	// Detect and alert pick up the already-loaded data.
	report, err = mgr.Run(context.Background(), "orders", RunOptions{Steps: []string{StepDetect, StepAlert}})
	if err != nil {
		t.Fatalf("Run detect+alert: %v", err)
	}
	if len(report.StepsCompleted) != 2 {
		t.Errorf("steps = %v, want detect, alert", report.StepsCompleted)
	}
	if report.AnomaliesDetected == 0 {
		t.Error("spike not counted without a load step")
	}
	if !report.AlertsSent["webhook"] || len(channel.got) != 1 {
		t.Errorf("alert not delivered: %v", report.AlertsSent)
	}

	// An unknown step fails the run.
	report, err = mgr.Run(context.Background(), "orders", RunOptions{Steps: []string{"purge"}})
	if err == nil {
		t.Fatal("unknown step should fail")
	}
	if report.Status != StatusFailed {
		t.Errorf("status = %q, want failed", report.Status)
	}
}

func TestRunWindowOverride(t *testing.T) {
	st := testStore(t)
	mgr := NewManager(st, time.Hour, 24*time.Hour, nil)

	metric, _ := testMetric(t, st)
	client := &gridClient{interval: metric.Config.ParsedInterval}
	tmpl, err := query.New(metric.Config.Query)
	if err != nil {
		t.Fatalf("query.New: %v", err)
	}
	metric.Loader = loader.New(loader.Config{
		MetricName: metric.Config.Name,
		Interval:   metric.Config.ParsedInterval,
	}, tmpl, client, st, nil)
	if err := mgr.Register(context.Background(), metric); err != nil {
		t.Fatalf("Register: %v", err)
	}

	from := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err = mgr.Run(context.Background(), "orders", RunOptions{
		Steps: []string{StepLoad},
		From:  from,
		To:    from.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The explicit bounds reach the rendered query instead of the watermark.
	if len(client.seen) != 1 {
		t.Fatalf("expected one query, got %d", len(client.seen))
	}
	for _, want := range []string{"2024-05-01 12:00:00", "2024-05-01 13:00:00"} {
		if !strings.Contains(client.seen[0], want) {
			t.Errorf("rendered query missing %s: %s", want, client.seen[0])
		}
	}
}

func TestHistorySpan(t *testing.T) {
	interval, err := series.ParseInterval("1h")
	if err != nil {
		t.Fatalf("ParseInterval: %v", err)
	}

	cfg := &config.MetricConfig{ParsedInterval: interval, Detectors: []config.DetectorConfig{
		{Type: "zscore"},
		{Type: "mad", Params: map[string]any{"window_size": 200}},
		{Type: "manual_bounds"},
	}}
	if got := historySpan(cfg); got != 200*time.Hour {
		t.Errorf("historySpan = %v, want largest window times interval", got)
	}

	bounds := &config.MetricConfig{ParsedInterval: interval, Detectors: []config.DetectorConfig{
		{Type: "manual_bounds"},
	}}
	if got := historySpan(bounds); got != time.Hour {
		t.Errorf("historySpan = %v, want one interval for windowless detectors", got)
	}
}

func TestRunMetricLocked(t *testing.T) {
	st := testStore(t)
	mgr := NewManager(st, time.Hour, 24*time.Hour, nil)

	metric, _ := testMetric(t, st)
	if err := mgr.Register(context.Background(), metric); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Another process holds the lock.
	ok, err := st.AcquireLock(context.Background(), "orders", "other-process", time.Hour)
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	report, err := mgr.RunMetric(context.Background(), "orders", false)
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	if report.Status != StatusLocked {
		t.Errorf("status = %q, want locked", report.Status)
	}

	// Force ignores the held lock.
	report, err = mgr.RunMetric(context.Background(), "orders", true)
	if err != nil {
		t.Fatalf("forced RunMetric: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Errorf("forced status = %q (error %q)", report.Status, report.Error)
	}

	// The foreign lock survives the forced run.
	task, err := st.GetTask(context.Background(), "orders")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Owner != "other-process" {
		t.Errorf("owner = %q, forced run must not steal the lock", task.Owner)
	}
}

func TestRunMetricUnknownAndDisabled(t *testing.T) {
	st := testStore(t)
	mgr := NewManager(st, time.Hour, 24*time.Hour, nil)

	if _, err := mgr.RunMetric(context.Background(), "ghost", false); !errors.Is(err, ErrUnknownMetric) {
		t.Errorf("expected ErrUnknownMetric, got %v", err)
	}

	metric, _ := testMetric(t, st)
	metric.Config.Enabled = false
	if err := mgr.Register(context.Background(), metric); err != nil {
		t.Fatalf("Register: %v", err)
	}
	report, err := mgr.RunMetric(context.Background(), "orders", false)
	if err != nil {
		t.Fatalf("RunMetric: %v", err)
	}
	if report.Status != StatusDisabled {
		t.Errorf("status = %q, want disabled", report.Status)
	}
}

func TestMetricStatus(t *testing.T) {
	st := testStore(t)
	mgr := NewManager(st, time.Hour, 24*time.Hour, nil)

	metric, _ := testMetric(t, st)
	if err := mgr.Register(context.Background(), metric); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := mgr.RunMetric(context.Background(), "orders", false); err != nil {
		t.Fatalf("RunMetric: %v", err)
	}

	status, err := mgr.MetricStatus(context.Background(), "orders")
	if err != nil {
		t.Fatalf("MetricStatus: %v", err)
	}
	if status.Watermark == nil {
		t.Error("watermark missing after a run")
	}
	if status.Task == nil || status.Task.Status != store.TaskStatusCompleted {
		t.Errorf("task = %+v", status.Task)
	}
	if status.RecentAnomalies == 0 {
		t.Error("spike missing from recent anomalies")
	}
}

func TestRunnerStartStop(t *testing.T) {
	st := testStore(t)
	mgr := NewManager(st, time.Hour, 24*time.Hour, nil)

	metric, _ := testMetric(t, st)
	if err := mgr.Register(context.Background(), metric); err != nil {
		t.Fatalf("Register: %v", err)
	}

	runner := NewRunner(mgr, nil)
	runner.Start(context.Background())

	// The immediate run lands before long.
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := st.GetTask(context.Background(), "orders")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task != nil && task.Status == store.TaskStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("periodic run never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	runner.Stop()

	// Stop is idempotent and Start can resume.
	runner.Stop()
	runner.Start(context.Background())
	runner.Stop()
}
