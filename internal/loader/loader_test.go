package loader

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/detectk/detectd/internal/query"
	"github.com/detectk/detectd/internal/series"
	"github.com/detectk/detectd/internal/store"
)

// fakeClient returns canned rows and records the rendered SQL it received.
type fakeClient struct {
	rows []map[string]any
	err  error
	seen []string
}

func (c *fakeClient) Query(_ context.Context, sql string) ([]map[string]any, error) {
	c.seen = append(c.seen, sql)
	return c.rows, c.err
}
func (c *fakeClient) Ping(context.Context) error { return nil }
func (c *fakeClient) Close() error               { return nil }

func testStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLoader(t *testing.T, cfg Config, client *fakeClient, st store.Store) *Loader {
	t.Helper()
	tmpl, err := query.New(`SELECT ts AS timestamp, v AS value FROM m WHERE ts >= '{{.dtk_start_time}}' AND ts < '{{.dtk_end_time}}'`)
	if err != nil {
		t.Fatalf("query.New: %v", err)
	}
	return New(cfg, tmpl, client, st, nil)
}

func fiveMin(t *testing.T) series.Interval {
	t.Helper()
	iv, err := series.ParseInterval("5min")
	if err != nil {
		t.Fatalf("ParseInterval: %v", err)
	}
	return iv
}

func TestLoadSchemaValidation(t *testing.T) {
	st := testStore(t)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)

	noTS := &fakeClient{rows: []map[string]any{{"value": 1.0}}}
	l := testLoader(t, Config{MetricName: "orders", Interval: fiveMin(t)}, noTS, st)
	if _, err := l.Load(context.Background(), start, end); !errors.Is(err, ErrBadSchema) {
		t.Errorf("missing timestamp column: got %v, want ErrBadSchema", err)
	}

	noValue := &fakeClient{rows: []map[string]any{{"timestamp": start}}}
	l = testLoader(t, Config{MetricName: "orders", Interval: fiveMin(t)}, noValue, st)
	if _, err := l.Load(context.Background(), start, end); !errors.Is(err, ErrBadSchema) {
		t.Errorf("missing value column: got %v, want ErrBadSchema", err)
	}
}

func TestLoadGapFillAndAlignment(t *testing.T) {
	st := testStore(t)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)

	client := &fakeClient{rows: []map[string]any{
		{"timestamp": start, "value": 10.0},
		// Off-grid row floors into the 12:00 bucket and overwrites it.
		{"timestamp": start.Add(2 * time.Minute), "value": 11.0},
		// String shapes parse too.
		{"timestamp": "2024-05-01 12:10:00", "value": "30"},
	}}

	l := testLoader(t, Config{MetricName: "orders", Interval: fiveMin(t), FillGaps: true}, client, st)
	bundle, err := l.Load(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Expansion spans the observed buckets only: 12:00, 12:05, 12:10.
	if bundle.Len() != 3 {
		t.Fatalf("got %d buckets, want 3", bundle.Len())
	}
	if *bundle.Values[0] != 11.0 {
		t.Errorf("bucket 12:00 = %v, want 11 (last duplicate wins)", *bundle.Values[0])
	}
	if bundle.Values[1] != nil {
		t.Errorf("bucket 12:05 = %v, want nil gap", bundle.Values[1])
	}
	if *bundle.Values[2] != 30.0 {
		t.Errorf("bucket 12:10 = %v, want 30", *bundle.Values[2])
	}

	if len(client.seen) != 1 {
		t.Fatalf("expected one query, got %d", len(client.seen))
	}
	if want := "'2024-05-01 12:00:00'"; !strings.Contains(client.seen[0], want) {
		t.Errorf("rendered query missing %s: %s", want, client.seen[0])
	}
}

func TestLoadSparseWindows(t *testing.T) {
	st := testStore(t)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(50 * time.Minute)

	// A single observed bucket gives nothing to expand between: no null
	// datapoints are synthesized around it.
	single := &fakeClient{rows: []map[string]any{{"timestamp": start.Add(10 * time.Minute), "value": 7.0}}}
	l := testLoader(t, Config{MetricName: "orders", Interval: fiveMin(t), FillGaps: true}, single, st)
	bundle, err := l.Load(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if bundle.Len() != 1 {
		t.Fatalf("single row produced %d buckets, want 1", bundle.Len())
	}
	if *bundle.Values[0] != 7.0 {
		t.Errorf("value = %v, want 7", *bundle.Values[0])
	}

	// No rows, no buckets.
	empty := &fakeClient{}
	l = testLoader(t, Config{MetricName: "orders", Interval: fiveMin(t), FillGaps: true}, empty, st)
	bundle, err = l.Load(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if bundle.Len() != 0 {
		t.Errorf("empty result produced %d buckets, want 0", bundle.Len())
	}

	// With gap filling off the observed buckets pass through as-is.
	sparse := &fakeClient{rows: []map[string]any{
		{"timestamp": start, "value": 1.0},
		{"timestamp": start.Add(30 * time.Minute), "value": 2.0},
	}}
	l = testLoader(t, Config{MetricName: "orders", Interval: fiveMin(t)}, sparse, st)
	bundle, err = l.Load(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if bundle.Len() != 2 {
		t.Fatalf("got %d buckets, want 2 without gap filling", bundle.Len())
	}
	if bundle.Values[0] == nil || bundle.Values[1] == nil {
		t.Error("observed buckets should keep their values")
	}
}

func TestLoadSeasonalityEnrichment(t *testing.T) {
	st := testStore(t)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	client := &fakeClient{rows: []map[string]any{{"timestamp": start, "value": 1.0}}}

	l := testLoader(t, Config{
		MetricName:         "orders",
		Interval:           fiveMin(t),
		SeasonalityColumns: []string{"hour"},
	}, client, st)

	bundle, err := l.Load(context.Background(), start, start.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if bundle.SeasonalityData[0] != `{"hour":12}` {
		t.Errorf("seasonality = %q", bundle.SeasonalityData[0])
	}
}

func TestWindowWatermark(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 3, 0, 0, time.UTC)

	l := testLoader(t, Config{MetricName: "orders", Interval: fiveMin(t)}, &fakeClient{}, st)

	// First load with neither watermark nor lookback is an error.
	if _, _, err := l.Window(ctx, now); !errors.Is(err, ErrNoWatermark) {
		t.Errorf("expected ErrNoWatermark, got %v", err)
	}

	// A lookback bootstraps the first window.
	lb := testLoader(t, Config{MetricName: "orders", Interval: fiveMin(t), Lookback: time.Hour}, &fakeClient{}, st)
	start, end, err := lb.Window(ctx, now)
	if err != nil {
		t.Fatalf("Window with lookback: %v", err)
	}
	if !start.Equal(time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("lookback start = %v", start)
	}
	if !end.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v, want the last closed bucket boundary", end)
	}

	// With stored data the window resumes one interval past the watermark.
	last := time.Date(2024, 5, 1, 11, 40, 0, 0, time.UTC)
	v := 1.0
	if _, err := st.SaveDatapoints(ctx, []*store.DatapointRecord{
		{MetricName: "orders", Timestamp: last, Value: &v},
	}); err != nil {
		t.Fatalf("SaveDatapoints: %v", err)
	}
	start, _, err = l.Window(ctx, now)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if !start.Equal(last.Add(5 * time.Minute)) {
		t.Errorf("start = %v, want watermark + interval", start)
	}
}

func TestLoadAndSave(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)

	client := &fakeClient{rows: []map[string]any{
		{"timestamp": start, "value": 5.0},
		{"timestamp": start.Add(5 * time.Minute), "value": 6.0},
	}}
	l := testLoader(t, Config{MetricName: "orders", Interval: fiveMin(t)}, client, st)

	_, stored, err := l.LoadAndSave(ctx, start, end)
	if err != nil {
		t.Fatalf("LoadAndSave: %v", err)
	}
	if stored != 2 {
		t.Errorf("stored = %d, want 2", stored)
	}

	// Overlapping reload stores nothing new.
	_, stored, err = l.LoadAndSave(ctx, start, end)
	if err != nil {
		t.Fatalf("LoadAndSave overlap: %v", err)
	}
	if stored != 0 {
		t.Errorf("overlap stored = %d, want 0", stored)
	}

	history, err := l.History(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if history.Len() != 2 {
		t.Errorf("history len = %d, want 2", history.Len())
	}
}
