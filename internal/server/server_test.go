package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/detectk/detectd/internal/config"
	"github.com/detectk/detectd/internal/store"
	"github.com/detectk/detectd/internal/task"
)

func newTestServer(t *testing.T) (*Server, store.Store, *task.Manager) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mgr := task.NewManager(st, time.Hour, 24*time.Hour, nil)
	return New(Config{Port: 0}, mgr, st, nil), st, mgr
}

func registerMetric(t *testing.T, mgr *task.Manager, name string, enabled bool) {
	t.Helper()
	err := mgr.Register(context.Background(), &task.Metric{
		Config: &config.MetricConfig{
			Name:     name,
			Query:    "SELECT 1",
			Interval: "5min",
			Enabled:  enabled,
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealthAndReady(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "healthy" {
		t.Errorf("healthz body = %v", body)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz = %d", rec.Code)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected default process metrics in exposition")
	}
}

func TestListMetrics(t *testing.T) {
	srv, _, mgr := newTestServer(t)
	registerMetric(t, mgr, "orders", true)
	registerMetric(t, mgr, "signups", false)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(2) {
		t.Errorf("count = %v", body["count"])
	}
}

func TestMetricStatusNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRunMetricDisabled(t *testing.T) {
	srv, _, mgr := newTestServer(t)
	registerMetric(t, mgr, "orders", false)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/metrics/orders/run", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("run = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "disabled" {
		t.Errorf("report = %v", body)
	}
}

func TestRunMetricLockedConflict(t *testing.T) {
	srv, st, mgr := newTestServer(t)
	registerMetric(t, mgr, "orders", true)

	ok, err := st.AcquireLock(context.Background(), "orders", "other-process", time.Hour)
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/metrics/orders/run", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("run = %d, want 409", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "locked" {
		t.Errorf("report = %v", body)
	}
}

func TestDetectionsQuery(t *testing.T) {
	srv, st, mgr := newTestServer(t)
	registerMetric(t, mgr, "orders", true)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []*store.DetectionRecord{
		{MetricName: "orders", Timestamp: ts, DetectorID: "aaaa", DetectorType: "mad", DetectorParams: "{}", IsAnomaly: true, Metadata: "{}"},
		{MetricName: "orders", Timestamp: ts.Add(5 * time.Minute), DetectorID: "aaaa", DetectorType: "mad", DetectorParams: "{}", IsAnomaly: false, Metadata: "{}"},
	}
	if err := st.SaveDetections(context.Background(), recs); err != nil {
		t.Fatalf("SaveDetections: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics/orders/detections?anomaly=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("detections = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["count"] != float64(1) {
		t.Errorf("anomaly count = %v", body["count"])
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics/orders/detections?limit=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics/orders/detections?from=not-a-time", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad from = %d, want 400", rec.Code)
	}
}

func TestOriginChecker(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", nil, "", "api.example.com", true},
		{"same host default", nil, "http://api.example.com", "api.example.com", true},
		{"cross origin default", nil, "http://evil.example.com", "api.example.com", false},
		{"listed origin", []string{"http://ui.example.com"}, "http://ui.example.com", "api.example.com", true},
		{"unlisted origin", []string{"http://ui.example.com"}, "http://evil.example.com", "api.example.com", false},
		{"wildcard", []string{"*"}, "http://anywhere.example.com", "api.example.com", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			check := originChecker(tc.allowed)
			r := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
			r.Host = tc.host
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := check(r); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWebSocketRunReports(t *testing.T) {
	srv, _, mgr := newTestServer(t)
	srv.hub.Start()
	defer srv.hub.Stop()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server side a moment to finish attaching the client.
	time.Sleep(50 * time.Millisecond)

	// The hook installed at construction routes manager reports to the hub.
	registerMetric(t, mgr, "orders", false)
	if _, err := mgr.RunMetric(context.Background(), "orders", false); err != nil {
		t.Fatalf("RunMetric: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != EventRunReport {
		t.Fatalf("event type = %q", ev.Type)
	}
	if ev.Report == nil || ev.Report.MetricName != "orders" {
		t.Errorf("report = %+v", ev.Report)
	}
}
