// Package server exposes the engine over HTTP: an operations API for
// listing, inspecting, and triggering metrics, Prometheus metrics, and a
// WebSocket feed of run reports.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/detectk/detectd/internal/middleware"
	"github.com/detectk/detectd/internal/store"
	"github.com/detectk/detectd/internal/task"
)

// Config holds the HTTP listener settings.
type Config struct {
	Port           int
	AllowedOrigins []string
	// RateLimitPerMin throttles /api/v1 requests per client host. Zero
	// disables throttling.
	RateLimitPerMin int
}

// Server serves the operations API over a registered task manager.
type Server struct {
	cfg     Config
	mgr     *task.Manager
	st      store.Store
	hub     *Hub
	limiter *middleware.RateLimiter
	log     *zap.Logger

	httpServer *http.Server

	mu      sync.Mutex
	running bool
}

// New builds a server. The hub starts broadcasting once Start is called.
func New(cfg Config, mgr *task.Manager, st store.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg: cfg,
		mgr: mgr,
		st:  st,
		hub: NewHub(cfg.AllowedOrigins, log),
		log: log,
	}
	if cfg.RateLimitPerMin > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitPerMin)
	}
	mgr.SetReportHook(s.hub.BroadcastReport)
	return s
}

// Router assembles the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		api.Use(mux.MiddlewareFunc(s.limiter.Wrap))
	}
	api.HandleFunc("/metrics", s.handleListMetrics).Methods(http.MethodGet)
	api.HandleFunc("/metrics/{name}", s.handleMetricStatus).Methods(http.MethodGet)
	api.HandleFunc("/metrics/{name}/run", s.handleRunMetric).Methods(http.MethodPost)
	api.HandleFunc("/metrics/{name}/detections", s.handleDetections).Methods(http.MethodGet)

	r.HandleFunc("/ws/events", s.hub.handleUpgrade)

	return r
}

// Start begins listening. It returns once the listener goroutine is up.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server is already running")
	}
	s.running = true

	s.hub.Start()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.log.Info("http server listening", zap.Int("port", s.cfg.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the listener and closes the WebSocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.hub.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return err
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	names := s.mgr.MetricNames()
	items := make([]*task.Status, 0, len(names))
	for _, name := range names {
		status, err := s.mgr.MetricStatus(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		items = append(items, status)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": items,
		"count":   len(items),
	})
}

func (s *Server) handleMetricStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	status, err := s.mgr.MetricStatus(r.Context(), name)
	if err != nil {
		if errors.Is(err, task.ErrUnknownMetric) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRunMetric(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	opts := task.RunOptions{}
	opts.Force, _ = strconv.ParseBool(r.URL.Query().Get("force"))

	if v := r.URL.Query().Get("steps"); v != "" {
		for _, step := range strings.Split(v, ",") {
			step = strings.TrimSpace(step)
			switch step {
			case task.StepLoad, task.StepDetect, task.StepAlert:
				opts.Steps = append(opts.Steps, step)
			default:
				writeError(w, http.StatusBadRequest, fmt.Errorf("unknown step %q", step))
				return
			}
		}
	}
	if v := r.URL.Query().Get("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
			return
		}
		opts.From = from
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid to: %w", err))
			return
		}
		opts.To = to
	}

	report, err := s.mgr.Run(r.Context(), name, opts)
	switch {
	case errors.Is(err, task.ErrUnknownMetric):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, task.ErrLocked):
		writeJSON(w, http.StatusConflict, report)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, report)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	q := store.DetectionQuery{MetricName: name}

	if v := r.URL.Query().Get("anomaly"); v != "" {
		q.OnlyAnomaly, _ = strconv.ParseBool(v)
	}
	if v := r.URL.Query().Get("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
			return
		}
		q.From = from
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid to: %w", err))
			return
		}
		q.To = to
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = n
	}

	detections, err := s.st.QueryDetections(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(detections) > limit {
		detections = detections[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detections": detections,
		"count":      len(detections),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
