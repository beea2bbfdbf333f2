// Package task coordinates the per-metric detection pipeline.
//
// Responsibilities:
//   - Run one metric end to end: load new datapoints, score them with the
//     metric's detectors, persist the verdicts, and evaluate alerts
//   - Serialize runs through database-backed locks so concurrent engine
//     processes sharing one store never double-run a metric
//   - Report what each run did, step by step
//   - Drive periodic runs on each metric's interval
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/detectk/detectd/internal/alerting"
	"github.com/detectk/detectd/internal/config"
	"github.com/detectk/detectd/internal/detector"
	"github.com/detectk/detectd/internal/loader"
	"github.com/detectk/detectd/internal/metrics"
	"github.com/detectk/detectd/internal/series"
	"github.com/detectk/detectd/internal/store"
)

// ErrLocked is returned when another process holds a metric's lock.
var ErrLocked = errors.New("failed to acquire lock")

// ErrUnknownMetric is returned for metrics the manager has not registered.
var ErrUnknownMetric = errors.New("unknown metric")

// Run step names, in pipeline order.
const (
	StepLoad   = "load"
	StepDetect = "detect"
	StepAlert  = "alert"
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusLocked    = "locked"
	StatusDisabled  = "disabled"
)

// Report describes what one metric run did.
type Report struct {
	MetricName        string          `json:"metric_name"`
	Status            string          `json:"status"`
	StepsCompleted    []string        `json:"steps_completed"`
	DatapointsLoaded  int             `json:"datapoints_loaded"`
	AnomaliesDetected int             `json:"anomalies_detected"`
	AlertsSent        map[string]bool `json:"alerts_sent,omitempty"`
	Error             string          `json:"error,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
}

// Metric bundles everything needed to run one metric.
type Metric struct {
	Config       *config.MetricConfig
	Loader       *loader.Loader
	Detectors    []detector.Detector
	Orchestrator *alerting.Orchestrator

	// HistoryWindow is how far behind the freshly loaded slice the detect
	// step re-reads history, sized so the largest rolling window is full.
	// Zero falls back to the manager's detection window.
	HistoryWindow time.Duration
}

// Manager runs registered metrics under database locks.
type Manager struct {
	store           store.Store
	lockTimeout     time.Duration
	detectionWindow time.Duration
	log             *zap.Logger

	mu      sync.RWMutex
	metrics map[string]*Metric
	hook    ReportHook
}

// ReportHook observes every finished run report.
type ReportHook func(*Report)

// NewManager builds a manager. The detection window bounds how far back each
// run re-reads history for rolling baselines.
func NewManager(st store.Store, lockTimeout, detectionWindow time.Duration, log *zap.Logger) *Manager {
	if lockTimeout <= 0 {
		lockTimeout = time.Hour
	}
	if detectionWindow <= 0 {
		detectionWindow = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:           st,
		lockTimeout:     lockTimeout,
		detectionWindow: detectionWindow,
		log:             log,
		metrics:         map[string]*Metric{},
	}
}

// Register adds a metric and mirrors its config into the store.
func (m *Manager) Register(ctx context.Context, metric *Metric) error {
	m.mu.Lock()
	m.metrics[metric.Config.Name] = metric
	m.mu.Unlock()

	detectors, _ := json.Marshal(metric.Config.Detectors)
	alert, _ := json.Marshal(metric.Config.Alert)
	return m.store.UpsertMetricConfig(ctx, &store.MetricRecord{
		MetricName:         metric.Config.Name,
		Query:              metric.Config.Query,
		Interval:           metric.Config.Interval,
		Detectors:          string(detectors),
		Alert:              string(alert),
		SeasonalityColumns: strings.Join(metric.Config.Seasonality, ","),
		Enabled:            metric.Config.Enabled,
	})
}

// MetricNames returns the registered metric names, sorted.
func (m *Manager) MetricNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.metrics))
	for name := range m.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetReportHook installs an observer for finished runs, manual and periodic
// alike.
func (m *Manager) SetReportHook(hook ReportHook) {
	m.mu.Lock()
	m.hook = hook
	m.mu.Unlock()
}

func (m *Manager) reportHook() ReportHook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hook
}

func (m *Manager) metric(name string) (*Metric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metric, ok := m.metrics[name]
	return metric, ok
}

// RunOptions tunes one metric run.
type RunOptions struct {
	// Steps selects a subset of the pipeline steps. Empty runs all three.
	Steps []string

	// From and To override the load window. Zero bounds resolve through
	// the loader's watermark.
	From time.Time
	To   time.Time

	// Force ignores a held lock rather than aborting the run.
	Force bool
}

// RunMetric runs one metric's full pipeline. With force set, a held lock is
// ignored rather than aborting the run.
func (m *Manager) RunMetric(ctx context.Context, name string, force bool) (*Report, error) {
	return m.Run(ctx, name, RunOptions{Force: force})
}

// Run runs one metric's pipeline with the given options.
func (m *Manager) Run(ctx context.Context, name string, opts RunOptions) (*Report, error) {
	metric, ok := m.metric(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}

	report := &Report{MetricName: name, StartedAt: time.Now()}
	defer func() {
		report.FinishedAt = time.Now()
		metrics.TaskRuns.WithLabelValues(name, report.Status).Inc()
		metrics.TaskDuration.WithLabelValues(name).Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
		if hook := m.reportHook(); hook != nil {
			hook(report)
		}
	}()

	if !metric.Config.Enabled {
		report.Status = StatusDisabled
		return report, nil
	}

	owner := uuid.NewString()
	acquired, err := m.store.AcquireLock(ctx, name, owner, m.lockTimeout)
	if err != nil {
		report.Status = StatusFailed
		report.Error = err.Error()
		return report, err
	}
	if !acquired {
		metrics.LockContention.WithLabelValues(name).Inc()
		if !opts.Force {
			report.Status = StatusLocked
			err := fmt.Errorf("%w for metric %q", ErrLocked, name)
			report.Error = err.Error()
			return report, err
		}
		m.log.Warn("running despite held lock", zap.String("metric", name))
	}

	runErr := m.run(ctx, metric, report, opts)
	status := store.TaskStatusCompleted
	if runErr != nil {
		status = store.TaskStatusFailed
		report.Status = StatusFailed
		report.Error = runErr.Error()
	} else {
		report.Status = StatusCompleted
	}

	if acquired {
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		if err := m.store.ReleaseLock(ctx, name, owner, status, errMsg); err != nil {
			m.log.Error("release lock", zap.String("metric", name), zap.Error(err))
		}
	}
	return report, runErr
}

// run executes the selected pipeline steps against an already-held lock.
func (m *Manager) run(ctx context.Context, metric *Metric, report *Report, opts RunOptions) error {
	name := metric.Config.Name

	selected := map[string]bool{}
	if len(opts.Steps) == 0 {
		opts.Steps = []string{StepLoad, StepDetect, StepAlert}
	}
	for _, step := range opts.Steps {
		switch step {
		case StepLoad, StepDetect, StepAlert:
			selected[step] = true
		default:
			return fmt.Errorf("unknown step %q", step)
		}
	}

	// Load.
	var bundle *series.Bundle
	if selected[StepLoad] {
		loaded, stored, err := metric.Loader.LoadAndSave(ctx, opts.From, opts.To)
		if err != nil {
			metrics.LoadErrors.WithLabelValues(name).Inc()
			return fmt.Errorf("load: %w", err)
		}
		bundle = loaded
		report.DatapointsLoaded = stored
		report.StepsCompleted = append(report.StepsCompleted, StepLoad)
		metrics.DatapointsLoaded.WithLabelValues(name).Add(float64(stored))
	}

	// Detect over enough history for the rolling windows, anchored at the
	// start of the fresh slice when one was loaded.
	if selected[StepDetect] {
		span := metric.HistoryWindow
		if span <= 0 {
			span = m.detectionWindow
		}
		anchor := time.Now()
		if bundle != nil && bundle.Len() > 0 {
			anchor = bundle.Timestamps[0]
		}
		history, err := metric.Loader.History(ctx, anchor.Add(-span), time.Time{})
		if err != nil {
			return fmt.Errorf("detect: %w", err)
		}

		// Only freshly loaded timestamps count toward the report; without
		// a load step the whole scored history counts.
		fresh := map[time.Time]bool{}
		if bundle != nil {
			for _, ts := range bundle.Timestamps {
				fresh[ts] = true
			}
		} else {
			for _, ts := range history.Timestamps {
				fresh[ts] = true
			}
		}

		for _, d := range metric.Detectors {
			results, err := d.Detect(history)
			if err != nil {
				return fmt.Errorf("detect %s: %w", d.Name(), err)
			}

			recs := make([]*store.DetectionRecord, 0, len(results))
			for _, r := range results {
				meta, _ := json.Marshal(r.Metadata)
				recs = append(recs, &store.DetectionRecord{
					MetricName:      name,
					Timestamp:       r.Timestamp,
					DetectorID:      d.ID(),
					DetectorType:    d.Name(),
					DetectorParams:  d.ParamsJSON(),
					Value:           r.Value,
					IsAnomaly:       r.IsAnomaly,
					ConfidenceLower: r.ConfidenceLower,
					ConfidenceUpper: r.ConfidenceUpper,
					Metadata:        string(meta),
				})
				if r.IsAnomaly && fresh[r.Timestamp] {
					report.AnomaliesDetected++
				}
			}
			if err := m.store.SaveDetections(ctx, recs); err != nil {
				return fmt.Errorf("save detections %s: %w", d.Name(), err)
			}

			metrics.DetectionsRun.WithLabelValues(name, d.Name()).Add(float64(len(results)))
			anomalies := 0
			for _, r := range results {
				if r.IsAnomaly {
					anomalies++
				}
			}
			metrics.AnomaliesFlagged.WithLabelValues(name, d.Name()).Add(float64(anomalies))
		}
		report.StepsCompleted = append(report.StepsCompleted, StepDetect)
	}

	// Alert.
	if selected[StepAlert] {
		if metric.Config.Alert.Enabled && metric.Orchestrator != nil {
			decision, err := metric.Orchestrator.Evaluate(ctx, name, metric.Config.ParsedInterval, time.Now())
			if err != nil {
				return fmt.Errorf("alert: %w", err)
			}
			if decision.ShouldAlert {
				report.AlertsSent = metric.Orchestrator.SendAlerts(ctx, name, decision)
				for channel, ok := range report.AlertsSent {
					result := "ok"
					if !ok {
						result = "failed"
					}
					metrics.AlertsSent.WithLabelValues(name, channel, result).Inc()
				}
			}
		}
		report.StepsCompleted = append(report.StepsCompleted, StepAlert)
	}

	return nil
}

// RunAll runs every registered metric sequentially and reports each outcome.
// Individual failures do not stop the sweep.
func (m *Manager) RunAll(ctx context.Context) map[string]*Report {
	reports := map[string]*Report{}
	for _, name := range m.MetricNames() {
		report, err := m.RunMetric(ctx, name, false)
		if err != nil {
			m.log.Warn("metric run failed", zap.String("metric", name), zap.Error(err))
		}
		reports[name] = report
	}
	return reports
}

// Status is a point-in-time view of one metric's task state.
type Status struct {
	MetricName      string            `json:"metric_name"`
	Enabled         bool              `json:"enabled"`
	Task            *store.TaskRecord `json:"task,omitempty"`
	Watermark       *time.Time        `json:"watermark,omitempty"`
	RecentAnomalies int               `json:"recent_anomalies"`
}

// MetricStatus reports a metric's lock state, watermark, and anomaly count
// over the last day.
func (m *Manager) MetricStatus(ctx context.Context, name string) (*Status, error) {
	metric, ok := m.metric(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}

	status := &Status{MetricName: name, Enabled: metric.Config.Enabled}

	task, err := m.store.GetTask(ctx, name)
	if err != nil {
		return nil, err
	}
	status.Task = task

	ts, ok, err := m.store.LastDatapointTimestamp(ctx, name)
	if err != nil {
		return nil, err
	}
	if ok {
		status.Watermark = &ts
	}

	anomalies, err := m.store.QueryDetections(ctx, store.DetectionQuery{
		MetricName:  name,
		OnlyAnomaly: true,
		From:        time.Now().Add(-24 * time.Hour),
	})
	if err != nil {
		return nil, err
	}
	status.RecentAnomalies = len(anomalies)

	return status, nil
}
