package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner drives periodic metric runs. Each metric ticks on its own
// interval, so a 1m metric and a 1h metric coexist without a shared cadence.
type Runner struct {
	mgr *Manager
	log *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner builds a runner over the manager's registered metrics.
func NewRunner(mgr *Manager, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{mgr: mgr, log: log}
}

// Start launches one ticking goroutine per registered metric. Each metric
// runs once immediately, then on every interval tick. Start is a no-op when
// already running.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	for _, name := range r.mgr.MetricNames() {
		metric, ok := r.mgr.metric(name)
		if !ok || !metric.Config.Enabled {
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, name, metric.Config.ParsedInterval.Duration())
	}
}

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration) {
	defer r.wg.Done()

	r.runOnce(ctx, name)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string) {
	report, err := r.mgr.RunMetric(ctx, name, false)
	if err != nil {
		// Locked runs are routine when several engines share a store.
		if report != nil && report.Status == StatusLocked {
			r.log.Debug("run skipped, lock held elsewhere", zap.String("metric", name))
			return
		}
		r.log.Warn("periodic run failed", zap.String("metric", name), zap.Error(err))
		return
	}
	r.log.Debug("periodic run finished",
		zap.String("metric", name),
		zap.Int("datapoints", report.DatapointsLoaded),
		zap.Int("anomalies", report.AnomaliesDetected),
	)
}

// Stop cancels the loops and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}
