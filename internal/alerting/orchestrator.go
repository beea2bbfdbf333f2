package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/detectk/detectd/internal/series"
	"github.com/detectk/detectd/internal/store"
)

// Direction requirements for alert conditions.
const (
	DirectionAny  = "any"
	DirectionSame = "same"
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Conditions gate when anomalous detections become an alert.
type Conditions struct {
	// MinDetectors is the quorum of detectors that must flag the point.
	MinDetectors int

	// Direction constrains the anomaly direction: any, same (all flagging
	// detectors agree), up, or down.
	Direction string

	// Consecutive requires an unbroken run of N anomalous grid points ending
	// at the evaluation point. Points are folded across detectors: a point is
	// anomalous when any detector flagged it.
	Consecutive int

	// NoDataAlert fires when the last complete point has no value.
	NoDataAlert bool
}

// withDefaults fills unset condition fields.
func (c Conditions) withDefaults() Conditions {
	if c.MinDetectors < 1 {
		c.MinDetectors = 1
	}
	if c.Direction == "" {
		c.Direction = DirectionAny
	}
	if c.Consecutive < 1 {
		c.Consecutive = 1
	}
	return c
}

// Decision is the outcome of evaluating a metric's alert conditions. The
// payload fields describe the flagging detector with the highest severity;
// with several flagging detectors DetectorName reads "N detectors" and
// DetectorParams is empty.
type Decision struct {
	ShouldAlert bool
	NoData      bool
	Reason      string
	Timestamp   time.Time
	Value       *float64
	Direction   string
	Severity    float64
	Detectors   []string

	DetectorName    string
	DetectorParams  string
	ConfidenceLower *float64
	ConfidenceUpper *float64
	Consecutive     int
}

// Orchestrator evaluates alert conditions against stored detections and
// fans confirmed alerts out to the channels.
type Orchestrator struct {
	store    store.Store
	channels []Channel
	cond     Conditions
	fmt      *Formatter
	cooldown time.Duration
	log      *zap.Logger
}

// NewOrchestrator builds an orchestrator. A zero cooldown disables alert
// suppression between runs.
func NewOrchestrator(st store.Store, channels []Channel, cond Conditions, f *Formatter, cooldown time.Duration, log *zap.Logger) *Orchestrator {
	if f == nil {
		f, _ = NewFormatter("", nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:    st,
		channels: channels,
		cond:     cond.withDefaults(),
		fmt:      f,
		cooldown: cooldown,
		log:      log,
	}
}

// LastCompletePoint returns the newest grid point whose interval has fully
// elapsed at now. The bucket containing now is still filling and is never
// evaluated.
func LastCompletePoint(now time.Time, interval series.Interval) time.Time {
	return interval.AlignFloor(now).Add(-interval.Duration())
}

// Evaluate applies the alert conditions to the detections stored for the
// metric's last complete point.
func (o *Orchestrator) Evaluate(ctx context.Context, metricName string, interval series.Interval, now time.Time) (*Decision, error) {
	ts := LastCompletePoint(now, interval)
	decision := &Decision{Timestamp: ts}

	detections, err := o.store.GetDetectionsAt(ctx, metricName, ts)
	if err != nil {
		return nil, err
	}
	if len(detections) == 0 {
		decision.Reason = "no detections at last complete point"
		return decision, nil
	}

	decision.Value = detections[0].Value
	if decision.Value == nil {
		decision.NoData = true
		if o.cond.NoDataAlert {
			decision.ShouldAlert = true
			decision.Reason = "no data"
		} else {
			decision.Reason = "no data, no_data_alert disabled"
		}
		return decision, nil
	}

	var flagged []*store.DetectionRecord
	for _, d := range detections {
		if d.IsAnomaly {
			flagged = append(flagged, d)
		}
	}
	if len(flagged) < o.cond.MinDetectors {
		decision.Reason = "below detector quorum"
		return decision, nil
	}

	directions := make([]string, len(flagged))
	top := flagged[0]
	for i, d := range flagged {
		directions[i] = foldDirection(recordDirection(d))
		if s := recordSeverity(d); s > decision.Severity {
			decision.Severity = s
			top = d
		}
		decision.Detectors = append(decision.Detectors, d.DetectorType)
	}
	decision.Direction = majorityDirection(directions)
	decision.ConfidenceLower = top.ConfidenceLower
	decision.ConfidenceUpper = top.ConfidenceUpper
	if len(flagged) == 1 {
		decision.DetectorName = top.DetectorType
		decision.DetectorParams = top.DetectorParams
	} else {
		decision.DetectorName = fmt.Sprintf("%d detectors", len(flagged))
	}

	steps, err := o.recentSteps(ctx, metricName, ts)
	if err != nil {
		return nil, err
	}
	run := runLength(steps, o.cond.Direction)
	decision.Consecutive = run
	if run < o.cond.Consecutive {
		if run == 0 {
			decision.Reason = "direction mismatch"
		} else {
			decision.Reason = "consecutive run too short"
		}
		return decision, nil
	}

	decision.ShouldAlert = true
	decision.Reason = "conditions met"
	return decision, nil
}

// runStep is one grid point folded across detectors: anomalous when any
// detector flagged it, carrying the majority direction of the verdicts.
type runStep struct {
	anomaly   bool
	direction string
}

// runCap bounds how far back the consecutive-run walk looks.
const runCap = 100

// recentSteps folds the metric's stored detections into per-timestamp steps,
// newest first, starting at the evaluation point.
func (o *Orchestrator) recentSteps(ctx context.Context, metricName string, ts time.Time) ([]runStep, error) {
	records, err := o.store.QueryDetections(ctx, store.DetectionQuery{
		MetricName: metricName,
		To:         ts,
		Limit:      runCap * 8,
	})
	if err != nil {
		return nil, err
	}

	var steps []runStep
	var stepTS time.Time
	var group []*store.DetectionRecord
	flush := func() {
		if len(group) == 0 {
			return
		}
		steps = append(steps, foldStep(group))
		group = nil
	}
	for _, r := range records {
		if !r.Timestamp.Equal(stepTS) {
			flush()
			if len(steps) >= runCap {
				return steps, nil
			}
			stepTS = r.Timestamp
		}
		group = append(group, r)
	}
	flush()
	return steps, nil
}

// foldStep merges every detector's verdict at one timestamp.
func foldStep(records []*store.DetectionRecord) runStep {
	step := runStep{}
	directions := make([]string, 0, len(records))
	for _, r := range records {
		step.anomaly = step.anomaly || r.IsAnomaly
		directions = append(directions, foldDirection(recordDirection(r)))
	}
	step.direction = majorityDirection(directions)
	return step
}

// runLength walks the folded steps backwards from the evaluation point and
// counts the unbroken anomalous run satisfying the direction requirement:
// "same" requires one constant direction along the run, up and down require
// that direction at every step.
func runLength(steps []runStep, direction string) int {
	run := 0
	for _, s := range steps {
		if !s.anomaly {
			break
		}
		switch direction {
		case DirectionSame:
			if s.direction != steps[0].direction {
				return run
			}
		case DirectionUp, DirectionDown:
			if s.direction != direction {
				return run
			}
		}
		run++
	}
	return run
}

// SendAlerts renders and delivers the alert, reporting per-channel success.
// The cooldown suppresses repeat alerts for the same metric; dispatch times
// live in the task table so the cooldown survives restarts and is shared by
// engines on one database.
func (o *Orchestrator) SendAlerts(ctx context.Context, metricName string, decision *Decision) map[string]bool {
	if decision == nil || !decision.ShouldAlert {
		return nil
	}

	if o.cooldown > 0 {
		last, seen, err := o.store.LastAlertSent(ctx, metricName)
		if err != nil {
			o.log.Error("read alert cooldown", zap.String("metric", metricName), zap.Error(err))
		} else if seen && time.Since(last) < o.cooldown {
			o.log.Debug("alert suppressed by cooldown", zap.String("metric", metricName))
			return nil
		}
	}

	msg := Message{
		MetricName:      metricName,
		Timestamp:       decision.Timestamp,
		Value:           decision.Value,
		Direction:       decision.Direction,
		Severity:        decision.Severity,
		Detectors:       decision.Detectors,
		DetectorName:    decision.DetectorName,
		DetectorParams:  decision.DetectorParams,
		ConfidenceLower: decision.ConfidenceLower,
		ConfidenceUpper: decision.ConfidenceUpper,
		Consecutive:     decision.Consecutive,
	}

	formatter := o.fmt
	if decision.NoData {
		formatter, _ = NewFormatter(NoDataTemplate, nil)
	}
	if err := formatter.Format(&msg); err != nil {
		o.log.Error("format alert", zap.String("metric", metricName), zap.Error(err))
		return nil
	}

	sent := map[string]bool{}
	delivered := false
	for _, ch := range o.channels {
		ok := ch.Send(ctx, msg)
		sent[ch.Name()] = ok
		delivered = delivered || ok
		if ok {
			o.log.Info("alert delivered",
				zap.String("metric", metricName),
				zap.String("channel", ch.Name()),
			)
		} else {
			o.log.Warn("alert delivery failed",
				zap.String("metric", metricName),
				zap.String("channel", ch.Name()),
			)
		}
	}

	if delivered {
		if err := o.store.RecordAlertSent(ctx, metricName, time.Now()); err != nil {
			o.log.Error("record alert dispatch", zap.String("metric", metricName), zap.Error(err))
		}
	}
	return sent
}

// recordDirection pulls the direction out of a detection's metadata blob.
func recordDirection(rec *store.DetectionRecord) string {
	var meta struct {
		Direction string `json:"direction"`
	}
	if err := json.Unmarshal([]byte(rec.Metadata), &meta); err != nil {
		return ""
	}
	return meta.Direction
}

func recordSeverity(rec *store.DetectionRecord) float64 {
	var meta struct {
		Severity float64 `json:"severity"`
	}
	if err := json.Unmarshal([]byte(rec.Metadata), &meta); err != nil {
		return 0
	}
	return meta.Severity
}

// foldDirection maps detector directions onto alert directions.
func foldDirection(dir string) string {
	switch dir {
	case "above":
		return DirectionUp
	case "below":
		return DirectionDown
	default:
		return ""
	}
}

// majorityDirection picks the dominant direction, preferring a real
// direction over none and up over down on a tie.
func majorityDirection(directions []string) string {
	up, down := 0, 0
	for _, d := range directions {
		switch d {
		case DirectionUp:
			up++
		case DirectionDown:
			down++
		}
	}
	switch {
	case up == 0 && down == 0:
		return ""
	case down > up:
		return DirectionDown
	default:
		return DirectionUp
	}
}
