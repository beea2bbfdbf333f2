// Package alerting decides when detections warrant a notification and
// delivers it.
//
// Responsibilities:
//   - Evaluate alert conditions (detector quorum, direction agreement,
//     consecutive anomalies, missing data) at the last complete point
//   - Render the alert text from a configurable message template
//   - Fan the alert out to the configured channels, isolating channel
//     failures from each other and from the detection run
package alerting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/template"
	"time"
)

// ErrBadChannel marks invalid channel configuration.
var ErrBadChannel = errors.New("bad alert channel config")

// DefaultTemplate is the message used when a metric config does not set one.
const DefaultTemplate = `Anomaly detected on {{.MetricName}} at {{.Timestamp}}
Value: {{.Value}} (confidence {{.Confidence}})
Detector: {{.Detector}} ({{.Direction}}, severity {{.Severity}})
Consecutive anomalies: {{.Consecutive}}`

// NoDataTemplate is the message for missing-data alerts.
const NoDataTemplate = "No data for {{.MetricName}} at {{.Timestamp}}"

// Message is a fully rendered alert ready for delivery. DetectorName carries
// "N detectors" when more than one detector flagged the point, in which case
// DetectorParams is empty.
type Message struct {
	MetricName      string    `json:"metric_name"`
	Timestamp       time.Time `json:"timestamp"`
	Value           *float64  `json:"value"`
	Direction       string    `json:"direction"`
	Severity        float64   `json:"severity"`
	Detectors       []string  `json:"detectors"`
	DetectorName    string    `json:"detector_name"`
	DetectorParams  string    `json:"detector_params,omitempty"`
	ConfidenceLower *float64  `json:"confidence_lower"`
	ConfidenceUpper *float64  `json:"confidence_upper"`
	Consecutive     int       `json:"consecutive_count"`
	Text            string    `json:"text"`
}

// Channel delivers alerts to one destination. Send reports success or
// failure but never propagates an error, so one broken channel cannot stop
// the others or fail the detection run.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) bool
}

// Formatter renders alert text from a message template.
type Formatter struct {
	tmpl *template.Template
	loc  *time.Location
}

// timeLayout renders alert timestamps with their zone.
const timeLayout = "2006-01-02 15:04:05 MST"

// NewFormatter parses the template text, falling back to DefaultTemplate
// when empty. Timestamps render in loc, or UTC when nil.
func NewFormatter(text string, loc *time.Location) (*Formatter, error) {
	if text == "" {
		text = DefaultTemplate
	}
	if loc == nil {
		loc = time.UTC
	}
	tmpl, err := template.New("alert").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadChannel, err)
	}
	return &Formatter{tmpl: tmpl, loc: loc}, nil
}

// Format fills Text on the message. Absent payload fields render as "N/A".
func (f *Formatter) Format(msg *Message) error {
	detectors := ""
	for i, d := range msg.Detectors {
		if i > 0 {
			detectors += ", "
		}
		detectors += d
	}

	data := map[string]any{
		"MetricName":  msg.MetricName,
		"Timestamp":   msg.Timestamp.In(f.loc).Format(timeLayout),
		"Value":       orNA(msg.Value),
		"Direction":   msg.Direction,
		"Severity":    strconv.FormatFloat(msg.Severity, 'f', 2, 64),
		"Detectors":   detectors,
		"Detector":    naWhenEmpty(msg.DetectorName),
		"Params":      naWhenEmpty(msg.DetectorParams),
		"Confidence":  confidenceInterval(msg.ConfidenceLower, msg.ConfidenceUpper),
		"Consecutive": strconv.Itoa(msg.Consecutive),
	}

	var buf bytes.Buffer
	if err := f.tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render alert: %w", err)
	}
	msg.Text = buf.String()
	return nil
}

func orNA(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func naWhenEmpty(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// confidenceInterval renders "[lo, hi]", with N/A for an absent bound.
func confidenceInterval(lo, hi *float64) string {
	if lo == nil && hi == nil {
		return "N/A"
	}
	return "[" + orNA(lo) + ", " + orNA(hi) + "]"
}
