package detector

import "time"

// Result is the per-point verdict a detector emits: the anomaly flag, the
// confidence interval the point was judged against, and free-form metadata
// (direction, severity, baseline statistics, or a reason token when no
// verdict was computed).
type Result struct {
	Timestamp       time.Time      `json:"timestamp"`
	Value           *float64       `json:"value"`
	IsAnomaly       bool           `json:"is_anomaly"`
	ConfidenceLower *float64       `json:"confidence_lower"`
	ConfidenceUpper *float64       `json:"confidence_upper"`
	Metadata        map[string]any `json:"detection_metadata"`
}

// Direction returns the metadata direction, defaulting to "none".
func (r *Result) Direction() string {
	if d, ok := r.Metadata["direction"].(string); ok {
		return d
	}
	return DirectionNone
}

// Severity returns the metadata severity, defaulting to 0.
func (r *Result) Severity() float64 {
	if s, ok := r.Metadata["severity"].(float64); ok {
		return s
	}
	return 0
}

// Reason returns the metadata reason token, or "" when a verdict was computed.
func (r *Result) Reason() string {
	if s, ok := r.Metadata["reason"].(string); ok {
		return s
	}
	return ""
}
