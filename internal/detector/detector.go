// Package detector implements rolling-window statistical anomaly detection.
//
// Responsibilities:
//   - Score each datapoint of a bundle against a baseline learned from the
//     preceding window (MAD, Z-Score, IQR) or against fixed bounds
//   - Adjust baselines with seasonality-weighted statistics when the bundle
//     carries seasonality features
//   - Produce one DetectionResult per input row with confidence interval,
//     direction, and severity
//   - Derive a deterministic detector id from the detector kind and its
//     non-default parameters
//
// Philosophy: classical statistics, fully interpretable. No training phase,
// no model state; every verdict is reproducible from the window alone.
package detector

import (
	"errors"

	"github.com/detectk/detectd/internal/series"
)

// ErrBadConfig marks invalid detector parameters, surfaced at construction.
var ErrBadConfig = errors.New("bad detector config")

// Verdict directions recorded in detection metadata.
const (
	DirectionAbove = "above"
	DirectionBelow = "below"
	DirectionNone  = "none"
)

// Reasons recorded when no verdict could be computed.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonMissingData      = "missing_data"
)

// Detector scores a datapoint bundle and reports one result per input row,
// in input order.
type Detector interface {
	// Name returns the detector kind tag (mad, zscore, iqr, manual_bounds).
	Name() string

	// ID returns the 16-hex-character identity digest derived from the kind
	// and the non-default parameters.
	ID() string

	// ParamsJSON returns the canonical sorted-key JSON of the non-default
	// parameters ("{}" when everything is default).
	ParamsJSON() string

	// Detect scores every row of the bundle.
	Detect(bundle *series.Bundle) ([]Result, error)
}

// epsilon guards divisions by a zero dispersion estimate.
const epsilon = 1e-9

// madConsistency rescales MAD to the standard deviation of a Gaussian.
const madConsistency = 1.4826

// insufficientResult builds the verdict for a row without enough history.
func insufficientResult(bundle *series.Bundle, i int) Result {
	return Result{
		Timestamp: bundle.Timestamps[i],
		Value:     bundle.Values[i],
		IsAnomaly: false,
		Metadata:  map[string]any{"reason": ReasonInsufficientData},
	}
}

// missingResult builds the verdict for a null-valued row.
func missingResult(bundle *series.Bundle, i int) Result {
	return Result{
		Timestamp: bundle.Timestamps[i],
		Value:     nil,
		IsAnomaly: false,
		Metadata:  map[string]any{"reason": ReasonMissingData},
	}
}

// windowEntry is one non-null point eligible for a rolling baseline.
type windowEntry struct {
	value       float64
	seasonality string
}

// collectWindow gathers up to windowSize preceding non-null points for row i,
// oldest first. Null rows never contribute to baselines.
func collectWindow(bundle *series.Bundle, i, windowSize int) []windowEntry {
	var window []windowEntry
	for j := i - 1; j >= 0 && len(window) < windowSize; j-- {
		if bundle.Values[j] == nil {
			continue
		}
		seasonality := "{}"
		if j < len(bundle.SeasonalityData) {
			seasonality = bundle.SeasonalityData[j]
		}
		window = append(window, windowEntry{value: *bundle.Values[j], seasonality: seasonality})
	}
	// Reverse to chronological order.
	for a, b := 0, len(window)-1; a < b; a, b = a+1, b-1 {
		window[a], window[b] = window[b], window[a]
	}
	return window
}

func windowValues(window []windowEntry) []float64 {
	values := make([]float64, len(window))
	for i, e := range window {
		values[i] = e.value
	}
	return values
}
