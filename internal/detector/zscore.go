package detector

import (
	"fmt"
	"math"

	"github.com/detectk/detectd/internal/series"
	"github.com/detectk/detectd/internal/stats"
)

// ZScoreParams configures the rolling mean / standard deviation detector.
type ZScoreParams struct {
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	WindowSize int     `json:"window_size" yaml:"window_size"`
	MinSamples int     `json:"min_samples" yaml:"min_samples"`
}

// DefaultZScoreParams returns the stock Z-Score configuration.
func DefaultZScoreParams() ZScoreParams {
	return ZScoreParams{Threshold: 3.0, WindowSize: 100, MinSamples: 30}
}

// ZScore flags points more than threshold sample standard deviations away
// from the rolling window mean. Faster than MAD but sensitive to outliers
// already present in the window.
type ZScore struct {
	params ZScoreParams
	id     string
	json   string
}

// NewZScore validates the parameters and builds the detector.
func NewZScore(params ZScoreParams) (*ZScore, error) {
	if params.Threshold <= 0 {
		return nil, fmt.Errorf("%w: threshold must be positive", ErrBadConfig)
	}
	if params.WindowSize < 1 {
		return nil, fmt.Errorf("%w: window_size must be at least 1", ErrBadConfig)
	}
	if params.MinSamples < 1 {
		return nil, fmt.Errorf("%w: min_samples must be at least 1", ErrBadConfig)
	}
	if params.MinSamples > params.WindowSize {
		return nil, fmt.Errorf("%w: min_samples cannot exceed window_size", ErrBadConfig)
	}

	defaults := DefaultZScoreParams()
	overrides := map[string]any{}
	if params.Threshold != defaults.Threshold {
		overrides["threshold"] = params.Threshold
	}
	if params.WindowSize != defaults.WindowSize {
		overrides["window_size"] = params.WindowSize
	}
	if params.MinSamples != defaults.MinSamples {
		overrides["min_samples"] = params.MinSamples
	}
	paramsJSON := canonicalParams(overrides)

	return &ZScore{
		params: params,
		id:     detectorID("zscore", paramsJSON),
		json:   paramsJSON,
	}, nil
}

func (d *ZScore) Name() string       { return "zscore" }
func (d *ZScore) ID() string         { return d.id }
func (d *ZScore) ParamsJSON() string { return d.json }

// Detect scores every row against the mean and sample standard deviation of
// its preceding window.
func (d *ZScore) Detect(bundle *series.Bundle) ([]Result, error) {
	results := make([]Result, 0, bundle.Len())

	for i := 0; i < bundle.Len(); i++ {
		if bundle.Values[i] == nil {
			results = append(results, missingResult(bundle, i))
			continue
		}

		window := collectWindow(bundle, i, d.params.WindowSize)
		if len(window) < d.params.MinSamples {
			results = append(results, insufficientResult(bundle, i))
			continue
		}

		values := windowValues(window)
		mean := stats.Mean(values)
		std := stats.SampleStddev(values)

		value := *bundle.Values[i]
		scale := math.Max(std, epsilon)
		z := math.Abs(value-mean) / scale
		lower := mean - d.params.Threshold*scale
		upper := mean + d.params.Threshold*scale

		direction := DirectionNone
		if value > upper {
			direction = DirectionAbove
		} else if value < lower {
			direction = DirectionBelow
		}

		results = append(results, Result{
			Timestamp:       bundle.Timestamps[i],
			Value:           bundle.Values[i],
			IsAnomaly:       z > d.params.Threshold,
			ConfidenceLower: &lower,
			ConfidenceUpper: &upper,
			Metadata: map[string]any{
				"mean":        mean,
				"std":         std,
				"window_size": len(window),
				"severity":    z,
				"direction":   direction,
			},
		})
	}

	return results, nil
}
