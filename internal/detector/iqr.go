package detector

import (
	"fmt"
	"math"

	"github.com/detectk/detectd/internal/series"
	"github.com/detectk/detectd/internal/stats"
)

// IQRParams configures the interquartile range detector.
type IQRParams struct {
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	WindowSize int     `json:"window_size" yaml:"window_size"`
	MinSamples int     `json:"min_samples" yaml:"min_samples"`
}

// DefaultIQRParams returns the stock IQR configuration. The 1.5 threshold is
// the classic Tukey fence multiplier.
func DefaultIQRParams() IQRParams {
	return IQRParams{Threshold: 1.5, WindowSize: 100, MinSamples: 30}
}

// IQR flags points outside the Tukey fences of the rolling window quartiles.
// Needs at least 4 samples to estimate quartiles meaningfully.
type IQR struct {
	params IQRParams
	id     string
	json   string
}

// NewIQR validates the parameters and builds the detector.
func NewIQR(params IQRParams) (*IQR, error) {
	if params.Threshold <= 0 {
		return nil, fmt.Errorf("%w: threshold must be positive", ErrBadConfig)
	}
	if params.WindowSize < 1 {
		return nil, fmt.Errorf("%w: window_size must be at least 1", ErrBadConfig)
	}
	if params.MinSamples < 4 {
		return nil, fmt.Errorf("%w: min_samples must be at least 4", ErrBadConfig)
	}
	if params.MinSamples > params.WindowSize {
		return nil, fmt.Errorf("%w: min_samples cannot exceed window_size", ErrBadConfig)
	}

	defaults := DefaultIQRParams()
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

	return &IQR{
		params: params,
		id:     detectorID("iqr", paramsJSON),
		json:   paramsJSON,
	}, nil
}

func (d *IQR) Name() string       { return "iqr" }
func (d *IQR) ID() string         { return d.id }
func (d *IQR) ParamsJSON() string { return d.json }

// Detect scores every row against the Tukey fences of its preceding window.
// Plain windows use linearly interpolated quartiles; with seasonality
// features the quartiles are weighted toward rows sharing the target row's
// features.
func (d *IQR) Detect(bundle *series.Bundle) ([]Result, error) {
	results := make([]Result, 0, bundle.Len())
	seasonal := len(bundle.SeasonalityColumns) > 0

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

		var q1, q3 float64
		var err error
		if seasonal {
			weights := seasonalityWeights(window, bundle.SeasonalityData[i])
			q1, err = stats.WeightedPercentile(values, weights, 25)
			if err != nil {
				return nil, err
			}
			q3, err = stats.WeightedPercentile(values, weights, 75)
			if err != nil {
				return nil, err
			}
		} else {
			q1, err = stats.Percentile(values, 25)
			if err != nil {
				return nil, err
			}
			q3, err = stats.Percentile(values, 75)
			if err != nil {
				return nil, err
			}
		}
		iqr := q3 - q1

		lower := q1 - d.params.Threshold*iqr
		upper := q3 + d.params.Threshold*iqr

		value := *bundle.Values[i]
		direction := DirectionNone
		severity := 0.0
		scale := math.Max(iqr, epsilon)
		if value > upper {
			direction = DirectionAbove
			severity = (value - upper) / scale
		} else if value < lower {
			direction = DirectionBelow
			severity = (lower - value) / scale
		}

		results = append(results, Result{
			Timestamp:       bundle.Timestamps[i],
			Value:           bundle.Values[i],
			IsAnomaly:       direction != DirectionNone,
			ConfidenceLower: &lower,
			ConfidenceUpper: &upper,
			Metadata: map[string]any{
				"q1":          q1,
				"q3":          q3,
				"iqr":         iqr,
				"window_size": len(window),
				"severity":    severity,
				"direction":   direction,
			},
		})
	}

	return results, nil
}
