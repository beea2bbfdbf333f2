package detector

import (
	"fmt"
	"math"

	"github.com/detectk/detectd/internal/series"
	"github.com/detectk/detectd/internal/stats"
)

// MADParams configures the median absolute deviation detector.
type MADParams struct {
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	WindowSize int     `json:"window_size" yaml:"window_size"`
	MinSamples int     `json:"min_samples" yaml:"min_samples"`
}

// DefaultMADParams returns the stock MAD configuration.
func DefaultMADParams() MADParams {
	return MADParams{Threshold: 3.0, WindowSize: 100, MinSamples: 30}
}

// MAD flags points whose robust z-score against the rolling window median
// exceeds the threshold. The MAD is rescaled by the Gaussian consistency
// constant so thresholds read like standard deviations.
type MAD struct {
	params MADParams
	id     string
	json   string
}

// NewMAD validates the parameters and builds the detector.
func NewMAD(params MADParams) (*MAD, error) {
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

	defaults := DefaultMADParams()
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

	return &MAD{
		params: params,
		id:     detectorID("mad", paramsJSON),
		json:   paramsJSON,
	}, nil
}

func (d *MAD) Name() string       { return "mad" }
func (d *MAD) ID() string         { return d.id }
func (d *MAD) ParamsJSON() string { return d.json }

// Detect scores every row of the bundle against the rolling median and MAD
// of its preceding window. When the bundle carries seasonality features the
// baseline is recomputed with seasonality-adjusted weights and both the
// global and adjusted statistics land in the metadata.
func (d *MAD) Detect(bundle *series.Bundle) ([]Result, error) {
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
		uniform := stats.UniformWeights(len(values))

		globalMedian, err := stats.WeightedMedian(values, uniform)
		if err != nil {
			return nil, err
		}
		globalMAD, err := stats.WeightedMAD(values, uniform, &globalMedian)
		if err != nil {
			return nil, err
		}

		center, dispersion := globalMedian, globalMAD
		if seasonal {
			weights := seasonalityWeights(window, bundle.SeasonalityData[i])
			center, err = stats.WeightedMedian(values, weights)
			if err != nil {
				return nil, err
			}
			dispersion, err = stats.WeightedMAD(values, weights, &center)
			if err != nil {
				return nil, err
			}
		}

		value := *bundle.Values[i]
		scale := math.Max(dispersion*madConsistency, epsilon)
		z := math.Abs(value-center) / scale
		lower := center - d.params.Threshold*scale
		upper := center + d.params.Threshold*scale

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
				"global_median":   globalMedian,
				"global_mad":      globalMAD,
				"adjusted_median": center,
				"adjusted_mad":    dispersion,
				"window_size":     len(window),
				"severity":        z,
				"direction":       direction,
			},
		})
	}

	return results, nil
}
