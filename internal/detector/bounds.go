package detector

import (
	"fmt"
	"math"

	"github.com/detectk/detectd/internal/series"
)

// ManualBoundsParams configures the fixed-threshold detector. At least one
// bound must be set; a nil bound leaves that side unchecked.
type ManualBoundsParams struct {
	LowerBound *float64 `json:"lower_bound" yaml:"lower_bound"`
	UpperBound *float64 `json:"upper_bound" yaml:"upper_bound"`
}

// ManualBounds flags points outside operator-provided fixed bounds. No
// window, no history requirement; every non-null row gets a verdict.
type ManualBounds struct {
	params ManualBoundsParams
	id     string
	json   string
}

// NewManualBounds validates the parameters and builds the detector.
func NewManualBounds(params ManualBoundsParams) (*ManualBounds, error) {
	if params.LowerBound == nil && params.UpperBound == nil {
		return nil, fmt.Errorf("%w: At least one of lower_bound or upper_bound must be specified", ErrBadConfig)
	}
	if params.LowerBound != nil && params.UpperBound != nil && *params.LowerBound >= *params.UpperBound {
		return nil, fmt.Errorf("%w: lower_bound must be less than upper_bound", ErrBadConfig)
	}

	overrides := map[string]any{}
	if params.LowerBound != nil {
		overrides["lower_bound"] = *params.LowerBound
	}
	if params.UpperBound != nil {
		overrides["upper_bound"] = *params.UpperBound
	}
	paramsJSON := canonicalParams(overrides)

	return &ManualBounds{
		params: params,
		id:     detectorID("manual_bounds", paramsJSON),
		json:   paramsJSON,
	}, nil
}

func (d *ManualBounds) Name() string       { return "manual_bounds" }
func (d *ManualBounds) ID() string         { return d.id }
func (d *ManualBounds) ParamsJSON() string { return d.json }

// Detect checks every row against the configured bounds. Severity is the
// distance beyond the violated bound relative to that bound's magnitude.
func (d *ManualBounds) Detect(bundle *series.Bundle) ([]Result, error) {
	results := make([]Result, 0, bundle.Len())

	for i := 0; i < bundle.Len(); i++ {
		if bundle.Values[i] == nil {
			results = append(results, missingResult(bundle, i))
			continue
		}

		value := *bundle.Values[i]
		metadata := map[string]any{}
		anomaly := false

		if d.params.UpperBound != nil && value > *d.params.UpperBound {
			distance := value - *d.params.UpperBound
			anomaly = true
			metadata["direction"] = DirectionAbove
			metadata["distance"] = distance
			metadata["severity"] = distance / math.Max(math.Abs(*d.params.UpperBound), 1.0)
		} else if d.params.LowerBound != nil && value < *d.params.LowerBound {
			distance := *d.params.LowerBound - value
			anomaly = true
			metadata["direction"] = DirectionBelow
			metadata["distance"] = distance
			metadata["severity"] = distance / math.Max(math.Abs(*d.params.LowerBound), 1.0)
		}

		results = append(results, Result{
			Timestamp:       bundle.Timestamps[i],
			Value:           bundle.Values[i],
			IsAnomaly:       anomaly,
			ConfidenceLower: d.params.LowerBound,
			ConfidenceUpper: d.params.UpperBound,
			Metadata:        metadata,
		})
	}

	return results, nil
}
