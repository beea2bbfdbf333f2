package detector

import (
	"encoding/json"
	"fmt"
)

// Kinds lists the recognized detector type tags.
var Kinds = []string{"mad", "zscore", "iqr", "manual_bounds"}

// New builds a detector of the given kind from a raw parameter map, as
// decoded from a metric config file. Unset parameters take their defaults.
func New(kind string, params map[string]any) (Detector, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}

	switch kind {
	case "mad":
		p := DefaultMADParams()
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
		return NewMAD(p)
	case "zscore":
		p := DefaultZScoreParams()
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
		return NewZScore(p)
	case "iqr":
		p := DefaultIQRParams()
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
		return NewIQR(p)
	case "manual_bounds":
		var p ManualBoundsParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
		return NewManualBounds(p)
	default:
		return nil, fmt.Errorf("%w: Invalid detector type: %s", ErrBadConfig, kind)
	}
}
