package detector

import (
	"github.com/detectk/detectd/internal/series"
	"github.com/detectk/detectd/internal/stats"
)

// seasonalityWeights builds the weight vector for a rolling window relative
// to the target row's seasonality features. Each window row earns one unit
// per matching feature on top of a base unit, so rows matching every feature
// are strictly heavier than any partially matching row. Weights are
// normalized to sum to 1. Falls back to uniform weights when the target or a
// window row has no decodable features.
func seasonalityWeights(window []windowEntry, targetSeasonality string) []float64 {
	target, err := series.DecodeSeasonality(targetSeasonality)
	if err != nil || len(target) == 0 {
		return stats.UniformWeights(len(window))
	}

	raw := make([]float64, len(window))
	total := 0.0
	for i, entry := range window {
		features, err := series.DecodeSeasonality(entry.seasonality)
		if err != nil {
			features = map[string]any{}
		}
		matches := 0
		for key, want := range target {
			if got, ok := features[key]; ok && got == want {
				matches++
			}
		}
		raw[i] = 1.0 + float64(matches)*float64(len(target))
		total += raw[i]
	}

	for i := range raw {
		raw[i] /= total
	}
	return raw
}
