// Package stats provides the statistical primitives used by detectors.
//
// Responsibilities:
//   - Weighted percentile, median, and MAD over explicit weight vectors
//   - Unweighted percentile with linear interpolation
//   - Rolling mean and sample standard deviation
//
// The kernel is deliberately oblivious to seasonality semantics: callers
// decide the weighting policy and pass the finished weight vector in.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrBadInput marks invalid kernel arguments (length mismatch, weights not
// summing to 1, percentile out of range).
var ErrBadInput = errors.New("bad input")

const weightSumTolerance = 1e-9

// WeightedPercentile computes the p-th percentile (0-100) of values under the
// given weights using linear interpolation between cumulative-weight brackets.
// Weights must be nonnegative and sum to 1.
func WeightedPercentile(values, weights []float64, p float64) (float64, error) {
	if len(values) != len(weights) {
		return 0, fmt.Errorf("%w: values and weights must have same length: %d vs %d", ErrBadInput, len(values), len(weights))
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: empty input", ErrBadInput)
	}
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return 0, fmt.Errorf("%w: weights must sum to 1.0, got %v", ErrBadInput, sum)
	}
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("%w: percentile must be in [0, 100], got %v", ErrBadInput, p)
	}

	// Sort values and weights together by value.
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })

	sortedValues := make([]float64, len(values))
	cumsum := make([]float64, len(values))
	running := 0.0
	for i, j := range order {
		sortedValues[i] = values[j]
		running += weights[j]
		cumsum[i] = running
	}

	target := p / 100.0
	idx := sort.Search(len(cumsum), func(i int) bool { return cumsum[i] >= target })

	if idx >= len(sortedValues) {
		return sortedValues[len(sortedValues)-1], nil
	}
	if idx == 0 {
		return sortedValues[0], nil
	}

	lower := cumsum[idx-1]
	upper := cumsum[idx]
	if math.Abs(upper-lower) <= weightSumTolerance {
		// Coincident brackets: take the upper value, no interpolation.
		return sortedValues[idx], nil
	}

	fraction := (target - lower) / (upper - lower)
	return sortedValues[idx-1] + fraction*(sortedValues[idx]-sortedValues[idx-1]), nil
}

// WeightedMedian is the weighted 50th percentile.
func WeightedMedian(values, weights []float64) (float64, error) {
	return WeightedPercentile(values, weights, 50.0)
}

// WeightedMAD computes the weighted median absolute deviation around center.
// When center is nil the weighted median of values is used.
func WeightedMAD(values, weights []float64, center *float64) (float64, error) {
	c := 0.0
	if center != nil {
		c = *center
	} else {
		m, err := WeightedMedian(values, weights)
		if err != nil {
			return 0, err
		}
		c = m
	}

	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - c)
	}
	return WeightedMedian(deviations, weights)
}

// UniformWeights returns a weight vector of n equal entries summing to 1.
func UniformWeights(n int) []float64 {
	if n <= 0 {
		return nil
	}
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}

// Percentile computes the p-th percentile of values using linear
// interpolation between closest ranks (the numpy "linear" method).
func Percentile(values []float64, p float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: empty input", ErrBadInput)
	}
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("%w: percentile must be in [0, 100], got %v", ErrBadInput, p)
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := p / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower], nil
	}
	fraction := rank - float64(lower)
	return sorted[lower] + fraction*(sorted[upper]-sorted[lower]), nil
}

// Mean returns the arithmetic mean of values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// SampleStddev returns the sample standard deviation (n-1 denominator).
// Returns 0 when fewer than 2 values are given.
func SampleStddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
