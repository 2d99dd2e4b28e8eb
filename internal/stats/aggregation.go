package stats

import (
	"math"
)

// Sum returns the sum of all values
func Sum(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum
}

// Mean returns the arithmetic mean. ok is false for an empty slice.
func Mean(values []float64) (mean float64, ok bool) {
	if len(values) == 0 {
		return 0, false
	}
	return Sum(values) / float64(len(values)), true
}

// WeightedMean returns Σ(w·v)/Σw. ok is false when the slices differ in
// length, are empty, or the weights sum to zero; there is no fallback to
// the unweighted mean.
func WeightedMean(values, weights []float64) (mean float64, ok bool) {
	if len(values) == 0 || len(values) != len(weights) {
		return 0, false
	}

	var sumWeighted, sumWeights float64
	for i, v := range values {
		sumWeighted += v * weights[i]
		sumWeights += weights[i]
	}

	if sumWeights == 0 || !isFinite(sumWeights) {
		return 0, false
	}

	mean = sumWeighted / sumWeights
	return mean, isFinite(mean)
}

// Min returns the minimum value
func Min(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// Max returns the maximum value
func Max(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// CountAbove returns how many values are strictly greater than threshold
func CountAbove(values []float64, threshold float64) int {
	n := 0
	for _, v := range values {
		if v > threshold {
			n++
		}
	}
	return n
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
