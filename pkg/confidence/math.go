// Package confidence provides similarity-weight and confidence score math.
package confidence

import "math"

// Normalize rescales non-negative weights so they sum to 1.
// Returns nil when the weights are empty or sum to zero.
func Normalize(weights []float64) []float64 {
	var sum float64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	if sum == 0 {
		return nil
	}

	out := make([]float64, len(weights))
	for i, w := range weights {
		if w > 0 {
			out[i] = w / sum
		}
	}
	return out
}

// WeightedAverage calculates the weighted mean of values.
func WeightedAverage(values []float64, weights []float64) float64 {
	if len(values) == 0 || len(values) != len(weights) {
		return 0
	}

	var sum, weightSum float64
	for i, v := range values {
		sum += v * weights[i]
		weightSum += weights[i]
	}

	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

// WeightedVariance calculates the weighted population variance of values.
func WeightedVariance(values []float64, weights []float64) float64 {
	mean := WeightedAverage(values, weights)

	var sum, weightSum float64
	for i, v := range values {
		d := v - mean
		sum += weights[i] * d * d
		weightSum += weights[i]
	}

	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

// Aggregate combines multiple scores with a geometric mean, penalizing weak ones.
func Aggregate(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}

	product := 1.0
	for _, s := range scores {
		if s <= 0 {
			return 0
		}
		product *= s
	}

	return math.Pow(product, 1.0/float64(len(scores)))
}

// Clamp ensures a score is in the valid range [0, 1].
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Logistic is the standard sigmoid 1/(1+e^-x).
func Logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
