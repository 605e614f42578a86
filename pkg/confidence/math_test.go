package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, []float64{0.25, 0.75}, Normalize([]float64{1, 3}))
	assert.Nil(t, Normalize([]float64{0, 0}))
	assert.Nil(t, Normalize(nil))
}

func TestWeightedStats(t *testing.T) {
	values := []float64{10, 20}
	weights := []float64{1, 3}
	assert.InDelta(t, 17.5, WeightedAverage(values, weights), 1e-9)
	assert.InDelta(t, 18.75, WeightedVariance(values, weights), 1e-9)
	assert.Zero(t, WeightedAverage(values, []float64{1}))
}

func TestAggregate(t *testing.T) {
	assert.InDelta(t, 0.5, Aggregate([]float64{0.25, 1}), 1e-9)
	assert.Zero(t, Aggregate([]float64{0.9, 0}))
	assert.Zero(t, Aggregate(nil))
}

func TestClampAndLogistic(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.2))
	assert.Equal(t, 1.0, Clamp(1.3))
	assert.InDelta(t, 0.5, Logistic(0), 1e-12)
	assert.Greater(t, Logistic(1), Logistic(-1))
}
