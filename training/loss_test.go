package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-facetrain/tensor"
	"github.com/tsawler/go-facetrain/trainerr"
)

func TestFocalLossConfiguration(t *testing.T) {
	tests := []struct {
		classes   int
		gamma     int
		smoothing float64
	}{
		{1, 2, 0.1},
		{3, -1, 0.1},
		{3, 2, 1.0},
		{3, 2, -0.1},
	}
	for _, tc := range tests {
		_, err := FocalLossWithSmoothing(tc.classes, tc.gamma, tc.smoothing)
		assert.True(t, trainerr.Is(err, trainerr.Configuration), "classes=%d gamma=%d smoothing=%g", tc.classes, tc.gamma, tc.smoothing)
	}

	loss, err := FocalLossWithSmoothing(3, 3, 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, loss.target(1, 0), 1e-12)
	assert.InDelta(t, 0.9, loss.target(0, 0), 1e-12)
}

func TestFocalLossUniformLogits(t *testing.T) {
	logits, err := tensor.Zeros([]int{2, 2})
	require.NoError(t, err)

	ce, err := NewCrossEntropyLoss(2)
	require.NoError(t, err)
	value, err := ce.Forward(logits, []int{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2, value, 1e-6)

	focal, err := FocalLossWithSmoothing(2, 2, 0)
	require.NoError(t, err)
	value, err = focal.Forward(logits, []int{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.25*math.Ln2, value, 1e-6)

	// smoothed targets still sum to one, so uniform predictions cost ln C
	smoothed, err := FocalLossWithSmoothing(3, 0, 0.3)
	require.NoError(t, err)
	logits3, err := tensor.Zeros([]int{1, 3})
	require.NoError(t, err)
	value, err = smoothed.Forward(logits3, []int{2})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(3), value, 1e-6)
}

func TestFocalLossConfidentPredictionIsCheap(t *testing.T) {
	logits, err := tensor.New([]int{1, 3}, []float32{8, 0, 0})
	require.NoError(t, err)
	focal, err := FocalLossWithSmoothing(3, 3, 0)
	require.NoError(t, err)

	right, err := focal.Forward(logits, []int{0})
	require.NoError(t, err)
	wrong, err := focal.Forward(logits, []int{1})
	require.NoError(t, err)
	assert.Less(t, right, 1e-6)
	assert.Greater(t, wrong, 1.0)
}

func TestFocalLossGradientMatchesNumeric(t *testing.T) {
	configs := []struct {
		gamma     int
		smoothing float64
	}{
		{0, 0},
		{2, 0.2},
		{3, 0.1},
	}

	rng := rand.New(rand.NewSource(3))
	labels := []int{0, 3, 1}

	for _, cfg := range configs {
		loss, err := FocalLossWithSmoothing(4, cfg.gamma, cfg.smoothing)
		require.NoError(t, err)

		logits, err := tensor.Uniform([]int{3, 4}, 2, rng)
		require.NoError(t, err)

		_, err = loss.Forward(logits, labels)
		require.NoError(t, err)
		grad, err := loss.Backward()
		require.NoError(t, err)

		const h = 1e-2
		for i := range logits.Data {
			orig := logits.Data[i]
			logits.Data[i] = orig + h
			plus, err := loss.Forward(logits, labels)
			require.NoError(t, err)
			logits.Data[i] = orig - h
			minus, err := loss.Forward(logits, labels)
			require.NoError(t, err)
			logits.Data[i] = orig

			numeric := (plus - minus) / (2 * h)
			assert.InDelta(t, numeric, grad.Data[i], 1e-3, "gamma=%d element %d", cfg.gamma, i)
		}
	}
}

func TestFocalLossErrors(t *testing.T) {
	loss, err := FocalLossWithSmoothing(3, 2, 0.1)
	require.NoError(t, err)

	_, err = loss.Backward()
	assert.Error(t, err)

	logits, err := tensor.Zeros([]int{2, 3})
	require.NoError(t, err)

	_, err = loss.Forward(logits, []int{0})
	assert.Error(t, err)
	_, err = loss.Forward(logits, []int{0, 3})
	assert.Error(t, err)

	wrongWidth, err := tensor.Zeros([]int{2, 4})
	require.NoError(t, err)
	_, err = loss.Forward(wrongWidth, []int{0, 1})
	assert.Error(t, err)
}
