package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdamWFirstStep(t *testing.T) {
	cfg := DefaultAdamWConfig()
	cfg.LearningRate = 0.1
	opt, err := NewAdamWOptimizer(cfg, []int{2, 1}, []bool{true, false})
	require.NoError(t, err)

	weights := [][]float32{{1, -2}, {5}}
	grads := [][]float32{{0.5, -0.25}, nil}
	require.NoError(t, opt.Step(weights, grads))

	// after one step m/(sqrt(v)) with bias correction is sign(g)
	for j, w0 := range []float32{1, -2} {
		decayed := w0 - w0*0.1*0.004
		g := float64(grads[0][j])
		m := 0.1 * g
		v := 0.001 * g * g
		alpha := 0.1 * math.Sqrt(1-0.999) / (1 - 0.9)
		want := float64(decayed) - m*alpha/(math.Sqrt(v)+1e-7)
		assert.InDelta(t, want, weights[0][j], 1e-5)
	}
	assert.Equal(t, float32(5), weights[1][0], "frozen tensor must not move")
	assert.Equal(t, uint64(1), opt.GetStepCount())
}

func TestAdamWMinimisesQuadratic(t *testing.T) {
	cfg := DefaultAdamWConfig()
	cfg.LearningRate = 0.05
	cfg.WeightDecay = 0
	opt, err := NewAdamWOptimizer(cfg, []int{1}, []bool{true})
	require.NoError(t, err)

	w := [][]float32{{3}}
	for i := 0; i < 500; i++ {
		g := [][]float32{{2 * (w[0][0] - 1)}}
		require.NoError(t, opt.Step(w, g))
	}
	assert.InDelta(t, 1, w[0][0], 0.05)
}

func TestAdamWValidation(t *testing.T) {
	_, err := NewAdamWOptimizer(DefaultAdamWConfig(), nil, nil)
	assert.Error(t, err)
	_, err = NewAdamWOptimizer(DefaultAdamWConfig(), []int{1}, []bool{true, false})
	assert.Error(t, err)
	cfg := DefaultAdamWConfig()
	cfg.LearningRate = 0
	_, err = NewAdamWOptimizer(cfg, []int{1}, []bool{true})
	assert.Error(t, err)

	opt, err := NewAdamWOptimizer(DefaultAdamWConfig(), []int{2}, []bool{true})
	require.NoError(t, err)
	assert.Error(t, opt.Step([][]float32{{1, 2}, {3}}, [][]float32{{1, 1}}))
	assert.Error(t, opt.Step([][]float32{{1, 2}}, [][]float32{{1}}))
}

func TestAdamWStateRoundTrip(t *testing.T) {
	opt, err := NewAdamWOptimizer(DefaultAdamWConfig(), []int{2, 3}, []bool{false, true})
	require.NoError(t, err)
	w := [][]float32{{1, 1}, {1, 2, 3}}
	require.NoError(t, opt.Step(w, [][]float32{nil, {0.1, 0.2, 0.3}}))
	opt.UpdateLearningRate(0.0003)

	state, err := opt.GetState()
	require.NoError(t, err)
	assert.Equal(t, "AdamW", state.Type)
	require.Len(t, state.StateData, 2)
	assert.Equal(t, "m_1", state.StateData[0].Name)

	restored, err := NewAdamWOptimizer(DefaultAdamWConfig(), []int{2, 3}, []bool{false, true})
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(FromCheckpoint(state.ToCheckpoint())))
	assert.Equal(t, opt.MomentumBuffers[1], restored.MomentumBuffers[1])
	assert.Equal(t, opt.VarianceBuffers[1], restored.VarianceBuffers[1])
	assert.Equal(t, uint64(1), restored.GetStepCount())
	assert.InDelta(t, 0.0003, restored.GetLearningRate(), 1e-9)

	t.Run("wrong type", func(t *testing.T) {
		bad := *state
		bad.Type = "SGD"
		assert.Error(t, restored.LoadState(&bad))
	})
	t.Run("frozen tensor in state", func(t *testing.T) {
		frozen, err := NewAdamWOptimizer(DefaultAdamWConfig(), []int{2, 3}, []bool{true, false})
		require.NoError(t, err)
		assert.Error(t, frozen.LoadState(state))
	})
}

func TestExtractBufferIndex(t *testing.T) {
	assert.Equal(t, 0, extractBufferIndex("m_0"))
	assert.Equal(t, 12, extractBufferIndex("v_12"))
	assert.Equal(t, -1, extractBufferIndex("m"))
	assert.Equal(t, -1, extractBufferIndex("m_x"))
}
