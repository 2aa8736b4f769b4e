package models

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-fer/checkpoints"
	"github.com/tsawler/go-fer/engine"
	"github.com/tsawler/go-fer/layers"
)

func tinyNetwork(t *testing.T) *engine.Network {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{1, 2, 8, 8}).
		AddConv2D(3, 1, 1, 0, false, "block_1_expand").
		AddBatchNorm(1e-3, 0.001, "block_1_expand_BN").
		AddDepthwiseConv2D(3, 1, 1, false, "block_1_depthwise").
		AddSqueezeExciteUnits(2, "swish", "block2a_se").
		AddGlobalAvgPool("gap").
		AddDense(2, true, "predictions").
		AddSoftmax("predictions_softmax").
		Compile()
	require.NoError(t, err)
	net, err := engine.NewNetwork(spec, 1)
	require.NoError(t, err)
	return net
}

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestResolveKerasWeights(t *testing.T) {
	net := tinyNetwork(t)
	foreign := []checkpoints.WeightTensor{
		// HWIO [1, 1, in=2, out=3]
		{Name: "model/block_1_expand/kernel:0", Shape: []int{1, 1, 2, 3}, Data: seq(6)},
		// depthwise [3, 3, c=3, 1]
		{Name: "block_1_depthwise/depthwise_kernel:0", Shape: []int{3, 3, 3, 1}, Data: seq(27)},
		{Name: "block_1_expand_BN/moving_mean:0", Shape: []int{3}, Data: []float32{1, 2, 3}},
		{Name: "block2a_se_reduce/kernel:0", Shape: []int{1, 1, 3, 2}, Data: seq(6)},
		{Name: "block2a_se_expand/bias:0", Shape: []int{3}, Data: []float32{7, 8, 9}},
		{Name: "predictions.bias", Shape: []int{2}, Data: []float32{0.5, -0.5}},
		{Name: "unrelated/kernel:0", Shape: []int{4}, Data: seq(4)},
		{Name: "block_1_expand_BN/gamma:0", Shape: []int{4}, Data: seq(4)},
	}

	resolved, skipped := ResolveWeights(net, foreign)
	assert.Equal(t, 2, skipped)
	byName := map[string]checkpoints.WeightTensor{}
	for _, w := range resolved {
		byName[w.Name] = w
	}

	expand := byName["block_1_expand.weight"]
	assert.Equal(t, []int{3, 2, 1, 1}, expand.Shape)
	// OIHW[o][i] = HWIO[i][o] = i*3+o
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, expand.Data)

	dw := byName["block_1_depthwise.weight"]
	assert.Equal(t, []int{3, 1, 3, 3}, dw.Shape)
	assert.Equal(t, float32(1), dw.Data[9]) // channel 1, ky 0, kx 0 = src[(0)*3+1]
	assert.Equal(t, float32(3), dw.Data[1]) // channel 0, kx 1 = src[1*3+0]

	assert.Equal(t, []float32{1, 2, 3}, byName["block_1_expand_BN.running_mean"].Data)
	assert.Equal(t, []int{3, 2}, byName["block2a_se.reduce_weight"].Shape)
	assert.Equal(t, "reduce_weight", byName["block2a_se.reduce_weight"].Type)
	assert.Equal(t, []float32{7, 8, 9}, byName["block2a_se.expand_bias"].Data)
	assert.Equal(t, "predictions", byName["predictions.bias"].Layer)
}

func TestLoadPretrainedFromONNX(t *testing.T) {
	net := tinyNetwork(t)
	path := filepath.Join(t.TempDir(), "backbone.onnx")
	cp := &checkpoints.Checkpoint{Weights: []checkpoints.WeightTensor{
		{Name: "block_1_expand/kernel:0", Shape: []int{1, 1, 2, 3}, Data: seq(6)},
		{Name: "block_1_expand_BN/moving_variance:0", Shape: []int{3}, Data: []float32{4, 5, 6}},
	}}
	require.NoError(t, checkpoints.NewONNXExporter().ExportToONNX(cp, path))

	n, err := LoadPretrained(net, path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, net.Params()[0].Data)

	_, err = LoadPretrained(net, filepath.Join(t.TempDir(), "missing.onnx"), nil)
	assert.Error(t, err)
}
