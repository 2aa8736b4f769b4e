package layers_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-fer/layers"
)

func TestCompileShapes(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{4, 3, 32, 32}).
		Named("tiny").
		InGroup(layers.GroupBackbone, false).
		AddConv2D(8, 3, 2, 1, false, "conv1").
		AddBatchNorm(1e-3, 0.01, "conv1_bn").
		AddReLU6("conv1_relu").
		AddDepthwiseConv2D(3, 1, 1, false, "dw").
		AddResidual("conv1_relu", "add").
		InGroup(layers.GroupHead, true).
		AddSqueezeExcite(4, "se").
		AddGlobalAvgPool("gap").
		AddDense(5, true, "fc").
		AddSoftmax("softmax").
		Compile()
	require.NoError(t, err)

	assert.Equal(t, []int{4, 8, 16, 16}, model.Layers[0].OutputShape)
	assert.Equal(t, []int{4, 8, 16, 16}, model.Layers[3].OutputShape)
	assert.Equal(t, []int{4, 8}, model.Layers[6].OutputShape)
	assert.Equal(t, []int{4, 5}, model.OutputShape)
	assert.Equal(t, 5, model.NumClasses())

	// conv 8*3*3*3, bn 2*8, dw 8*9, se 8*2+2+2*8+8, dense 8*5+5
	want := int64(216 + 16 + 72 + 42 + 45)
	assert.Equal(t, want, model.TotalParameters)
	assert.Equal(t, int64(42+45), model.TrainableParameters())

	assert.Equal(t, []int{0, 1, 2, 3, 4}, model.LayersInGroup(layers.GroupBackbone))
	assert.False(t, model.Layers[0].Trainable)
	assert.True(t, model.Layers[5].Trainable)
	assert.Equal(t, 2, layers.GetIntParam(model.Layers[5].Parameters, "units", 0))
	assert.Equal(t, 2, layers.GetIntParam(model.Layers[4].Parameters, "from_index", -1))
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(*layers.ModelBuilder) *layers.ModelBuilder
	}{
		{"empty", func(b *layers.ModelBuilder) *layers.ModelBuilder { return b }},
		{"dense on 4D", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddDense(3, true, "fc")
		}},
		{"unknown residual", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddReLU("r").AddResidual("nope", "add")
		}},
		{"residual shape", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddReLU("r").AddConv2D(4, 3, 2, 1, false, "c").AddResidual("r", "add")
		}},
		{"duplicate name", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddReLU("r").AddReLU("r")
		}},
		{"kernel too large", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddConv2D(4, 9, 1, 0, false, "c")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build(layers.NewModelBuilder([]int{1, 3, 8, 8})).Compile()
			assert.Error(t, err)
		})
	}
}

func TestRecompileAfterJSON(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{1, 3, 16, 16}).
		AddConv2D(4, 3, 1, 1, true, "conv").
		AddReLU("relu").
		AddResidual("relu", "add").
		AddGlobalAvgPool("gap").
		AddDense(2, true, "fc").
		Compile()
	require.NoError(t, err)

	data, err := json.Marshal(model)
	require.NoError(t, err)

	var decoded layers.ModelSpec
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NoError(t, decoded.Compile())

	assert.Equal(t, model.OutputShape, decoded.OutputShape)
	assert.Equal(t, model.TotalParameters, decoded.TotalParameters)
	assert.Equal(t, 4, layers.GetIntParam(decoded.Layers[0].Parameters, "output_channels", 0))
}

func TestSummary(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{1, 3, 8, 8}).
		Named("summary").
		InGroup(layers.GroupBackbone, false).
		AddConv2D(2, 1, 1, 0, false, "conv").
		InGroup(layers.GroupHead, true).
		AddGlobalAvgPool("gap").
		AddDense(2, true, "fc").
		Compile()
	require.NoError(t, err)

	s := model.Summary()
	assert.True(t, strings.Contains(s, "conv (frozen)"))
	assert.True(t, strings.Contains(s, "Trainable params: 6"))
	assert.True(t, strings.Contains(s, "Non-trainable params: 6"))
}
