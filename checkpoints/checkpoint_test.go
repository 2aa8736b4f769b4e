package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-fer/layers"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{1, 3, 8, 8}).
		Named("test").
		AddConv2D(2, 3, 1, 1, true, "conv").
		AddGlobalAvgPool("gap").
		AddDense(3, true, "fc").
		AddSoftmax("softmax").
		Compile()
	require.NoError(t, err)

	return &Checkpoint{
		ModelSpec: model,
		Weights: []WeightTensor{
			{Name: "conv.weight", Shape: []int{2, 3, 3, 3}, Data: make([]float32, 54), Layer: "conv", Type: "weight"},
			{Name: "conv.bias", Shape: []int{2}, Data: []float32{0.5, -0.5}, Layer: "conv", Type: "bias"},
		},
		TrainingState: TrainingState{Phase: "warmup", Epoch: 3, LearningRate: 1e-4, BestLoss: 1.2},
		Metadata: CheckpointMetadata{
			Labels:    []string{"a", "b", "c"},
			ImageSize: 8,
			Backbone:  "mobilenetv2",
		},
	}
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	for _, name := range []string{"model.json", "model.json.xz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cp := testCheckpoint(t)
			require.NoError(t, Save(cp, path))

			loaded, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, "go-fer", loaded.Metadata.Framework)
			assert.False(t, loaded.Metadata.CreatedAt.IsZero())
			assert.Equal(t, []string{"a", "b", "c"}, loaded.Metadata.Labels)
			assert.Equal(t, "warmup", loaded.TrainingState.Phase)
			assert.True(t, loaded.ModelSpec.Compiled)
			assert.Equal(t, cp.ModelSpec.TotalParameters, loaded.ModelSpec.TotalParameters)
			assert.Equal(t, []float32{0.5, -0.5}, loaded.Weights[1].Data)

			// no temp files left behind
			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestLoadRejectsCorruptArtifacts(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{not json"), 0644))
	_, err = Load(garbage)
	assert.Error(t, err)

	noSpec := filepath.Join(dir, "nospec.json")
	require.NoError(t, os.WriteFile(noSpec, []byte(`{"weights":[]}`), 0644))
	_, err = Load(noSpec)
	assert.Error(t, err)

	noWeights := filepath.Join(dir, "noweights.json")
	cp := testCheckpoint(t)
	cp.Weights = nil
	require.NoError(t, Save(cp, noWeights))
	_, err = Load(noWeights)
	assert.Error(t, err)
}

func TestSaveRequiresSpec(t *testing.T) {
	err := Save(&Checkpoint{}, filepath.Join(t.TempDir(), "x.json"))
	assert.Error(t, err)
}

func TestONNXInitializers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.onnx")
	cp := testCheckpoint(t)
	cp.Weights[0].Data[5] = 1.25
	require.NoError(t, Save(cp, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Weights, 2)
	assert.Nil(t, loaded.ModelSpec)

	assert.Equal(t, "conv.weight", loaded.Weights[0].Name)
	assert.Equal(t, []int{2, 3, 3, 3}, loaded.Weights[0].Shape)
	assert.Equal(t, float32(1.25), loaded.Weights[0].Data[5])
	assert.Equal(t, []float32{0.5, -0.5}, loaded.Weights[1].Data)
}

func TestONNXPackedFloatDataAndSkippedTypes(t *testing.T) {
	// float tensor using packed dims and float_data instead of raw_data
	var tensor []byte
	tensor = protowire.AppendTag(tensor, tensorDims, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, protowire.AppendVarint(protowire.AppendVarint(nil, 1), 2))
	tensor = protowire.AppendTag(tensor, tensorDataType, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, onnxFloat)
	tensor = protowire.AppendTag(tensor, tensorName, protowire.BytesType)
	tensor = protowire.AppendString(tensor, "packed")
	var floats []byte
	floats = protowire.AppendFixed32(floats, 0x3f800000) // 1.0
	floats = protowire.AppendFixed32(floats, 0x40000000) // 2.0
	tensor = protowire.AppendTag(tensor, tensorFloatData, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, floats)

	// int64 tensor, skipped
	var ints []byte
	ints = protowire.AppendTag(ints, tensorDataType, protowire.VarintType)
	ints = protowire.AppendVarint(ints, 7)
	ints = protowire.AppendTag(ints, tensorName, protowire.BytesType)
	ints = protowire.AppendString(ints, "shape_const")

	var graph []byte
	graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
	graph = protowire.AppendBytes(graph, tensor)
	graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
	graph = protowire.AppendBytes(graph, ints)

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, 8)
	model = protowire.AppendTag(model, modelGraph, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)

	weights, err := NewONNXImporter().Unmarshal(model)
	require.NoError(t, err)
	require.Len(t, weights, 1)
	assert.Equal(t, "packed", weights[0].Name)
	assert.Equal(t, []int{1, 2}, weights[0].Shape)
	assert.Equal(t, []float32{1, 2}, weights[0].Data)
}

func TestONNXTruncated(t *testing.T) {
	data := NewONNXExporter().Marshal(testCheckpoint(t).Weights)
	_, err := NewONNXImporter().Unmarshal(data[:len(data)-3])
	assert.Error(t, err)
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, FormatONNX, FormatForPath("a/b.ONNX"))
	assert.Equal(t, FormatJSON, FormatForPath("a/b.json"))
	assert.Equal(t, FormatJSON, FormatForPath("a/b.json.xz"))
	assert.Equal(t, "JSON", FormatJSON.String())
}
