package training

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-fer/engine"
	"github.com/tsawler/go-fer/layers"
	"github.com/tsawler/go-fer/vision/dataloader"
)

const (
	testSide    = 4
	testClasses = 3
	testPixels  = 3 * testSide * testSide
)

// memSource serves fixed samples in order, restarting at the end
type memSource struct {
	images    [][]float32
	labels    []int
	batchSize int
	classes   int
	pos       int
	resets    int
	// dropOnReset removes the last sample on every Reset
	dropOnReset bool
}

func (m *memSource) Next(ctx context.Context) (*dataloader.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.pos >= len(m.images) {
		m.pos = 0
	}
	end := m.pos + m.batchSize
	if end > len(m.images) {
		end = len(m.images)
	}
	b := &dataloader.Batch{Size: end - m.pos}
	for i := m.pos; i < end; i++ {
		b.Images = append(b.Images, m.images[i]...)
		oneHot := make([]float32, m.classes)
		oneHot[m.labels[i]] = 1
		b.OneHot = append(b.OneHot, oneHot...)
		b.Labels = append(b.Labels, int32(m.labels[i]))
	}
	m.pos = end
	return b, nil
}

func (m *memSource) Reset() {
	m.pos = 0
	m.resets++
	if m.dropOnReset && m.resets > 1 && len(m.images) > 1 {
		m.images = m.images[:len(m.images)-1]
		m.labels = m.labels[:len(m.labels)-1]
	}
}

func (m *memSource) StepsPerEpoch() int {
	return (len(m.images) + m.batchSize - 1) / m.batchSize
}

func (m *memSource) NumClasses() int {
	return m.classes
}

// channelSource builds n images where only the channel of the label is lit
func channelSource(n, batchSize int) *memSource {
	m := &memSource{batchSize: batchSize, classes: testClasses}
	plane := testSide * testSide
	for i := 0; i < n; i++ {
		label := i % testClasses
		img := make([]float32, testPixels)
		for p := 0; p < plane; p++ {
			img[label*plane+p] = 1
		}
		m.images = append(m.images, img)
		m.labels = append(m.labels, label)
	}
	return m
}

// idSource stores the sample index in the first pixel so a tablePredictor
// can look up its output
func idSource(labels []int, classes, batchSize int) *memSource {
	m := &memSource{batchSize: batchSize, classes: classes}
	for i, l := range labels {
		img := make([]float32, testPixels)
		img[0] = float32(i)
		m.images = append(m.images, img)
		m.labels = append(m.labels, l)
	}
	return m
}

// tablePredictor returns a fixed probability row per sample id
type tablePredictor struct {
	rows    [][]float32
	classes int
}

func (p tablePredictor) Predict(ctx context.Context, x []float32, batch int) ([]float32, error) {
	var out []float32
	for i := 0; i < batch; i++ {
		id := int(x[i*testPixels])
		out = append(out, p.rows[id]...)
	}
	return out, nil
}

func (p tablePredictor) NumClasses() int  { return p.classes }
func (p tablePredictor) InputSize() []int { return []int{3, testSide, testSide} }

// headOnlySpec is GAP -> Dense -> Softmax, all trainable
func headOnlySpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{1, 3, testSide, testSide}).
		Named("head_only").
		AddGlobalAvgPool("gap").
		AddDense(testClasses, true, "predictions").
		AddSoftmax("predictions_softmax").
		Compile()
	require.NoError(t, err)
	return spec
}

// stagedSpec has a frozen backbone of four layers and a trainable head
func stagedSpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{1, 3, testSide, testSide}).
		Named("staged").
		InGroup(layers.GroupBackbone, false).
		AddConv2D(4, 1, 1, 0, false, "conv").
		AddBatchNorm(1e-3, 0.01, "conv_bn").
		AddReLU("conv_relu").
		AddConv2D(4, 1, 1, 0, true, "conv_2").
		InGroup(layers.GroupHead, true).
		AddGlobalAvgPool("gap").
		AddDense(testClasses, true, "predictions").
		AddSoftmax("predictions_softmax").
		Compile()
	require.NoError(t, err)
	return spec
}

func newNetwork(t *testing.T, spec *layers.ModelSpec) *engine.Network {
	t.Helper()
	net, err := engine.NewNetwork(spec, 3)
	require.NoError(t, err)
	return net
}

func quietConfig() TrainerConfig {
	cfg := DefaultTrainerConfig()
	cfg.Progress = nil
	return cfg
}
