// Package engine executes compiled layer specs on the CPU. It owns the model
// parameters, runs batched forward and backward passes and exchanges weights
// with checkpoints by name.
package engine

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"github.com/tsawler/go-fer/checkpoints"
	"github.com/tsawler/go-fer/layers"
)

// Param is one learnable tensor of a layer
type Param struct {
	Name       string
	Layer      string
	Kind       string
	LayerIndex int
	Shape      []int
	Data       []float32
}

// Network is a compiled model with its parameters and batch norm buffers
type Network struct {
	Spec *layers.ModelSpec

	// Workers bounds the goroutines used by the convolution kernels
	Workers int

	params  []*Param
	offsets []int // first param index of each layer
	kernels []kernel
}

// NewNetwork allocates and initialises parameters for a compiled spec.
// Convolutions use He normal initialisation, dense layers glorot uniform
// unless the layer asks for "he_normal".
func NewNetwork(spec *layers.ModelSpec, seed int64) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}
	n := &Network{
		Spec:    spec,
		Workers: runtime.GOMAXPROCS(0),
		offsets: make([]int, len(spec.Layers)),
		kernels: make([]kernel, len(spec.Layers)),
	}
	rng := rand.New(rand.NewSource(seed))

	for i := range spec.Layers {
		l := &spec.Layers[i]
		n.offsets[i] = len(n.params)
		for j, shape := range l.ParameterShapes {
			kind := paramKind(l.Type, j)
			p := &Param{
				Name:       l.Name + "." + kind,
				Layer:      l.Name,
				Kind:       kind,
				LayerIndex: i,
				Shape:      append([]int(nil), shape...),
				Data:       make([]float32, numel(shape)),
			}
			initParam(p, l, rng)
			n.params = append(n.params, p)
		}
	}
	for i, l := range spec.Layers {
		k, err := newKernel(n, i)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %v", i, l.Name, err)
		}
		n.kernels[i] = k
	}
	return n, nil
}

// paramKind names the j-th parameter of a layer type
func paramKind(t layers.LayerType, j int) string {
	switch t {
	case layers.BatchNorm:
		return []string{"gamma", "beta"}[j]
	case layers.SqueezeExcite:
		return []string{"reduce_weight", "reduce_bias", "expand_weight", "expand_bias"}[j]
	default:
		if j == 0 {
			return "weight"
		}
		return "bias"
	}
}

func initParam(p *Param, l *layers.LayerSpec, rng *rand.Rand) {
	switch p.Kind {
	case "bias", "beta", "reduce_bias", "expand_bias":
		return
	case "gamma":
		fill(p.Data, 1)
		return
	}

	switch l.Type {
	case layers.Conv2D, layers.DepthwiseConv2D:
		// [out, in, k, k]
		fanIn := p.Shape[1] * p.Shape[2] * p.Shape[3]
		heNormal(p.Data, fanIn, rng)
	case layers.SqueezeExcite:
		heNormal(p.Data, p.Shape[0], rng)
	case layers.Dense:
		if layers.GetStringParam(l.Parameters, "initializer", "glorot_uniform") == "he_normal" {
			heNormal(p.Data, p.Shape[0], rng)
			return
		}
		limit := math.Sqrt(6 / float64(p.Shape[0]+p.Shape[1]))
		for i := range p.Data {
			p.Data[i] = float32((rng.Float64()*2 - 1) * limit)
		}
	}
}

func heNormal(data []float32, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2 / float64(fanIn))
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
}

// Params returns every learnable tensor in layer order
func (n *Network) Params() []*Param {
	return n.params
}

// LayerParams returns the parameters owned by layer i
func (n *Network) LayerParams(i int) []*Param {
	start := n.offsets[i]
	end := len(n.params)
	if i+1 < len(n.offsets) {
		end = n.offsets[i+1]
	}
	return n.params[start:end]
}

// ParamMask expands a per-layer trainable mask to a per-parameter mask
func (n *Network) ParamMask(layerMask []bool) []bool {
	mask := make([]bool, len(n.params))
	for i, p := range n.params {
		mask[i] = layerMask[p.LayerIndex]
	}
	return mask
}

// DefaultMask returns the trainable flags recorded in the model spec
func (n *Network) DefaultMask() []bool {
	mask := make([]bool, len(n.Spec.Layers))
	for i, l := range n.Spec.Layers {
		mask[i] = l.Trainable
	}
	return mask
}

// Weights exports parameters and batch norm running statistics
func (n *Network) Weights() []checkpoints.WeightTensor {
	var out []checkpoints.WeightTensor
	for i, l := range n.Spec.Layers {
		for _, p := range n.LayerParams(i) {
			out = append(out, checkpoints.WeightTensor{
				Name:  p.Name,
				Shape: append([]int(nil), p.Shape...),
				Data:  append([]float32(nil), p.Data...),
				Layer: p.Layer,
				Type:  p.Kind,
			})
		}
		if bn, ok := n.kernels[i].(*batchNormKernel); ok {
			for _, b := range bn.buffers() {
				out = append(out, checkpoints.WeightTensor{
					Name:  l.Name + "." + b.kind,
					Shape: []int{len(b.data)},
					Data:  append([]float32(nil), b.data...),
					Layer: l.Name,
					Type:  b.kind,
				})
			}
		}
	}
	return out
}

// LoadWeights copies tensors into the network by name. Shapes must match.
// With strict set every network tensor must be present. It returns the
// number of tensors copied.
func (n *Network) LoadWeights(ws []checkpoints.WeightTensor, strict bool) (int, error) {
	byName := make(map[string]checkpoints.WeightTensor, len(ws))
	for _, w := range ws {
		byName[w.Name] = w
	}

	loaded := 0
	load := func(name string, shape []int, dst []float32) error {
		w, ok := byName[name]
		if !ok {
			if strict {
				return fmt.Errorf("missing weight %s", name)
			}
			return nil
		}
		if !equalShape(w.Shape, shape) || len(w.Data) != len(dst) {
			return fmt.Errorf("weight %s has shape %v, want %v", name, w.Shape, shape)
		}
		copy(dst, w.Data)
		loaded++
		return nil
	}

	for i, l := range n.Spec.Layers {
		for _, p := range n.LayerParams(i) {
			if err := load(p.Name, p.Shape, p.Data); err != nil {
				return loaded, err
			}
		}
		if bn, ok := n.kernels[i].(*batchNormKernel); ok {
			for _, b := range bn.buffers() {
				if err := load(l.Name+"."+b.kind, []int{len(b.data)}, b.data); err != nil {
					return loaded, err
				}
			}
		}
	}
	return loaded, nil
}

// Snapshot is a deep copy of all network state
type Snapshot [][]float32

// Snapshot copies parameters and buffers
func (n *Network) Snapshot() Snapshot {
	var s Snapshot
	for _, d := range n.stateSlices() {
		s = append(s, append([]float32(nil), d...))
	}
	return s
}

// Restore copies a snapshot back into the network
func (n *Network) Restore(s Snapshot) error {
	slices := n.stateSlices()
	if len(s) != len(slices) {
		return fmt.Errorf("snapshot holds %d tensors, network has %d", len(s), len(slices))
	}
	for i, d := range slices {
		if len(s[i]) != len(d) {
			return fmt.Errorf("snapshot tensor %d has %d values, want %d", i, len(s[i]), len(d))
		}
		copy(d, s[i])
	}
	return nil
}

func (n *Network) stateSlices() [][]float32 {
	var out [][]float32
	for _, p := range n.params {
		out = append(out, p.Data)
	}
	for _, k := range n.kernels {
		if bn, ok := k.(*batchNormKernel); ok {
			for _, b := range bn.buffers() {
				out = append(out, b.data)
			}
		}
	}
	return out
}

// InputSize returns the per-sample input shape [C, H, W]
func (n *Network) InputSize() []int {
	return n.Spec.InputShape[1:]
}

// NumClasses returns the output width
func (n *Network) NumClasses() int {
	return n.Spec.NumClasses()
}

func numel(shape []int) int {
	v := 1
	for _, d := range shape {
		v *= d
	}
	return v
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func fill(data []float32, v float32) {
	for i := range data {
		data[i] = v
	}
}
