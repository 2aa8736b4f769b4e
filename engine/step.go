package engine

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-fer/layers"
	"github.com/tsawler/go-fer/tensor"
)

// ErrShapeMismatch is returned when a batch does not fit the model input
var ErrShapeMismatch = errors.New("shape mismatch")

// Step holds the activations and gradients of one forward/backward pass.
// A step is owned by a single goroutine; the network itself is only read
// except for batch norm running statistics updated by training steps.
type Step struct {
	net       *Network
	ctx       context.Context
	training  bool
	trainable []bool
	rng       *rand.Rand

	inputs  []*tensor.Tensor
	outputs []*tensor.Tensor
	cache   []interface{}
	pending []*tensor.Tensor
	grads   [][]float32

	// lowest layer whose parameters receive gradients
	stop int
}

// NewStep prepares a pass. In training mode dropout is active and batch norm
// layers marked trainable in layerMask use batch statistics. Gradients are
// kept only for parameters of layers marked trainable. A nil mask freezes
// every layer.
func (n *Network) NewStep(training bool, layerMask []bool, rng *rand.Rand) *Step {
	count := len(n.Spec.Layers)
	st := &Step{
		net:       n,
		ctx:       context.Background(),
		training:  training,
		trainable: make([]bool, count),
		rng:       rng,
		inputs:    make([]*tensor.Tensor, count),
		outputs:   make([]*tensor.Tensor, count),
		cache:     make([]interface{}, count),
		pending:   make([]*tensor.Tensor, count),
		grads:     make([][]float32, len(n.params)),
		stop:      count,
	}
	if st.rng == nil {
		st.rng = rand.New(rand.NewSource(1))
	}
	if layerMask != nil {
		copy(st.trainable, layerMask)
	}
	if !training {
		return st
	}
	for i := range n.Spec.Layers {
		if !st.trainable[i] || n.Spec.Layers[i].ParameterCount == 0 {
			continue
		}
		if i < st.stop {
			st.stop = i
		}
		for j, p := range n.LayerParams(i) {
			st.grads[n.offsets[i]+j] = make([]float32, len(p.Data))
		}
	}
	return st
}

// Reset clears activations and zeroes gradients so the step can be reused
// for the next batch
func (st *Step) Reset() {
	for i := range st.inputs {
		st.inputs[i] = nil
		st.outputs[i] = nil
		st.cache[i] = nil
		st.pending[i] = nil
	}
	for _, g := range st.grads {
		for i := range g {
			g[i] = 0
		}
	}
}

// Grads returns gradients aligned with Network.Params. Entries of frozen
// parameters are nil.
func (st *Step) Grads() [][]float32 {
	return st.grads
}

// Training reports whether the step runs in training mode
func (st *Step) Training() bool {
	return st.training
}

// Forward runs the batch x (NCHW, flattened) through every layer and
// returns the output of the last layer.
func (st *Step) Forward(ctx context.Context, x []float32, batch int) (*tensor.Tensor, error) {
	shape := append([]int{batch}, st.net.InputSize()...)
	cur, err := tensor.New(shape, x)
	if err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	st.ctx = ctx

	for i, k := range st.net.kernels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st.inputs[i] = cur
		out, err := k.forward(st, i, cur)
		if err != nil {
			return nil, errors.Wrapf(err, "forward %s", st.net.Spec.Layers[i].Name)
		}
		st.outputs[i] = out
		cur = out
	}
	return cur, nil
}

// BackwardFromLogits back-propagates dLogits, the loss gradient with
// respect to the pre-softmax activations. The model must end in Softmax.
// Propagation stops at the lowest trainable layer.
func (st *Step) BackwardFromLogits(dLogits *tensor.Tensor) error {
	last := len(st.net.Spec.Layers) - 1
	if st.net.Spec.Layers[last].Type != layers.Softmax {
		return errors.New("model does not end in softmax")
	}
	if st.outputs[last] == nil {
		return errors.New("backward called before forward")
	}
	if !st.training {
		return errors.New("backward requires a training step")
	}
	if !dLogits.SameShape(st.outputs[last]) {
		return errors.Wrapf(ErrShapeMismatch, "logit gradient %v vs output %v", dLogits.Shape, st.outputs[last].Shape)
	}

	grad := dLogits
	for i := last - 1; i >= st.stop; i-- {
		if err := st.ctx.Err(); err != nil {
			return err
		}
		if p := st.pending[i]; p != nil {
			if err := grad.AddInPlace(p); err != nil {
				return errors.Wrapf(err, "residual gradient into %s", st.net.Spec.Layers[i].Name)
			}
		}
		dx, err := st.net.kernels[i].backward(st, i, grad)
		if err != nil {
			return errors.Wrapf(err, "backward %s", st.net.Spec.Layers[i].Name)
		}
		grad = dx
	}
	return nil
}

// needInputGrad reports whether layer i must produce a gradient for its input
func (st *Step) needInputGrad(i int) bool {
	return i > st.stop
}

// grad returns the gradient buffer of parameter j of layer i, nil if frozen
func (st *Step) grad(i, j int) []float32 {
	return st.grads[st.net.offsets[i]+j]
}

// batchStats reports whether batch norm layer i normalises with batch statistics
func (st *Step) batchStats(i int) bool {
	return st.training && st.trainable[i]
}

// addPending accumulates a residual gradient for the output of layer i
func (st *Step) addPending(i int, g *tensor.Tensor) error {
	if st.pending[i] == nil {
		st.pending[i] = g.Clone()
		return nil
	}
	return st.pending[i].AddInPlace(g)
}

// Predict runs an inference pass and returns the flattened output
// probabilities, NumClasses per sample. It is safe for concurrent use.
func (n *Network) Predict(ctx context.Context, x []float32, batch int) ([]float32, error) {
	out, err := n.NewStep(false, nil, nil).Forward(ctx, x, batch)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}
