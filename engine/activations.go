package engine

import (
	"math"

	"github.com/tsawler/go-fer/layers"
	"github.com/tsawler/go-fer/tensor"
)

type activationKernel struct {
	kind layers.LayerType
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func (ak *activationKernel) forward(st *Step, i int, x *tensor.Tensor) (*tensor.Tensor, error) {
	y := tensor.ZerosLike(x)
	switch ak.kind {
	case layers.ReLU:
		for j, v := range x.Data {
			if v > 0 {
				y.Data[j] = v
			}
		}
	case layers.ReLU6:
		for j, v := range x.Data {
			switch {
			case v > 6:
				y.Data[j] = 6
			case v > 0:
				y.Data[j] = v
			}
		}
	case layers.Swish:
		for j, v := range x.Data {
			y.Data[j] = v * sigmoid(v)
		}
	case layers.Sigmoid:
		for j, v := range x.Data {
			y.Data[j] = sigmoid(v)
		}
	}
	return y, nil
}

func (ak *activationKernel) backward(st *Step, i int, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if !st.needInputGrad(i) {
		return nil, nil
	}
	x, y := st.inputs[i], st.outputs[i]
	dx := tensor.ZerosLike(dy)
	switch ak.kind {
	case layers.ReLU:
		for j, v := range x.Data {
			if v > 0 {
				dx.Data[j] = dy.Data[j]
			}
		}
	case layers.ReLU6:
		for j, v := range x.Data {
			if v > 0 && v < 6 {
				dx.Data[j] = dy.Data[j]
			}
		}
	case layers.Swish:
		for j, v := range x.Data {
			s := sigmoid(v)
			dx.Data[j] = dy.Data[j] * s * (1 + v*(1-s))
		}
	case layers.Sigmoid:
		for j, s := range y.Data {
			dx.Data[j] = dy.Data[j] * s * (1 - s)
		}
	}
	return dx, nil
}

// softmaxKernel normalises each row of a 2D input
type softmaxKernel struct{}

func (softmaxKernel) forward(st *Step, i int, x *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols := x.Dims2()
	y := tensor.ZerosLike(x)
	for r := 0; r < rows; r++ {
		Softmax(x.Data[r*cols:(r+1)*cols], y.Data[r*cols:(r+1)*cols])
	}
	return y, nil
}

func (softmaxKernel) backward(st *Step, i int, dy *tensor.Tensor) (*tensor.Tensor, error) {
	y := st.outputs[i]
	rows, cols := y.Dims2()
	dx := tensor.ZerosLike(dy)
	for r := 0; r < rows; r++ {
		ys := y.Data[r*cols : (r+1)*cols]
		gs := dy.Data[r*cols : (r+1)*cols]
		var dot float32
		for j := range ys {
			dot += ys[j] * gs[j]
		}
		for j := range ys {
			dx.Data[r*cols+j] = ys[j] * (gs[j] - dot)
		}
	}
	return dx, nil
}

// Softmax writes the numerically stable softmax of logits into out
func Softmax(logits, out []float32) {
	maxV := logits[0]
	for _, v := range logits[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for j, v := range logits {
		e := math.Exp(float64(v - maxV))
		out[j] = float32(e)
		sum += e
	}
	for j := range out {
		out[j] = float32(float64(out[j]) / sum)
	}
}

// dropoutKernel zeroes inputs with probability rate during training and
// scales the survivors by 1/(1-rate). It is the identity at inference.
type dropoutKernel struct {
	rate float32
}

func (dk *dropoutKernel) forward(st *Step, i int, x *tensor.Tensor) (*tensor.Tensor, error) {
	if !st.training || dk.rate <= 0 {
		return x, nil
	}
	keep := 1 - dk.rate
	mask := make([]float32, len(x.Data))
	y := tensor.ZerosLike(x)
	for j, v := range x.Data {
		if st.rng.Float32() < keep {
			mask[j] = 1 / keep
			y.Data[j] = v / keep
		}
	}
	st.cache[i] = mask
	return y, nil
}

func (dk *dropoutKernel) backward(st *Step, i int, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if !st.needInputGrad(i) {
		return nil, nil
	}
	mask, ok := st.cache[i].([]float32)
	if !ok {
		return dy, nil
	}
	dx := tensor.ZerosLike(dy)
	for j, m := range mask {
		dx.Data[j] = dy.Data[j] * m
	}
	return dx, nil
}

// globalAvgPoolKernel reduces [n, c, h, w] to [n, c]
type globalAvgPoolKernel struct{}

func (globalAvgPoolKernel) forward(st *Step, i int, x *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w := x.Dims4()
	s := h * w
	y := tensor.Zeros(n, c)
	for j := range y.Data {
		var sum float32
		for _, v := range x.Data[j*s : (j+1)*s] {
			sum += v
		}
		y.Data[j] = sum / float32(s)
	}
	return y, nil
}

func (globalAvgPoolKernel) backward(st *Step, i int, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if !st.needInputGrad(i) {
		return nil, nil
	}
	x := st.inputs[i]
	_, _, h, w := x.Dims4()
	s := h * w
	dx := tensor.ZerosLike(x)
	for j, g := range dy.Data {
		v := g / float32(s)
		for k := j * s; k < (j+1)*s; k++ {
			dx.Data[k] = v
		}
	}
	return dx, nil
}

// addKernel adds the output of an earlier layer to its input
type addKernel struct {
	from int
}

func (ak *addKernel) forward(st *Step, i int, x *tensor.Tensor) (*tensor.Tensor, error) {
	y := x.Clone()
	if err := y.AddInPlace(st.outputs[ak.from]); err != nil {
		return nil, err
	}
	return y, nil
}

func (ak *addKernel) backward(st *Step, i int, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if ak.from >= st.stop {
		if err := st.addPending(ak.from, dy); err != nil {
			return nil, err
		}
	}
	if !st.needInputGrad(i) {
		return nil, nil
	}
	return dy, nil
}
