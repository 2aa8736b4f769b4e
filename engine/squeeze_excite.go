package engine

import (
	"github.com/tsawler/go-fer/tensor"
)

// squeezeExciteKernel gates each channel of a [n, c, h, w] input by
// sigmoid(W2 act(W1 mean(x) + b1) + b2).
type squeezeExciteKernel struct {
	units          int
	swish          bool
	w1, b1, w2, b2 *Param
}

type seCache struct {
	squeezed []float32 // [n, c]
	pre      []float32 // [n, units]
	hidden   []float32 // [n, units]
	gate     []float32 // [n, c]
}

func (sk *squeezeExciteKernel) act(v float32) float32 {
	if sk.swish {
		return v * sigmoid(v)
	}
	if v > 0 {
		return v
	}
	return 0
}

func (sk *squeezeExciteKernel) actGrad(v float32) float32 {
	if sk.swish {
		s := sigmoid(v)
		return s * (1 + v*(1-s))
	}
	if v > 0 {
		return 1
	}
	return 0
}

func (sk *squeezeExciteKernel) forward(st *Step, i int, x *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w := x.Dims4()
	s := h * w
	u := sk.units
	cache := &seCache{
		squeezed: make([]float32, n*c),
		pre:      make([]float32, n*u),
		hidden:   make([]float32, n*u),
		gate:     make([]float32, n*c),
	}

	for j := range cache.squeezed {
		var sum float32
		for _, v := range x.Data[j*s : (j+1)*s] {
			sum += v
		}
		cache.squeezed[j] = sum / float32(s)
	}

	gemm(false, false, cache.squeezed, n, c, sk.w1.Data, c, u, 0, cache.pre)
	for r := 0; r < n; r++ {
		for k := 0; k < u; k++ {
			idx := r*u + k
			cache.pre[idx] += sk.b1.Data[k]
			cache.hidden[idx] = sk.act(cache.pre[idx])
		}
	}
	gemm(false, false, cache.hidden, n, u, sk.w2.Data, u, c, 0, cache.gate)
	for r := 0; r < n; r++ {
		for k := 0; k < c; k++ {
			idx := r*c + k
			cache.gate[idx] = sigmoid(cache.gate[idx] + sk.b2.Data[k])
		}
	}

	y := tensor.ZerosLike(x)
	for j, g := range cache.gate {
		for k := j * s; k < (j+1)*s; k++ {
			y.Data[k] = x.Data[k] * g
		}
	}
	st.cache[i] = cache
	return y, nil
}

func (sk *squeezeExciteKernel) backward(st *Step, i int, dy *tensor.Tensor) (*tensor.Tensor, error) {
	x := st.inputs[i]
	cache := st.cache[i].(*seCache)
	n, c, h, w := x.Dims4()
	s := h * w
	u := sk.units
	needInput := st.needInputGrad(i)
	dW1, dB1, dW2, dB2 := st.grad(i, 0), st.grad(i, 1), st.grad(i, 2), st.grad(i, 3)
	if dW1 == nil && !needInput {
		return nil, nil
	}

	// gradient of the pre-sigmoid gate
	dPre2 := make([]float32, n*c)
	for j, g := range cache.gate {
		var dg float32
		for k := j * s; k < (j+1)*s; k++ {
			dg += dy.Data[k] * x.Data[k]
		}
		dPre2[j] = dg * g * (1 - g)
	}

	if dW2 != nil {
		gemm(true, false, cache.hidden, n, u, dPre2, n, c, 1, dW2)
		for r := 0; r < n; r++ {
			for k := 0; k < c; k++ {
				dB2[k] += dPre2[r*c+k]
			}
		}
	}

	dHidden := make([]float32, n*u)
	gemm(false, true, dPre2, n, c, sk.w2.Data, u, c, 0, dHidden)
	dPre1 := make([]float32, n*u)
	for j, v := range cache.pre {
		dPre1[j] = dHidden[j] * sk.actGrad(v)
	}

	if dW1 != nil {
		gemm(true, false, cache.squeezed, n, c, dPre1, n, u, 1, dW1)
		for r := 0; r < n; r++ {
			for k := 0; k < u; k++ {
				dB1[k] += dPre1[r*u+k]
			}
		}
	}
	if !needInput {
		return nil, nil
	}

	dSqueezed := make([]float32, n*c)
	gemm(false, true, dPre1, n, u, sk.w1.Data, c, u, 0, dSqueezed)

	dx := tensor.ZerosLike(x)
	for j, g := range cache.gate {
		ds := dSqueezed[j] / float32(s)
		for k := j * s; k < (j+1)*s; k++ {
			dx.Data[k] = dy.Data[k]*g + ds
		}
	}
	return dx, nil
}

// Gates returns the channel gates computed by the squeeze-excite layer i
// during the last forward pass of st, shaped [n, c]. It returns nil when
// layer i is not a squeeze-excite layer.
func (st *Step) Gates(i int) []float32 {
	if c, ok := st.cache[i].(*seCache); ok {
		return c.gate
	}
	return nil
}
