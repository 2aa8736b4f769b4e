package engine

import (
	"math"

	"github.com/tsawler/go-fer/tensor"
)

// batchNormKernel normalises over every axis but the channel axis (1).
// Running statistics are updated as r = (1-momentum)*r + momentum*batch.
type batchNormKernel struct {
	eps, momentum float32
	gamma, beta   *Param

	mean, variance []float32
}

type bnBuffer struct {
	kind string
	data []float32
}

func (bk *batchNormKernel) buffers() []bnBuffer {
	return []bnBuffer{{"running_mean", bk.mean}, {"running_var", bk.variance}}
}

type bnCache struct {
	xhat   []float32
	invStd []float32
}

// layout returns batch, channels and the spatial size per channel
func bnLayout(x *tensor.Tensor) (n, c, s int) {
	n, c = x.Shape[0], x.Shape[1]
	s = 1
	for _, d := range x.Shape[2:] {
		s *= d
	}
	return n, c, s
}

func (bk *batchNormKernel) forward(st *Step, i int, x *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, s := bnLayout(x)
	y := tensor.ZerosLike(x)
	cache := &bnCache{xhat: make([]float32, len(x.Data)), invStd: make([]float32, c)}

	batch := st.batchStats(i)
	m := float64(n * s)
	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if batch {
			for b := 0; b < n; b++ {
				for _, v := range x.Data[(b*c+ch)*s : (b*c+ch+1)*s] {
					mean += float64(v)
				}
			}
			mean /= m
			for b := 0; b < n; b++ {
				for _, v := range x.Data[(b*c+ch)*s : (b*c+ch+1)*s] {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= m
			mom := float64(bk.momentum)
			bk.mean[ch] = float32((1-mom)*float64(bk.mean[ch]) + mom*mean)
			bk.variance[ch] = float32((1-mom)*float64(bk.variance[ch]) + mom*variance)
		} else {
			mean = float64(bk.mean[ch])
			variance = float64(bk.variance[ch])
		}

		inv := float32(1 / math.Sqrt(variance+float64(bk.eps)))
		cache.invStd[ch] = inv
		g, bt, mu := bk.gamma.Data[ch], bk.beta.Data[ch], float32(mean)
		for b := 0; b < n; b++ {
			off := (b*c + ch) * s
			for j := off; j < off+s; j++ {
				xh := (x.Data[j] - mu) * inv
				cache.xhat[j] = xh
				y.Data[j] = g*xh + bt
			}
		}
	}
	st.cache[i] = cache
	return y, nil
}

func (bk *batchNormKernel) backward(st *Step, i int, dy *tensor.Tensor) (*tensor.Tensor, error) {
	cache := st.cache[i].(*bnCache)
	n, c, s := bnLayout(dy)
	dGamma, dBeta := st.grad(i, 0), st.grad(i, 1)
	needInput := st.needInputGrad(i)
	batch := st.batchStats(i)

	var dx *tensor.Tensor
	if needInput {
		dx = tensor.ZerosLike(dy)
	}
	m := float32(n * s)
	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float32
		for b := 0; b < n; b++ {
			off := (b*c + ch) * s
			for j := off; j < off+s; j++ {
				sumDy += dy.Data[j]
				sumDyXhat += dy.Data[j] * cache.xhat[j]
			}
		}
		if dGamma != nil {
			dGamma[ch] += sumDyXhat
		}
		if dBeta != nil {
			dBeta[ch] += sumDy
		}
		if dx == nil {
			continue
		}

		scale := bk.gamma.Data[ch] * cache.invStd[ch]
		for b := 0; b < n; b++ {
			off := (b*c + ch) * s
			for j := off; j < off+s; j++ {
				if batch {
					dx.Data[j] = scale / m * (m*dy.Data[j] - sumDy - cache.xhat[j]*sumDyXhat)
				} else {
					// frozen statistics are constants
					dx.Data[j] = scale * dy.Data[j]
				}
			}
		}
	}
	return dx, nil
}
