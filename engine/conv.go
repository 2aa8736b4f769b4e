package engine

import (
	"github.com/tsawler/go-fer/tensor"
)

// convKernel is a standard 2D convolution lowered to GEMM through im2col.
// Weights are [out, in, k, k].
type convKernel struct {
	out, k, stride, pad int
	w, b                *Param
	workers             *int
}

type convGeom struct {
	n, c, h, w, oh, ow int
}

func (ck *convKernel) geom(x *tensor.Tensor) convGeom {
	n, c, h, w := x.Dims4()
	return convGeom{
		n: n, c: c, h: h, w: w,
		oh: (h+2*ck.pad-ck.k)/ck.stride + 1,
		ow: (w+2*ck.pad-ck.k)/ck.stride + 1,
	}
}

// pointwise convolutions read the input sample directly as the column matrix
func (ck *convKernel) pointwise() bool {
	return ck.k == 1 && ck.stride == 1 && ck.pad == 0
}

func (ck *convKernel) forward(st *Step, i int, x *tensor.Tensor) (*tensor.Tensor, error) {
	g := ck.geom(x)
	rows := g.c * ck.k * ck.k
	cols := g.oh * g.ow
	y := tensor.Zeros(g.n, ck.out, g.oh, g.ow)

	workers := workerCount(ck.workers, g.n)
	scratch := make([][]float32, workers)
	if !ck.pointwise() {
		for w := range scratch {
			scratch[w] = make([]float32, rows*cols)
		}
	}

	err := parallelFor(st.ctx, g.n, workers, func(w, s int) error {
		col := x.Sample(s)
		if !ck.pointwise() {
			col = scratch[w]
			im2col(x.Sample(s), g, ck.k, ck.stride, ck.pad, col)
		}
		ys := y.Sample(s)
		gemm(false, false, ck.w.Data, ck.out, rows, col, rows, cols, 0, ys)
		if ck.b != nil {
			for o := 0; o < ck.out; o++ {
				bias := ck.b.Data[o]
				row := ys[o*cols : (o+1)*cols]
				for j := range row {
					row[j] += bias
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return y, nil
}

func (ck *convKernel) backward(st *Step, i int, dy *tensor.Tensor) (*tensor.Tensor, error) {
	x := st.inputs[i]
	g := ck.geom(x)
	rows := g.c * ck.k * ck.k
	cols := g.oh * g.ow
	dW := st.grad(i, 0)
	var dB []float32
	if ck.b != nil {
		dB = st.grad(i, 1)
	}
	needInput := st.needInputGrad(i)
	if dW == nil && !needInput {
		return nil, nil
	}

	var dx *tensor.Tensor
	if needInput {
		dx = tensor.ZerosLike(x)
	}

	workers := workerCount(ck.workers, g.n)
	colBuf := make([][]float32, workers)
	dcolBuf := make([][]float32, workers)
	dWParts := make([][]float32, workers)
	dBParts := make([][]float32, workers)
	for w := 0; w < workers; w++ {
		if !ck.pointwise() {
			colBuf[w] = make([]float32, rows*cols)
			if needInput {
				dcolBuf[w] = make([]float32, rows*cols)
			}
		}
		if dW != nil {
			dWParts[w] = make([]float32, len(dW))
		}
		if dB != nil {
			dBParts[w] = make([]float32, len(dB))
		}
	}

	err := parallelFor(st.ctx, g.n, workers, func(w, s int) error {
		dys := dy.Sample(s)
		if dW != nil {
			col := x.Sample(s)
			if !ck.pointwise() {
				col = colBuf[w]
				im2col(x.Sample(s), g, ck.k, ck.stride, ck.pad, col)
			}
			// dW += dY [out, cols] * col^T [cols, rows]
			gemm(false, true, dys, ck.out, cols, col, rows, cols, 1, dWParts[w])
		}
		if dB != nil {
			for o := 0; o < ck.out; o++ {
				var sum float32
				for _, v := range dys[o*cols : (o+1)*cols] {
					sum += v
				}
				dBParts[w][o] += sum
			}
		}
		if needInput {
			// dcol [rows, cols] = W^T [rows, out] * dY [out, cols]
			if ck.pointwise() {
				gemm(true, false, ck.w.Data, ck.out, rows, dys, ck.out, cols, 0, dx.Sample(s))
			} else {
				gemm(true, false, ck.w.Data, ck.out, rows, dys, ck.out, cols, 0, dcolBuf[w])
				col2im(dcolBuf[w], g, ck.k, ck.stride, ck.pad, dx.Sample(s))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if dW != nil {
		sumInto(dW, dWParts)
	}
	if dB != nil {
		sumInto(dB, dBParts)
	}
	return dx, nil
}

// im2col unrolls one CHW sample into a [c*k*k, oh*ow] matrix
func im2col(x []float32, g convGeom, k, stride, pad int, col []float32) {
	cols := g.oh * g.ow
	for c := 0; c < g.c; c++ {
		plane := x[c*g.h*g.w : (c+1)*g.h*g.w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((c*k+ky)*k+kx)*cols:]
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*stride - pad + ky
					out := row[oy*g.ow : (oy+1)*g.ow]
					if iy < 0 || iy >= g.h {
						for j := range out {
							out[j] = 0
						}
						continue
					}
					for ox := range out {
						ix := ox*stride - pad + kx
						if ix < 0 || ix >= g.w {
							out[ox] = 0
						} else {
							out[ox] = plane[iy*g.w+ix]
						}
					}
				}
			}
		}
	}
}

// col2im accumulates a column matrix back into a CHW sample
func col2im(col []float32, g convGeom, k, stride, pad int, x []float32) {
	cols := g.oh * g.ow
	for c := 0; c < g.c; c++ {
		plane := x[c*g.h*g.w : (c+1)*g.h*g.w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((c*k+ky)*k+kx)*cols:]
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*stride - pad + ky
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*stride - pad + kx
						if ix >= 0 && ix < g.w {
							plane[iy*g.w+ix] += row[oy*g.ow+ox]
						}
					}
				}
			}
		}
	}
}

// depthwiseKernel convolves every channel with its own k x k filter.
// Weights are [c, 1, k, k].
type depthwiseKernel struct {
	k, stride, pad int
	w, b           *Param
	workers        *int
}

func (dk *depthwiseKernel) geom(x *tensor.Tensor) convGeom {
	n, c, h, w := x.Dims4()
	return convGeom{
		n: n, c: c, h: h, w: w,
		oh: (h+2*dk.pad-dk.k)/dk.stride + 1,
		ow: (w+2*dk.pad-dk.k)/dk.stride + 1,
	}
}

func (dk *depthwiseKernel) forward(st *Step, i int, x *tensor.Tensor) (*tensor.Tensor, error) {
	g := dk.geom(x)
	y := tensor.Zeros(g.n, g.c, g.oh, g.ow)
	kk := dk.k * dk.k

	err := parallelFor(st.ctx, g.n, workerCount(dk.workers, g.n), func(_, s int) error {
		xs, ys := x.Sample(s), y.Sample(s)
		for c := 0; c < g.c; c++ {
			plane := xs[c*g.h*g.w : (c+1)*g.h*g.w]
			out := ys[c*g.oh*g.ow : (c+1)*g.oh*g.ow]
			filter := dk.w.Data[c*kk : (c+1)*kk]
			var bias float32
			if dk.b != nil {
				bias = dk.b.Data[c]
			}
			for oy := 0; oy < g.oh; oy++ {
				for ox := 0; ox < g.ow; ox++ {
					sum := bias
					for ky := 0; ky < dk.k; ky++ {
						iy := oy*dk.stride - dk.pad + ky
						if iy < 0 || iy >= g.h {
							continue
						}
						for kx := 0; kx < dk.k; kx++ {
							ix := ox*dk.stride - dk.pad + kx
							if ix < 0 || ix >= g.w {
								continue
							}
							sum += plane[iy*g.w+ix] * filter[ky*dk.k+kx]
						}
					}
					out[oy*g.ow+ox] = sum
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return y, nil
}

func (dk *depthwiseKernel) backward(st *Step, i int, dy *tensor.Tensor) (*tensor.Tensor, error) {
	x := st.inputs[i]
	g := dk.geom(x)
	kk := dk.k * dk.k
	dW := st.grad(i, 0)
	var dB []float32
	if dk.b != nil {
		dB = st.grad(i, 1)
	}
	needInput := st.needInputGrad(i)
	if dW == nil && !needInput {
		return nil, nil
	}

	var dx *tensor.Tensor
	if needInput {
		dx = tensor.ZerosLike(x)
	}
	workers := workerCount(dk.workers, g.n)
	dWParts := make([][]float32, workers)
	dBParts := make([][]float32, workers)
	for w := 0; w < workers; w++ {
		if dW != nil {
			dWParts[w] = make([]float32, len(dW))
		}
		if dB != nil {
			dBParts[w] = make([]float32, len(dB))
		}
	}

	err := parallelFor(st.ctx, g.n, workers, func(w, s int) error {
		xs, dys := x.Sample(s), dy.Sample(s)
		var dxs []float32
		if dx != nil {
			dxs = dx.Sample(s)
		}
		for c := 0; c < g.c; c++ {
			plane := xs[c*g.h*g.w : (c+1)*g.h*g.w]
			grad := dys[c*g.oh*g.ow : (c+1)*g.oh*g.ow]
			filter := dk.w.Data[c*kk : (c+1)*kk]
			var dFilter, dPlane []float32
			if dW != nil {
				dFilter = dWParts[w][c*kk : (c+1)*kk]
			}
			if dxs != nil {
				dPlane = dxs[c*g.h*g.w : (c+1)*g.h*g.w]
			}
			for oy := 0; oy < g.oh; oy++ {
				for ox := 0; ox < g.ow; ox++ {
					gv := grad[oy*g.ow+ox]
					if gv == 0 {
						continue
					}
					if dB != nil {
						dBParts[w][c] += gv
					}
					for ky := 0; ky < dk.k; ky++ {
						iy := oy*dk.stride - dk.pad + ky
						if iy < 0 || iy >= g.h {
							continue
						}
						for kx := 0; kx < dk.k; kx++ {
							ix := ox*dk.stride - dk.pad + kx
							if ix < 0 || ix >= g.w {
								continue
							}
							if dFilter != nil {
								dFilter[ky*dk.k+kx] += gv * plane[iy*g.w+ix]
							}
							if dPlane != nil {
								dPlane[iy*g.w+ix] += gv * filter[ky*dk.k+kx]
							}
						}
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if dW != nil {
		sumInto(dW, dWParts)
	}
	if dB != nil {
		sumInto(dB, dBParts)
	}
	return dx, nil
}
