package engine

import (
	"github.com/tsawler/go-fer/tensor"
)

// denseKernel computes y = x W + b with W stored [in, out]
type denseKernel struct {
	in, out int
	useBias bool
	w, b    *Param
}

func (dk *denseKernel) forward(st *Step, i int, x *tensor.Tensor) (*tensor.Tensor, error) {
	n, _ := x.Dims2()
	y := tensor.Zeros(n, dk.out)
	gemm(false, false, x.Data, n, dk.in, dk.w.Data, dk.in, dk.out, 0, y.Data)
	if dk.b != nil {
		for r := 0; r < n; r++ {
			row := y.Data[r*dk.out : (r+1)*dk.out]
			for j, b := range dk.b.Data {
				row[j] += b
			}
		}
	}
	return y, nil
}

func (dk *denseKernel) backward(st *Step, i int, dy *tensor.Tensor) (*tensor.Tensor, error) {
	x := st.inputs[i]
	n, _ := x.Dims2()

	if dW := st.grad(i, 0); dW != nil {
		// dW += x^T dy
		gemm(true, false, x.Data, n, dk.in, dy.Data, n, dk.out, 1, dW)
	}
	if dk.b != nil {
		if dB := st.grad(i, 1); dB != nil {
			for r := 0; r < n; r++ {
				for j, v := range dy.Data[r*dk.out : (r+1)*dk.out] {
					dB[j] += v
				}
			}
		}
	}
	if !st.needInputGrad(i) {
		return nil, nil
	}
	dx := tensor.Zeros(n, dk.in)
	// dx = dy W^T
	gemm(false, true, dy.Data, n, dk.out, dk.w.Data, dk.in, dk.out, 0, dx.Data)
	return dx, nil
}
