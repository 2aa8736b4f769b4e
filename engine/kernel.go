package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-fer/layers"
	"github.com/tsawler/go-fer/tensor"
)

// kernel executes one layer over a whole batch. backward receives the
// gradient of the layer output and returns the gradient of its input, or
// nil when st.needInputGrad(i) is false.
type kernel interface {
	forward(st *Step, i int, x *tensor.Tensor) (*tensor.Tensor, error)
	backward(st *Step, i int, dy *tensor.Tensor) (*tensor.Tensor, error)
}

func newKernel(n *Network, i int) (kernel, error) {
	l := &n.Spec.Layers[i]
	p := l.Parameters
	switch l.Type {
	case layers.Dense:
		return &denseKernel{
			in:      layers.GetIntParam(p, "input_size", 0),
			out:     layers.GetIntParam(p, "output_size", 0),
			useBias: layers.GetBoolParam(p, "use_bias", true),
			w:       n.params[n.offsets[i]],
			b:       optionalParam(n, i, 1),
		}, nil
	case layers.Conv2D:
		return &convKernel{
			out:     layers.GetIntParam(p, "output_channels", 0),
			k:       layers.GetIntParam(p, "kernel_size", 1),
			stride:  layers.GetIntParam(p, "stride", 1),
			pad:     layers.GetIntParam(p, "padding", 0),
			w:       n.params[n.offsets[i]],
			b:       optionalParam(n, i, 1),
			workers: &n.Workers,
		}, nil
	case layers.DepthwiseConv2D:
		return &depthwiseKernel{
			k:       layers.GetIntParam(p, "kernel_size", 1),
			stride:  layers.GetIntParam(p, "stride", 1),
			pad:     layers.GetIntParam(p, "padding", 0),
			w:       n.params[n.offsets[i]],
			b:       optionalParam(n, i, 1),
			workers: &n.Workers,
		}, nil
	case layers.BatchNorm:
		c := layers.GetIntParam(p, "num_features", 0)
		bn := &batchNormKernel{
			eps:      layers.GetFloatParam(p, "eps", 1e-3),
			momentum: layers.GetFloatParam(p, "momentum", 0.01),
			gamma:    n.params[n.offsets[i]],
			beta:     n.params[n.offsets[i]+1],
			mean:     make([]float32, c),
			variance: make([]float32, c),
		}
		fill(bn.variance, 1)
		return bn, nil
	case layers.ReLU, layers.ReLU6, layers.Swish, layers.Sigmoid:
		return &activationKernel{kind: l.Type}, nil
	case layers.Softmax:
		return softmaxKernel{}, nil
	case layers.Dropout:
		return &dropoutKernel{rate: layers.GetFloatParam(p, "rate", 0)}, nil
	case layers.GlobalAvgPool:
		return globalAvgPoolKernel{}, nil
	case layers.SqueezeExcite:
		return &squeezeExciteKernel{
			units: layers.GetIntParam(p, "units", 1),
			swish: layers.GetStringParam(p, "activation", "relu") == "swish",
			w1:    n.params[n.offsets[i]],
			b1:    n.params[n.offsets[i]+1],
			w2:    n.params[n.offsets[i]+2],
			b2:    n.params[n.offsets[i]+3],
		}, nil
	case layers.Add:
		return &addKernel{from: layers.GetIntParam(p, "from_index", -1)}, nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", l.Type.String())
	}
}

func optionalParam(n *Network, i, j int) *Param {
	ps := n.LayerParams(i)
	if j < len(ps) {
		return ps[j]
	}
	return nil
}

// parallelFor runs fn for every item in [0, count) on up to workers
// goroutines. Items are striped across workers so each worker can keep its
// own scratch and gradient buffers, indexed by worker.
func parallelFor(ctx context.Context, count, workers int, fn func(worker, item int) error) error {
	if workers < 1 {
		workers = 1
	}
	if workers > count {
		workers = count
	}
	if workers <= 1 {
		for item := 0; item < count; item++ {
			if err := fn(0, item); err != nil {
				return err
			}
		}
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for item := w; item < count; item += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := fn(w, item); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func workerCount(p *int, count int) int {
	w := *p
	if w < 1 {
		w = 1
	}
	if w > count {
		w = count
	}
	return w
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// gemm computes c = a' * b' + beta*c where a' is a or its transpose.
// a is stored as aRows x aCols, b as bRows x bCols, c as m x n.
func gemm(tA, tB bool, a []float32, aRows, aCols int, b []float32, bRows, bCols int, beta float32, c []float32) {
	m, n := aRows, bCols
	if tA {
		m = aCols
	}
	if tB {
		n = bRows
	}
	blas32.Gemm(transpose(tA), transpose(tB), 1,
		general(aRows, aCols, a), general(bRows, bCols, b), beta, general(m, n, c))
}

// sumInto adds every worker buffer into dst
func sumInto(dst []float32, parts [][]float32) {
	for _, p := range parts {
		for i, v := range p {
			dst[i] += v
		}
	}
}
