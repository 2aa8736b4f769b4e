package models

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/checkpoints"
	"github.com/tsawler/go-fer/engine"
)

// kerasKinds maps Keras variable names to parameter kinds
var kerasKinds = map[string]string{
	"kernel":           "weight",
	"depthwise_kernel": "weight",
	"bias":             "bias",
	"gamma":            "gamma",
	"beta":             "beta",
	"moving_mean":      "running_mean",
	"moving_variance":  "running_var",
}

// LoadPretrained copies backbone weights from an ONNX (or JSON) artifact
// into net. Initializers are matched by layer name, either in the network's
// own "<layer>.<kind>" form or as Keras variable paths such as
// "block_1_expand/kernel:0". Keras HWIO kernels are transposed to OIHW.
// Unmatched tensors keep their initial values. It returns the number of
// tensors loaded.
func LoadPretrained(net *engine.Network, path string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cp, err := checkpoints.Load(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read pretrained weights %s", path)
	}
	resolved, skipped := ResolveWeights(net, cp.Weights)
	n, err := net.LoadWeights(resolved, false)
	if err != nil {
		return n, errors.Wrapf(err, "failed to apply pretrained weights %s", path)
	}
	logger.Info("loaded pretrained weights",
		zap.String("path", path),
		zap.Int("loaded", n),
		zap.Int("skipped", skipped),
		zap.Int("available", len(cp.Weights)),
	)
	return n, nil
}

// ResolveWeights renames and reshapes foreign tensors into the layout of
// net. It returns the usable tensors and the number it could not place.
func ResolveWeights(net *engine.Network, ws []checkpoints.WeightTensor) ([]checkpoints.WeightTensor, int) {
	targets := map[string][]int{}
	for _, w := range net.Weights() {
		targets[w.Name] = w.Shape
	}

	var out []checkpoints.WeightTensor
	skipped := 0
	for _, w := range ws {
		name, shape, keras, ok := resolveName(targets, w.Name)
		if !ok {
			skipped++
			continue
		}
		data, ok := convertLayout(w.Shape, shape, w.Data, keras)
		if !ok {
			skipped++
			continue
		}
		layer, kind := splitName(name)
		out = append(out, checkpoints.WeightTensor{Name: name, Shape: shape, Data: data, Layer: layer, Type: kind})
	}
	return out, skipped
}

// resolveName finds the network tensor for raw. keras reports whether the
// name was a Keras variable path, whose kernels are stored HWIO.
func resolveName(targets map[string][]int, raw string) (name string, shape []int, keras, ok bool) {
	name = strings.TrimSuffix(raw, ":0")
	if shape, ok := targets[name]; ok {
		return name, shape, false, true
	}

	segs := strings.Split(name, "/")
	kind, ok := kerasKinds[segs[len(segs)-1]]
	if !ok {
		return "", nil, false, false
	}
	for i := len(segs) - 2; i >= 0; i-- {
		layer, k := segs[i], kind
		switch {
		case strings.HasSuffix(layer, "_se_reduce"):
			layer, k = strings.TrimSuffix(layer, "_reduce"), "reduce_"+kind
		case strings.HasSuffix(layer, "_se_expand"):
			layer, k = strings.TrimSuffix(layer, "_expand"), "expand_"+kind
		}
		if shape, ok := targets[layer+"."+k]; ok {
			return layer + "." + k, shape, true, true
		}
	}
	return "", nil, false, false
}

func splitName(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	return name[:i], name[i+1:]
}

// convertLayout maps src data of shape from into shape to. Keras kernels
// are transposed even when both layouts happen to have the same shape.
func convertLayout(from, to []int, src []float32, keras bool) ([]float32, bool) {
	if numel(from) != numel(to) || len(src) != numel(to) {
		return nil, false
	}
	switch {
	case equalInts(from, to) && !(keras && len(to) == 4):
		return append([]float32(nil), src...), true

	case len(from) == 4 && len(to) == 4 && to[1] == 1 &&
		from[0] == to[2] && from[1] == to[3] && from[2] == to[0] && from[3] == 1:
		// depthwise [k, k, c, 1] -> [c, 1, k, k]
		k, c := from[0], from[2]
		dst := make([]float32, len(src))
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				for ch := 0; ch < c; ch++ {
					dst[(ch*k+ky)*k+kx] = src[(ky*k+kx)*c+ch]
				}
			}
		}
		return dst, true

	case len(from) == 4 && len(to) == 4 &&
		from[0] == to[2] && from[1] == to[3] && from[2] == to[1] && from[3] == to[0]:
		// HWIO -> OIHW
		kh, kw, in, out := from[0], from[1], from[2], from[3]
		dst := make([]float32, len(src))
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				for i := 0; i < in; i++ {
					for o := 0; o < out; o++ {
						dst[((o*in+i)*kh+ky)*kw+kx] = src[((ky*kw+kx)*in+i)*out+o]
					}
				}
			}
		}
		return dst, true

	case len(from) == 4 && len(to) == 2 && from[0] == 1 && from[1] == 1 &&
		from[2] == to[0] && from[3] == to[1]:
		// 1x1 convolution used as a dense layer
		return append([]float32(nil), src...), true
	}
	return nil, false
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func equalInts(a, b []int) bool {
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
