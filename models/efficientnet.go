package models

import (
	"fmt"

	"github.com/tsawler/go-fer/layers"
)

// EfficientNetB0 stages: expansion, kernel, stride, input filters, output filters, repeats
var efficientNetB0Blocks = []struct{ e, k, s, in, out, r int }{
	{1, 3, 1, 32, 16, 1},
	{6, 3, 2, 16, 24, 2},
	{6, 5, 2, 24, 40, 2},
	{6, 3, 2, 40, 80, 3},
	{6, 5, 1, 80, 112, 3},
	{6, 5, 2, 112, 192, 4},
	{6, 3, 1, 192, 320, 1},
}

const seRatioEfficientNet = 0.25

// efficientNetB0 appends the EfficientNetB0 feature extractor with Keras
// layer names. Inputs are expected in [0, 1]. Stochastic depth is not used.
func efficientNetB0(b *layers.ModelBuilder) {
	b.AddConv2D(32, 3, 2, 1, false, "stem_conv").
		AddBatchNorm(bnEpsilon, bnMomentum, "stem_bn").
		AddSwish("stem_activation")

	for i, stage := range efficientNetB0Blocks {
		for r := 0; r < stage.r; r++ {
			in, stride := stage.in, stage.s
			if r > 0 {
				in, stride = stage.out, 1
			}
			prefix := fmt.Sprintf("block%d%c_", i+1, 'a'+r)
			mbConv(b, prefix, in, stage.out, stage.e, stage.k, stride)
		}
	}

	b.AddConv2D(1280, 1, 1, 0, false, "top_conv").
		AddBatchNorm(bnEpsilon, bnMomentum, "top_bn").
		AddSwish("top_activation")
}

func mbConv(b *layers.ModelBuilder, prefix string, in, out, expansion, kernel, stride int) {
	source := b.LastLayerName()
	filters := in * expansion

	if expansion != 1 {
		b.AddConv2D(filters, 1, 1, 0, false, prefix+"expand_conv").
			AddBatchNorm(bnEpsilon, bnMomentum, prefix+"expand_bn").
			AddSwish(prefix + "expand_activation")
	}
	b.AddDepthwiseConv2D(kernel, stride, (kernel-1)/2, false, prefix+"dwconv").
		AddBatchNorm(bnEpsilon, bnMomentum, prefix+"bn").
		AddSwish(prefix + "activation")

	units := int(float64(in) * seRatioEfficientNet)
	if units < 1 {
		units = 1
	}
	b.AddSqueezeExciteUnits(units, "swish", prefix+"se").
		AddConv2D(out, 1, 1, 0, false, prefix+"project_conv").
		AddBatchNorm(bnEpsilon, bnMomentum, prefix+"project_bn")

	if stride == 1 && in == out {
		b.AddResidual(source, prefix+"add")
	}
}
