package models

import (
	"fmt"

	"github.com/tsawler/go-fer/layers"
)

// inverted residual settings: expansion, output channels, repeats, first stride
var mobileNetV2Blocks = []struct{ t, c, n, s int }{
	{1, 16, 1, 1},
	{6, 24, 2, 2},
	{6, 32, 3, 2},
	{6, 64, 4, 2},
	{6, 96, 3, 1},
	{6, 160, 3, 2},
	{6, 320, 1, 1},
}

// mobileNetV2 appends the MobileNetV2 (alpha 1.0) feature extractor with
// Keras layer names, ending in the 1280-channel out_relu activation.
func mobileNetV2(b *layers.ModelBuilder) {
	b.AddConv2D(32, 3, 2, 1, false, "Conv1").
		AddBatchNorm(bnEpsilon, mobileNetBNMom, "bn_Conv1").
		AddReLU6("Conv1_relu")

	in := 32
	id := 0
	for _, blk := range mobileNetV2Blocks {
		for r := 0; r < blk.n; r++ {
			stride := 1
			if r == 0 {
				stride = blk.s
			}
			invertedResidual(b, id, in, blk.c, blk.t, stride)
			in = blk.c
			id++
		}
	}

	b.AddConv2D(1280, 1, 1, 0, false, "Conv_1").
		AddBatchNorm(bnEpsilon, mobileNetBNMom, "Conv_1_bn").
		AddReLU6("out_relu")
}

func invertedResidual(b *layers.ModelBuilder, id, in, out, expansion, stride int) {
	prefix := "expanded_conv_"
	if id > 0 {
		prefix = fmt.Sprintf("block_%d_", id)
	}
	source := b.LastLayerName()

	if expansion != 1 {
		b.AddConv2D(in*expansion, 1, 1, 0, false, prefix+"expand").
			AddBatchNorm(bnEpsilon, mobileNetBNMom, prefix+"expand_BN").
			AddReLU6(prefix + "expand_relu")
	}
	b.AddDepthwiseConv2D(3, stride, 1, false, prefix+"depthwise").
		AddBatchNorm(bnEpsilon, mobileNetBNMom, prefix+"depthwise_BN").
		AddReLU6(prefix+"depthwise_relu").
		AddConv2D(out, 1, 1, 0, false, prefix+"project").
		AddBatchNorm(bnEpsilon, mobileNetBNMom, prefix+"project_BN")

	if stride == 1 && in == out {
		b.AddResidual(source, prefix+"add")
	}
}
