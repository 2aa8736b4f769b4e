package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	DepthwiseConv2D
	ReLU
	ReLU6
	Swish
	Sigmoid
	Softmax
	Dropout
	BatchNorm
	GlobalAvgPool
	SqueezeExcite
	Add
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case DepthwiseConv2D:
		return "DepthwiseConv2D"
	case ReLU:
		return "ReLU"
	case ReLU6:
		return "ReLU6"
	case Swish:
		return "Swish"
	case Sigmoid:
		return "Sigmoid"
	case Softmax:
		return "Softmax"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case SqueezeExcite:
		return "SqueezeExcite"
	case Add:
		return "Add"
	default:
		return "Unknown"
	}
}

// Layer groups used by the trainer to decide what a phase may update.
const (
	GroupBackbone = "backbone"
	GroupHead     = "head"
)

// LayerSpec defines layer configuration.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Group      string                 `json:"group"`
	Trainable  bool                   `json:"trainable"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	group      string
	trainable  bool
}

// NewModelBuilder creates a new model builder. inputShape is NCHW.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		group:      GroupHead,
		trainable:  true,
	}
}

// Named sets the model name
func (mb *ModelBuilder) Named(name string) *ModelBuilder {
	mb.name = name
	return mb
}

// InGroup makes every following layer belong to group with the given
// trainable flag.
func (mb *ModelBuilder) InGroup(group string, trainable bool) *ModelBuilder {
	mb.group = group
	mb.trainable = trainable
	return mb
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Group == "" {
		layer.Group = mb.group
		layer.Trainable = mb.trainable
	}
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
			"initializer": "glorot_uniform",
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddDepthwiseConv2D adds a depthwise convolution with one filter per input channel
func (mb *ModelBuilder) AddDepthwiseConv2D(kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: DepthwiseConv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
			"use_bias":    useBias,
		},
	})
}

// AddBatchNorm adds a Batch Normalization layer to the model.
// The feature count is taken from the input shape during compilation.
// momentum weights the batch statistic when updating the running statistics.
func (mb *ModelBuilder) AddBatchNorm(eps float32, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"eps":      eps,
			"momentum": momentum,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddReLU6 adds a ReLU capped at 6
func (mb *ModelBuilder) AddReLU6(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU6, Name: name})
}

// AddSwish adds x * sigmoid(x)
func (mb *ModelBuilder) AddSwish(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Swish, Name: name})
}

// AddSigmoid adds a sigmoid activation
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name})
}

// AddSoftmax adds a Softmax activation over the last axis
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": -1,
		},
	})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddGlobalAvgPool averages each channel of a 4D input down to [batch, channels]
func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAvgPool, Name: name})
}

// AddSqueezeExcite adds a channel attention block whose bottleneck is
// channels/ratio wide with a ReLU, gated by a sigmoid.
func (mb *ModelBuilder) AddSqueezeExcite(ratio int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: SqueezeExcite,
		Name: name,
		Parameters: map[string]interface{}{
			"ratio":      ratio,
			"activation": "relu",
		},
	})
}

// AddSqueezeExciteUnits adds a channel attention block with a fixed
// bottleneck width and bottleneck activation ("relu" or "swish").
func (mb *ModelBuilder) AddSqueezeExciteUnits(units int, activation string, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: SqueezeExcite,
		Name: name,
		Parameters: map[string]interface{}{
			"units":      units,
			"activation": activation,
		},
	})
}

// AddResidual adds the output of the earlier layer named from to the current tensor
func (mb *ModelBuilder) AddResidual(from string, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Add,
		Name: name,
		Parameters: map[string]interface{}{
			"from": from,
		},
	})
}

// LastLayerName returns the name of the most recently added layer
func (mb *ModelBuilder) LastLayerName() string {
	if len(mb.layers) == 0 {
		return ""
	}
	return mb.layers[len(mb.layers)-1].Name
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}
	for i, l := range mb.layers {
		model.Layers[i] = l
		model.Layers[i].Parameters = copyParams(l.Parameters)
	}
	if err := model.Compile(); err != nil {
		return nil, err
	}
	return model, nil
}

// Compile computes shapes and parameter information for every layer. It is
// also used to re-derive shapes for a spec decoded from disk.
func (ms *ModelSpec) Compile() error {
	if len(ms.Layers) == 0 {
		return fmt.Errorf("cannot compile empty model")
	}
	if len(ms.InputShape) != 4 {
		return fmt.Errorf("model input must be 4D [batch, channels, height, width], got %v", ms.InputShape)
	}

	currentShape := ms.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)
	names := make(map[string]int, len(ms.Layers))

	for i := range ms.Layers {
		layer := &ms.Layers[i]
		if layer.Name == "" {
			return fmt.Errorf("layer %d (%s) has no name", i, layer.Type)
		}
		if _, dup := names[layer.Name]; dup {
			return fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		if layer.Parameters == nil {
			layer.Parameters = map[string]interface{}{}
		}

		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := ms.computeLayerInfo(layer, currentShape, names)
		if err != nil {
			return fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		names[layer.Name] = i
		currentShape = outputShape
	}

	ms.OutputShape = currentShape
	ms.ParameterShapes = allParameterShapes
	ms.TotalParameters = totalParams
	ms.Compiled = true
	return nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (ms *ModelSpec) computeLayerInfo(layer *LayerSpec, inputShape []int, names map[string]int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case DepthwiseConv2D:
		return computeDepthwiseInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case GlobalAvgPool:
		if len(inputShape) != 4 {
			return nil, nil, 0, fmt.Errorf("global average pool requires 4D input, got %v", inputShape)
		}
		return []int{inputShape[0], inputShape[1]}, nil, 0, nil
	case SqueezeExcite:
		return computeSqueezeExciteInfo(layer, inputShape)
	case Add:
		return ms.computeAddInfo(layer, inputShape, names)
	case ReLU, ReLU6, Swish, Sigmoid, Softmax, Dropout:
		return computeActivationInfo(inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires 2D input [batch, features], got %v", inputShape)
	}

	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [inputSize, outputSize], bias: [outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := GetIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize := GetIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride := GetIntParam(layer.Parameters, "stride", 1)
	padding := GetIntParam(layer.Parameters, "padding", 0)
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight, outputWidth, err := convOutput(inputShape[2], inputShape[3], kernelSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return []int{inputShape[0], outputChannels, outputHeight, outputWidth}, paramShapes, paramCount, nil
}

// computeDepthwiseInfo computes depthwise convolution information
func computeDepthwiseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("DepthwiseConv2D layer requires 4D input [batch, channels, height, width]")
	}
	kernelSize := GetIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride := GetIntParam(layer.Parameters, "stride", 1)
	padding := GetIntParam(layer.Parameters, "padding", 0)
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	channels := inputShape[1]
	outputHeight, outputWidth, err := convOutput(inputShape[2], inputShape[3], kernelSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}

	// Weight tensor: [channels, 1, kernelSize, kernelSize]
	paramShapes := [][]int{{channels, 1, kernelSize, kernelSize}}
	paramCount := int64(channels * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{channels})
		paramCount += int64(channels)
	}

	return []int{inputShape[0], channels, outputHeight, outputWidth}, paramShapes, paramCount, nil
}

func convOutput(h, w, kernelSize, stride, padding int) (int, int, error) {
	if stride <= 0 {
		return 0, 0, fmt.Errorf("stride must be positive, got %d", stride)
	}
	outputHeight := (h+2*padding-kernelSize)/stride + 1
	outputWidth := (w+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return 0, 0, fmt.Errorf("kernel %d with stride %d and padding %d does not fit input %dx%d",
			kernelSize, stride, padding, h, w)
	}
	return outputHeight, outputWidth, nil
}

// computeBatchNormInfo computes batch normalization layer information
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 && len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("batch norm layer requires 2D or 4D input, got %v", inputShape)
	}

	// For 2D input [batch, features] and 4D input [batch, channels, height, width]
	// the feature dimension is index 1
	numFeatures := inputShape[1]
	layer.Parameters["num_features"] = numFeatures

	// Learnable scale (gamma) and shift (beta). Running mean and variance
	// are buffers, not parameters.
	paramShapes := [][]int{{numFeatures}, {numFeatures}}
	return append([]int(nil), inputShape...), paramShapes, int64(numFeatures * 2), nil
}

// computeSqueezeExciteInfo computes the two bottleneck dense layers of an SE block
func computeSqueezeExciteInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("squeeze-excite requires 4D input, got %v", inputShape)
	}
	channels := inputShape[1]

	units := GetIntParam(layer.Parameters, "units", 0)
	if units <= 0 {
		ratio := GetIntParam(layer.Parameters, "ratio", 16)
		if ratio <= 0 {
			return nil, nil, 0, fmt.Errorf("ratio must be positive, got %d", ratio)
		}
		units = channels / ratio
		if units < 1 {
			units = 1
		}
	}
	layer.Parameters["units"] = units

	switch act := GetStringParam(layer.Parameters, "activation", "relu"); act {
	case "relu", "swish":
	default:
		return nil, nil, 0, fmt.Errorf("unsupported squeeze-excite activation %q", act)
	}

	// reduce weight [C, units], reduce bias [units], expand weight [units, C], expand bias [C]
	paramShapes := [][]int{{channels, units}, {units}, {units, channels}, {channels}}
	paramCount := int64(channels*units + units + units*channels + channels)
	return append([]int(nil), inputShape...), paramShapes, paramCount, nil
}

func (ms *ModelSpec) computeAddInfo(layer *LayerSpec, inputShape []int, names map[string]int) ([]int, [][]int, int64, error) {
	from := GetStringParam(layer.Parameters, "from", "")
	idx, ok := names[from]
	if !ok {
		return nil, nil, 0, fmt.Errorf("residual source %q is not an earlier layer", from)
	}
	if !sameShape(ms.Layers[idx].OutputShape, inputShape) {
		return nil, nil, 0, fmt.Errorf("residual shape mismatch: %v from %s vs %v",
			ms.Layers[idx].OutputShape, from, inputShape)
	}
	layer.Parameters["from_index"] = idx
	return append([]int(nil), inputShape...), nil, 0, nil
}

func computeActivationInfo(inputShape []int) ([]int, [][]int, int64, error) {
	// Activation layers don't change shape and have no parameters
	return append([]int(nil), inputShape...), nil, 0, nil
}

// TrainableParameters counts parameters of layers flagged trainable
func (ms *ModelSpec) TrainableParameters() int64 {
	var n int64
	for _, l := range ms.Layers {
		if l.Trainable {
			n += l.ParameterCount
		}
	}
	return n
}

// LayersInGroup returns the indices of layers belonging to group, in order
func (ms *ModelSpec) LayersInGroup(group string) []int {
	var idx []int
	for i, l := range ms.Layers {
		if l.Group == group {
			idx = append(idx, i)
		}
	}
	return idx
}

// NumClasses returns the width of the output layer
func (ms *ModelSpec) NumClasses() int {
	if len(ms.OutputShape) != 2 {
		return 0
	}
	return ms.OutputShape[1]
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", ms.Name)
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))
	fmt.Fprintf(&b, "%-4s %-32s %-16s %-10s %-20s %10s\n", "#", "Layer", "Type", "Group", "Output", "Params")
	b.WriteString(strings.Repeat("-", 97) + "\n")

	for i, layer := range ms.Layers {
		name := layer.Name
		if !layer.Trainable {
			name += " (frozen)"
		}
		fmt.Fprintf(&b, "%-4d %-32s %-16s %-10s %-20s %10d\n",
			i+1, name, layer.Type.String(), layer.Group, fmt.Sprint(layer.OutputShape), layer.ParameterCount)
	}

	b.WriteString(strings.Repeat("-", 97) + "\n")
	fmt.Fprintf(&b, "Total params: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Trainable params: %d\n", ms.TrainableParameters())
	fmt.Fprintf(&b, "Non-trainable params: %d\n", ms.TotalParameters-ms.TrainableParameters())
	return b.String()
}

func sameShape(a, b []int) bool {
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

func copyParams(p map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
