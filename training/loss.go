package training

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-fer/tensor"
)

// ErrNonFiniteLoss aborts training when a batch loss is NaN or infinite
var ErrNonFiniteLoss = errors.New("loss is not finite")

// probEpsilon matches the Keras backend epsilon used to clip probabilities
const probEpsilon = 1e-7

// Loss scores softmax outputs against one-hot targets
type Loss interface {
	// Forward returns the mean loss over the batch
	Forward(probs, targets []float32, batch, classes int) (float64, error)
	// Backward returns the gradient of the mean loss with respect to the
	// pre-softmax logits, shaped [batch, classes]
	Backward(probs, targets []float32, batch, classes int) (*tensor.Tensor, error)
	Name() string
}

// CategoricalCrossEntropy is cross-entropy over softmax probabilities with
// optional label smoothing: y' = y*(1-s) + s/K.
type CategoricalCrossEntropy struct {
	LabelSmoothing float32
}

// NewCategoricalCrossEntropy creates the loss with smoothing s
func NewCategoricalCrossEntropy(smoothing float32) *CategoricalCrossEntropy {
	return &CategoricalCrossEntropy{LabelSmoothing: smoothing}
}

// Name returns the loss name for logs
func (ce *CategoricalCrossEntropy) Name() string {
	if ce.LabelSmoothing > 0 {
		return fmt.Sprintf("CategoricalCrossEntropy(smoothing=%g)", ce.LabelSmoothing)
	}
	return "CategoricalCrossEntropy"
}

func (ce *CategoricalCrossEntropy) target(y float32, classes int) float32 {
	s := ce.LabelSmoothing
	return y*(1-s) + s/float32(classes)
}

func checkShapes(probs, targets []float32, batch, classes int) error {
	if batch <= 0 || classes <= 0 {
		return fmt.Errorf("invalid loss shape [%d, %d]", batch, classes)
	}
	if len(probs) != batch*classes {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", batch*classes, len(probs))
	}
	if len(targets) != batch*classes {
		return fmt.Errorf("targets length mismatch: expected %d, got %d", batch*classes, len(targets))
	}
	return nil
}

// Forward computes -mean(sum(y' * log(clip(p)))). A non-finite result
// returns ErrNonFiniteLoss.
func (ce *CategoricalCrossEntropy) Forward(probs, targets []float32, batch, classes int) (float64, error) {
	if err := checkShapes(probs, targets, batch, classes); err != nil {
		return 0, err
	}

	total := 0.0
	for i := 0; i < batch; i++ {
		row := probs[i*classes : (i+1)*classes]
		for j, p := range row {
			y := ce.target(targets[i*classes+j], classes)
			if y == 0 {
				continue
			}
			pc := math.Min(math.Max(float64(p), probEpsilon), 1-probEpsilon)
			total -= float64(y) * math.Log(pc)
		}
	}

	loss := total / float64(batch)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, ErrNonFiniteLoss
	}
	return loss, nil
}

// Backward returns (p - y') / batch, the softmax cross-entropy gradient
func (ce *CategoricalCrossEntropy) Backward(probs, targets []float32, batch, classes int) (*tensor.Tensor, error) {
	if err := checkShapes(probs, targets, batch, classes); err != nil {
		return nil, err
	}

	grad := make([]float32, batch*classes)
	inv := 1 / float32(batch)
	for i := range grad {
		grad[i] = (probs[i] - ce.target(targets[i], classes)) * inv
	}
	return tensor.New([]int{batch, classes}, grad)
}

// correctCount counts rows whose argmax matches the label
func correctCount(probs []float32, labels []int32, classes int) int {
	correct := 0
	for i, label := range labels {
		row := probs[i*classes : (i+1)*classes]
		best := 0
		for j := 1; j < classes; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		if int32(best) == label {
			correct++
		}
	}
	return correct
}
