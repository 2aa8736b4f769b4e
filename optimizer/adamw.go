package optimizer

import (
	"fmt"
	"math"
)

// AdamWOptimizerState is Adam with decoupled weight decay. The update
// follows Keras: weights first shrink by lr*decay, then take the bias
// corrected Adam step.
type AdamWOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32
	WeightDecay  float32 // Decoupled decay coefficient

	// Per-tensor first and second moments; nil for frozen tensors
	MomentumBuffers [][]float32
	VarianceBuffers [][]float32

	// Step tracking for bias correction
	StepCount uint64
}

// AdamWConfig holds configuration for the AdamW optimizer
type AdamWConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamWConfig returns the Keras AdamW defaults
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.004,
	}
}

// NewAdamWOptimizer allocates moments for every tensor whose mask entry is
// set. sizes holds the element count of each tensor.
func NewAdamWOptimizer(config AdamWConfig, sizes []int, mask []bool) (*AdamWOptimizerState, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no weight tensors provided")
	}
	if len(mask) != len(sizes) {
		return nil, fmt.Errorf("mask has %d entries for %d tensors", len(mask), len(sizes))
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}

	opt := &AdamWOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float32, len(sizes)),
		VarianceBuffers: make([][]float32, len(sizes)),
	}
	for i, n := range sizes {
		if !mask[i] {
			continue
		}
		opt.MomentumBuffers[i] = make([]float32, n)
		opt.VarianceBuffers[i] = make([]float32, n)
	}
	return opt, nil
}

// Step applies one update to every tensor with both a gradient and moments
func (opt *AdamWOptimizerState) Step(weights, grads [][]float32) error {
	if len(weights) != len(opt.MomentumBuffers) || len(grads) != len(weights) {
		return fmt.Errorf("expected %d weight and gradient tensors, got %d and %d",
			len(opt.MomentumBuffers), len(weights), len(grads))
	}
	opt.StepCount++

	t := float64(opt.StepCount)
	b1, b2 := float64(opt.Beta1), float64(opt.Beta2)
	lr := float64(opt.LearningRate)
	alpha := float32(lr * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t)))
	decay := opt.LearningRate * opt.WeightDecay

	for i, g := range grads {
		m, v := opt.MomentumBuffers[i], opt.VarianceBuffers[i]
		if g == nil || m == nil {
			continue
		}
		w := weights[i]
		if len(w) != len(g) || len(w) != len(m) {
			return fmt.Errorf("tensor %d: %d weights, %d gradients, %d moments", i, len(w), len(g), len(m))
		}
		for j := range w {
			w[j] -= w[j] * decay
			m[j] += (g[j] - m[j]) * (1 - opt.Beta1)
			v[j] += (g[j]*g[j] - v[j]) * (1 - opt.Beta2)
			w[j] -= m[j] * alpha / (float32(math.Sqrt(float64(v[j]))) + opt.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (opt *AdamWOptimizerState) UpdateLearningRate(newLR float32) {
	opt.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (opt *AdamWOptimizerState) GetLearningRate() float32 {
	return opt.LearningRate
}

// GetStepCount returns the number of steps taken
func (opt *AdamWOptimizerState) GetStepCount() uint64 {
	return opt.StepCount
}

// GetState extracts moments and hyperparameters for checkpointing
func (opt *AdamWOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "AdamW",
		Parameters: map[string]interface{}{
			"learning_rate": float64(opt.LearningRate),
			"beta1":         float64(opt.Beta1),
			"beta2":         float64(opt.Beta2),
			"epsilon":       float64(opt.Epsilon),
			"weight_decay":  float64(opt.WeightDecay),
			"step_count":    float64(opt.StepCount),
		},
	}
	for i := range opt.MomentumBuffers {
		if opt.MomentumBuffers[i] == nil {
			continue
		}
		state.StateData = append(state.StateData,
			extractBufferState(opt.MomentumBuffers[i], fmt.Sprintf("m_%d", i), "m"),
			extractBufferState(opt.VarianceBuffers[i], fmt.Sprintf("v_%d", i), "v"),
		)
	}
	return state, nil
}

// LoadState restores hyperparameters and moments. Tensors must line up
// with the ones this optimizer was created for.
func (opt *AdamWOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdamW", state); err != nil {
		return err
	}
	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(opt.MomentumBuffers) || opt.MomentumBuffers[idx] == nil {
			return fmt.Errorf("state tensor %s does not match a trainable tensor", st.Name)
		}
		var buf []float32
		switch st.StateType {
		case "m":
			buf = opt.MomentumBuffers[idx]
		case "v":
			buf = opt.VarianceBuffers[idx]
		default:
			return fmt.Errorf("unknown AdamW state type %q", st.StateType)
		}
		if err := restoreBufferState(buf, st.Data, st.Name); err != nil {
			return err
		}
	}

	opt.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", opt.LearningRate)
	opt.Beta1 = extractFloat32Param(state.Parameters, "beta1", opt.Beta1)
	opt.Beta2 = extractFloat32Param(state.Parameters, "beta2", opt.Beta2)
	opt.Epsilon = extractFloat32Param(state.Parameters, "epsilon", opt.Epsilon)
	opt.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", opt.WeightDecay)
	opt.StepCount = extractUint64Param(state.Parameters, "step_count", opt.StepCount)
	return nil
}
