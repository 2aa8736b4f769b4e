package optimizer

import (
	"fmt"

	"github.com/tsawler/go-fer/checkpoints"
)

// Optimizer defines the common interface for all optimizers.
// Weights and gradients are aligned slices; a nil gradient marks a frozen
// tensor that must be left untouched.
type Optimizer interface {
	// Step performs a single optimization step
	Step(weights, grads [][]float32) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float32
}

// OptimizerState represents the complete state of an optimizer
// Compatible with checkpoints.OptimizerState for serialization
type OptimizerState struct {
	Type       string                        `json:"type"`
	Parameters map[string]interface{}        `json:"parameters"`
	StateData  []checkpoints.OptimizerTensor `json:"state_data"`
}

// ToCheckpoint converts the state for storage in a checkpoint
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	return &checkpoints.OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// FromCheckpoint converts checkpoint optimizer state
func FromCheckpoint(cs *checkpoints.OptimizerState) *OptimizerState {
	return &OptimizerState{
		Type:       cs.Type,
		Parameters: cs.Parameters,
		StateData:  cs.StateData,
	}
}

// extractBufferIndex extracts the tensor index from state names like "m_0" or "v_12"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
