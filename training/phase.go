package training

import (
	"fmt"

	"github.com/tsawler/go-fer/layers"
)

// Phase names
const (
	PhaseWarmup   = "warmup"
	PhaseFinetune = "finetune"
)

// PhaseSpec describes one training phase. Phases are values: the trainable
// layer set is derived from the model spec when the phase starts and the
// spec itself is never modified.
type PhaseSpec struct {
	Name         string
	Epochs       int
	LearningRate float32

	// FreezeBackbone keeps every backbone layer fixed. When false only the
	// last TrainableTail backbone layers are updated; zero or less unfreezes
	// the whole backbone.
	FreezeBackbone bool
	TrainableTail  int
}

// DefaultPhases returns warmup with a frozen backbone followed by a
// fine-tune of the last 100 backbone layers
func DefaultPhases() []PhaseSpec {
	return []PhaseSpec{
		{Name: PhaseWarmup, Epochs: 10, LearningRate: 1e-4, FreezeBackbone: true},
		{Name: PhaseFinetune, Epochs: 10, LearningRate: 3e-5, TrainableTail: 100},
	}
}

// Validate checks the phase can run
func (p PhaseSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("phase has no name")
	}
	if p.Epochs < 0 {
		return fmt.Errorf("phase %s: epochs cannot be negative, got %d", p.Name, p.Epochs)
	}
	if p.LearningRate <= 0 {
		return fmt.Errorf("phase %s: learning rate must be positive, got %g", p.Name, p.LearningRate)
	}
	return nil
}

// TrainableMask returns one flag per layer of spec. Layers outside the
// backbone group keep the flag recorded in the model spec.
func TrainableMask(spec *layers.ModelSpec, phase PhaseSpec) []bool {
	mask := make([]bool, len(spec.Layers))
	for i, l := range spec.Layers {
		mask[i] = l.Trainable
	}

	backbone := spec.LayersInGroup(layers.GroupBackbone)
	frozen := len(backbone)
	if !phase.FreezeBackbone {
		frozen = 0
		if phase.TrainableTail > 0 && phase.TrainableTail < len(backbone) {
			frozen = len(backbone) - phase.TrainableTail
		}
	}
	for k, i := range backbone {
		mask[i] = k >= frozen
	}
	return mask
}

// countTrainable sums parameter counts of the layers set in mask
func countTrainable(spec *layers.ModelSpec, mask []bool) int64 {
	var n int64
	for i, l := range spec.Layers {
		if mask[i] {
			n += l.ParameterCount
		}
	}
	return n
}
