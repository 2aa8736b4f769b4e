package training

import (
	"math"
)

// ReduceLROnPlateauScheduler reduces the learning rate when the monitored
// metric has stopped improving. It is stepped once per epoch with the
// validation metric.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Minimum change that counts as an improvement
	Mode      string  // One of "min" or "max"
	MinLR     float64 // Lower bound on the learning rate

	bestMetric float64
	badEpochs  int
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string, minLR float64) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min" // Default: minimize loss
	}
	if minLR < 0 {
		minLR = 0
	}

	s := &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
		MinLR:     minLR,
	}
	s.Reset()
	return s
}

// Reset forgets the best metric and the wait counter
func (s *ReduceLROnPlateauScheduler) Reset() {
	s.badEpochs = 0
	if s.Mode == "max" {
		s.bestMetric = math.Inf(-1)
	} else {
		s.bestMetric = math.Inf(1)
	}
}

// Step records metric and returns the learning rate for the next epoch.
// After Patience epochs without improvement the rate is multiplied by
// Factor, never going below MinLR, and the wait counter restarts.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
		return currentLR
	}

	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.badEpochs = 0
		if currentLR > s.MinLR {
			return math.Max(currentLR*s.Factor, s.MinLR)
		}
	}
	return currentLR
}

// GetName returns the scheduler name for logging
func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}
