package training

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/tsawler/go-fer/optimizer"
)

// EpochMetrics is the record of one finished epoch
type EpochMetrics struct {
	Phase        string
	Epoch        int // 0-based across all phases
	PhaseEpoch   int // 0-based within the phase
	Loss         float64
	Accuracy     float64
	ValLoss      float64
	ValAccuracy  float64
	LearningRate float64
	Duration     time.Duration

	// Optimizer is the phase's optimizer as it stands after the epoch. It is
	// set on the value handed to the EpochObserver only, never in History.
	Optimizer optimizer.Optimizer
}

// PhaseResult summarises how a phase ended
type PhaseResult struct {
	Name         string
	EpochsRun    int
	EarlyStopped bool
	Restored     bool
	BestValLoss  float64
	BestEpoch    int // PhaseEpoch of the best validation loss, -1 when none
	FinalLR      float64
}

// History collects per-epoch metrics of a staged run
type History struct {
	Model  string
	Epochs []EpochMetrics
	Phases []PhaseResult
}

// Series extracts one value per epoch
func (h *History) Series(pick func(EpochMetrics) float64) []float64 {
	out := make([]float64, len(h.Epochs))
	for i, e := range h.Epochs {
		out[i] = pick(e)
	}
	return out
}

// Best returns the epoch with the lowest validation loss
func (h *History) Best() (EpochMetrics, bool) {
	if len(h.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	best := h.Epochs[0]
	for _, e := range h.Epochs[1:] {
		if e.ValLoss < best.ValLoss {
			best = e
		}
	}
	return best, true
}

// HistorySummary aggregates a run for logs and the run registry
type HistorySummary struct {
	Epochs         int
	BestValLoss    float64
	BestValAcc     float64
	MeanValLoss    float64
	StdDevValLoss  float64
	MedianEpochSec float64
	TotalDuration  time.Duration
}

// Summary computes aggregate statistics over all epochs
func (h *History) Summary() HistorySummary {
	s := HistorySummary{Epochs: len(h.Epochs)}
	if len(h.Epochs) == 0 {
		return s
	}

	valLoss := h.Series(func(e EpochMetrics) float64 { return e.ValLoss })
	valAcc := h.Series(func(e EpochMetrics) float64 { return e.ValAccuracy })
	secs := h.Series(func(e EpochMetrics) float64 { return e.Duration.Seconds() })

	s.BestValLoss, _ = stats.Min(valLoss)
	s.BestValAcc, _ = stats.Max(valAcc)
	s.MeanValLoss, _ = stats.Mean(valLoss)
	s.StdDevValLoss, _ = stats.StandardDeviation(valLoss)
	s.MedianEpochSec, _ = stats.Median(secs)
	for _, e := range h.Epochs {
		s.TotalDuration += e.Duration
	}
	return s
}

// weightedMean averages per-batch values weighted by batch size
func weightedMean(values []float64, sizes []int) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	scaled := make([]float64, len(values))
	total := 0
	for i, v := range values {
		scaled[i] = v * float64(sizes[i])
		total += sizes[i]
	}
	sum, err := stats.Sum(scaled)
	if err != nil || total == 0 {
		return math.NaN()
	}
	return sum / float64(total)
}
