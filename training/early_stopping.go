package training

import (
	"math"

	"github.com/tsawler/go-fer/engine"
)

// EarlyStopping stops a phase once the validation loss has not improved
// for Patience epochs and can roll the network back to its best epoch.
type EarlyStopping struct {
	Patience     int
	MinDelta     float64
	RestoreBest  bool
	best         float64
	bestEpoch    int
	wait         int
	bestSnapshot engine.Snapshot
}

// NewEarlyStopping creates a monitor on a minimised metric
func NewEarlyStopping(patience int, minDelta float64, restoreBest bool) *EarlyStopping {
	es := &EarlyStopping{Patience: patience, MinDelta: minDelta, RestoreBest: restoreBest}
	es.Reset()
	return es
}

// Reset clears the best value
func (es *EarlyStopping) Reset() {
	es.best = math.Inf(1)
	es.bestEpoch = -1
	es.wait = 0
	es.bestSnapshot = nil
}

// Update records the metric for epoch and reports whether training should
// stop. The network is snapshotted whenever the metric improves.
func (es *EarlyStopping) Update(epoch int, metric float64, net *engine.Network) bool {
	if metric < es.best-es.MinDelta {
		es.best = metric
		es.bestEpoch = epoch
		es.wait = 0
		if es.RestoreBest && net != nil {
			es.bestSnapshot = net.Snapshot()
		}
		return false
	}
	es.wait++
	return es.Patience > 0 && es.wait >= es.Patience
}

// Best returns the best metric and the epoch it was seen at
func (es *EarlyStopping) Best() (float64, int) {
	return es.best, es.bestEpoch
}

// RestoreBestWeights copies the best snapshot back into net. It reports
// false when there is nothing to restore.
func (es *EarlyStopping) RestoreBestWeights(net *engine.Network) (bool, error) {
	if !es.RestoreBest || es.bestSnapshot == nil {
		return false, nil
	}
	if err := net.Restore(es.bestSnapshot); err != nil {
		return false, err
	}
	return true, nil
}
