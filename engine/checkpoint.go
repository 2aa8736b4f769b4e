package engine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-fer/checkpoints"
)

// FromCheckpoint rebuilds a network from a saved artifact. Every tensor the
// architecture needs must be present in the checkpoint.
func FromCheckpoint(cp *checkpoints.Checkpoint) (*Network, error) {
	if cp == nil || cp.ModelSpec == nil {
		return nil, errors.New("checkpoint has no model spec")
	}
	net, err := NewNetwork(cp.ModelSpec, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build network")
	}
	if _, err := net.LoadWeights(cp.Weights, true); err != nil {
		return nil, errors.Wrap(err, "failed to load weights")
	}
	return net, nil
}

// Load reads a checkpoint file and rebuilds its network
func Load(path string) (*Network, *checkpoints.Checkpoint, error) {
	cp, err := checkpoints.Load(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to load model %s", path)
	}
	net, err := FromCheckpoint(cp)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "model %s", path)
	}
	return net, cp, nil
}

// Checkpoint captures the network's architecture and weights
func (n *Network) Checkpoint(state checkpoints.TrainingState, meta checkpoints.CheckpointMetadata) *checkpoints.Checkpoint {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	return &checkpoints.Checkpoint{
		ModelSpec:     n.Spec,
		Weights:       n.Weights(),
		TrainingState: state,
		Metadata:      meta,
	}
}
