package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/checkpoints"
	"github.com/tsawler/go-fer/engine"
	"github.com/tsawler/go-fer/logging"
	"github.com/tsawler/go-fer/optimizer"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory  string // Directory to save artifacts
	SaveFrequency  int    // Save every N epochs (0 = disabled)
	SaveBest       bool   // Save when validation loss improves
	MaxCheckpoints int    // Maximum number of periodic checkpoints to keep (0 = unlimited)
	Compress       bool   // Write .json.xz instead of .json
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:  "models",
		SaveBest:       true,
		MaxCheckpoints: 3,
	}
}

// CheckpointManager writes the artifacts of one model: the best epoch so
// far, optional periodic snapshots and the final model.
type CheckpointManager struct {
	config     CheckpointConfig
	net        *engine.Network
	meta       checkpoints.CheckpointMetadata
	logger     *zap.Logger
	bestLoss   float64
	bestAcc    float64
	savedFiles []string
}

// NewCheckpointManager creates a manager for net. meta is copied into every
// artifact.
func NewCheckpointManager(net *engine.Network, meta checkpoints.CheckpointMetadata, config CheckpointConfig, logger *zap.Logger) *CheckpointManager {
	return &CheckpointManager{
		config:   config,
		net:      net,
		meta:     meta,
		logger:   logging.OrNop(logger),
		bestLoss: 1e9,
	}
}

// Observe is an EpochObserver saving best and periodic checkpoints
func (cm *CheckpointManager) Observe(m EpochMetrics) error {
	if cm.config.SaveBest && m.ValLoss < cm.bestLoss {
		cm.bestLoss = m.ValLoss
		cm.bestAcc = m.ValAccuracy
		path := cm.BestPath()
		if err := cm.save(path, cm.state(m), m.Optimizer, fmt.Sprintf("best %s epoch %d", m.Phase, m.PhaseEpoch+1)); err != nil {
			return err
		}
	}

	if cm.config.SaveFrequency > 0 && (m.Epoch+1)%cm.config.SaveFrequency == 0 {
		path := filepath.Join(cm.config.SaveDirectory,
			fmt.Sprintf("%s_epoch_%d%s", cm.net.Spec.Name, m.Epoch+1, cm.extension()))
		if err := cm.save(path, cm.state(m), m.Optimizer, fmt.Sprintf("periodic epoch %d", m.Epoch+1)); err != nil {
			return err
		}
		cm.savedFiles = append(cm.savedFiles, path)
		if err := cm.cleanupOldCheckpoints(); err != nil {
			cm.logger.Warn("failed to cleanup old checkpoints", zap.Error(err))
		}
	}
	return nil
}

// SaveFinal writes the model as it is now to <dir>/<model name>.json
func (cm *CheckpointManager) SaveFinal(history *History) (string, error) {
	state := checkpoints.TrainingState{
		BestLoss:     float32(cm.bestLoss),
		BestAccuracy: float32(cm.bestAcc),
	}
	if history != nil && len(history.Epochs) > 0 {
		last := history.Epochs[len(history.Epochs)-1]
		state = cm.state(last)
		if best, ok := history.Best(); ok {
			state.BestLoss = float32(best.ValLoss)
			state.BestAccuracy = float32(best.ValAccuracy)
		}
	}
	path := cm.FinalPath()
	return path, cm.save(path, state, nil, "final")
}

// FinalPath is where SaveFinal writes
func (cm *CheckpointManager) FinalPath() string {
	return filepath.Join(cm.config.SaveDirectory, cm.net.Spec.Name+cm.extension())
}

// BestPath is where the best checkpoint is written
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.config.SaveDirectory, cm.net.Spec.Name+"_best"+cm.extension())
}

func (cm *CheckpointManager) state(m EpochMetrics) checkpoints.TrainingState {
	return checkpoints.TrainingState{
		Phase:        m.Phase,
		PhaseEpoch:   m.PhaseEpoch + 1,
		Epoch:        m.Epoch + 1,
		LearningRate: float32(m.LearningRate),
		BestLoss:     float32(cm.bestLoss),
		BestAccuracy: float32(cm.bestAcc),
		TotalSteps:   m.Epoch + 1,
	}
}

// save writes the network to path. A non-nil opt adds its state so the run
// can be resumed from the artifact.
func (cm *CheckpointManager) save(path string, state checkpoints.TrainingState, opt optimizer.Optimizer, description string) error {
	if err := os.MkdirAll(cm.config.SaveDirectory, 0755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}
	meta := cm.meta
	meta.Description = description
	cp := cm.net.Checkpoint(state, meta)
	if opt != nil {
		st, err := opt.GetState()
		if err != nil {
			return errors.Wrap(err, "failed to capture optimizer state")
		}
		cp.OptimizerState = st.ToCheckpoint()
	}
	if err := checkpoints.Save(cp, path); err != nil {
		return errors.Wrapf(err, "failed to save checkpoint %s", path)
	}
	cm.logger.Info("saved checkpoint", zap.String("path", path), zap.String("kind", description))
	return nil
}

func (cm *CheckpointManager) extension() string {
	if cm.config.Compress {
		return ".json.xz"
	}
	return ".json"
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}

	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old checkpoint %s: %v", cm.savedFiles[i], err)
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}
