package training

import (
	"context"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/checkpoints"
	"github.com/tsawler/go-fer/engine"
	"github.com/tsawler/go-fer/logging"
	"github.com/tsawler/go-fer/optimizer"
)

// EpochObserver is called after every finished epoch. An error aborts the
// run.
type EpochObserver func(EpochMetrics) error

// TrainerConfig holds the settings shared by every phase
type TrainerConfig struct {
	LabelSmoothing float32
	WeightDecay    float32

	EarlyStoppingPatience int
	RestoreBestWeights    bool

	PlateauPatience  int
	PlateauFactor    float64
	PlateauThreshold float64
	MinLR            float64

	Seed int64

	// Progress receives the progress bars; nil disables them
	Progress io.Writer
	Logger   *zap.Logger
	Observer EpochObserver

	// Resume continues an interrupted run instead of starting at the first
	// phase
	Resume *ResumePoint
}

// ResumePoint is where a saved checkpoint left a run
type ResumePoint struct {
	Phase      string
	PhaseEpoch int // epochs of Phase already completed
	Epoch      int // epochs completed across all phases
	Optimizer  *optimizer.OptimizerState
}

// ResumeFrom reads the resume point recorded in a training checkpoint
func ResumeFrom(cp *checkpoints.Checkpoint) (*ResumePoint, error) {
	if cp == nil || cp.TrainingState.Phase == "" {
		return nil, errors.New("checkpoint records no training phase")
	}
	rp := &ResumePoint{
		Phase:      cp.TrainingState.Phase,
		PhaseEpoch: cp.TrainingState.PhaseEpoch,
		Epoch:      cp.TrainingState.Epoch,
	}
	if cp.OptimizerState != nil {
		rp.Optimizer = optimizer.FromCheckpoint(cp.OptimizerState)
	}
	return rp, nil
}

// DefaultTrainerConfig returns the FER2013 callback settings
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		LabelSmoothing:        0.1,
		WeightDecay:           0.004,
		EarlyStoppingPatience: 4,
		RestoreBestWeights:    true,
		PlateauPatience:       2,
		PlateauFactor:         0.3,
		PlateauThreshold:      1e-4,
		MinLR:                 1e-6,
		Seed:                  42,
		Progress:              os.Stdout,
	}
}

// StagedTrainer runs a sequence of phases on one network. Each phase gets
// its own trainable set, a fresh AdamW optimizer and fresh callbacks.
type StagedTrainer struct {
	config TrainerConfig
	loss   Loss
	logger *zap.Logger
	rng    *rand.Rand
}

// NewStagedTrainer creates a trainer
func NewStagedTrainer(config TrainerConfig) *StagedTrainer {
	return &StagedTrainer{
		config: config,
		loss:   NewCategoricalCrossEntropy(config.LabelSmoothing),
		logger: logging.OrNop(config.Logger),
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Loss returns the training loss
func (t *StagedTrainer) Loss() Loss {
	return t.loss
}

// Run trains net through phases in order. Each epoch runs StepsPerEpoch
// training batches followed by one pass over val. A training step error,
// including a non-finite loss, aborts the run. Cancelling ctx stops
// between batches and returns the context error together with the history
// recorded so far. With TrainerConfig.Resume set, phases before the resume
// phase are skipped and the epochs it records as done are not repeated.
func (t *StagedTrainer) Run(ctx context.Context, net *engine.Network, phases []PhaseSpec, train, val BatchSource) (*History, error) {
	if len(phases) == 0 {
		return nil, errors.New("no training phases")
	}
	for _, p := range phases {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	if train.NumClasses() != net.NumClasses() || val.NumClasses() != net.NumClasses() {
		return nil, errors.Wrapf(engine.ErrShapeMismatch, "model has %d classes, loaders %d and %d",
			net.NumClasses(), train.NumClasses(), val.NumClasses())
	}

	first, offset := 0, 0
	resume := t.config.Resume
	if resume != nil {
		first = -1
		for i, p := range phases {
			if p.Name == resume.Phase {
				first = i
				break
			}
		}
		if first < 0 {
			return nil, errors.Errorf("resume phase %q is not in the schedule", resume.Phase)
		}
		if resume.PhaseEpoch < 0 || resume.PhaseEpoch > phases[first].Epochs {
			return nil, errors.Errorf("resume epoch %d outside phase %s", resume.PhaseEpoch, resume.Phase)
		}
		offset = resume.Epoch
		t.logger.Info("resuming training",
			zap.String("model", net.Spec.Name),
			zap.String("phase", resume.Phase),
			zap.Int("phase_epoch", resume.PhaseEpoch),
			zap.Int("epoch", resume.Epoch),
		)
	}

	history := &History{Model: net.Spec.Name}
	for i, phase := range phases[first:] {
		var rp *ResumePoint
		if i == 0 {
			rp = resume
		}
		result, err := t.runPhase(ctx, net, phase, train, val, history, offset, rp)
		if result != nil {
			history.Phases = append(history.Phases, *result)
		}
		if err != nil {
			return history, err
		}
	}
	return history, nil
}

// runPhase trains one phase. Epoch numbers in the history start at offset;
// a non-nil resume skips its completed epochs and restores the optimizer.
func (t *StagedTrainer) runPhase(
	ctx context.Context,
	net *engine.Network,
	phase PhaseSpec,
	train, val BatchSource,
	history *History,
	offset int,
	resume *ResumePoint,
) (*PhaseResult, error) {
	mask := TrainableMask(net.Spec, phase)
	paramMask := net.ParamMask(mask)

	params := net.Params()
	weights := make([][]float32, len(params))
	sizes := make([]int, len(params))
	for i, p := range params {
		weights[i] = p.Data
		sizes[i] = len(p.Data)
	}

	adamCfg := optimizer.DefaultAdamWConfig()
	adamCfg.LearningRate = phase.LearningRate
	adamCfg.WeightDecay = t.config.WeightDecay
	opt, err := optimizer.NewAdamWOptimizer(adamCfg, sizes, paramMask)
	if err != nil {
		return nil, errors.Wrapf(err, "phase %s", phase.Name)
	}
	firstEpoch := 0
	if resume != nil {
		firstEpoch = resume.PhaseEpoch
		if resume.Optimizer != nil {
			if err := opt.LoadState(resume.Optimizer); err != nil {
				return nil, errors.Wrapf(err, "phase %s: restoring optimizer", phase.Name)
			}
		}
	}

	stopper := NewEarlyStopping(t.config.EarlyStoppingPatience, 0, t.config.RestoreBestWeights)
	plateau := NewReduceLROnPlateauScheduler(t.config.PlateauFactor, t.config.PlateauPatience,
		t.config.PlateauThreshold, "min", t.config.MinLR)

	t.logger.Info("starting phase",
		zap.String("model", net.Spec.Name),
		zap.String("phase", phase.Name),
		zap.Int("epochs", phase.Epochs),
		zap.Float32("learning_rate", phase.LearningRate),
		zap.String("trainable_params", humanize.Comma(countTrainable(net.Spec, mask))),
		zap.Int("steps_per_epoch", train.StepsPerEpoch()),
	)

	session := NewTrainingSession(t.config.Progress, phase.Name, phase.Epochs, train.StepsPerEpoch(), val.StepsPerEpoch())
	step := net.NewStep(true, mask, rand.New(rand.NewSource(t.rng.Int63())))
	result := &PhaseResult{Name: phase.Name, BestEpoch: -1}

	for epoch := firstEpoch; epoch < phase.Epochs; epoch++ {
		start := time.Now()
		session.StartEpoch(epoch + 1)

		loss, acc, err := t.trainEpoch(ctx, net, step, opt, weights, train, session)
		if err != nil {
			return result, errors.Wrapf(err, "phase %s epoch %d", phase.Name, epoch+1)
		}
		session.FinishTrainingEpoch()

		session.StartValidation()
		eval, err := evaluate(ctx, net, val, t.loss, session)
		if err != nil {
			return result, errors.Wrapf(err, "phase %s epoch %d validation", phase.Name, epoch+1)
		}
		session.FinishValidationEpoch()

		m := EpochMetrics{
			Phase:        phase.Name,
			Epoch:        offset + len(history.Epochs),
			PhaseEpoch:   epoch,
			Loss:         loss,
			Accuracy:     acc,
			ValLoss:      eval.Loss,
			ValAccuracy:  eval.Accuracy,
			LearningRate: float64(opt.GetLearningRate()),
			Duration:     time.Since(start),
		}
		history.Epochs = append(history.Epochs, m)
		result.EpochsRun = epoch + 1
		session.PrintEpochSummary(m)

		t.logger.Info("epoch finished",
			zap.String("phase", phase.Name),
			zap.Int("epoch", epoch+1),
			zap.Float64("loss", m.Loss),
			zap.Float64("accuracy", m.Accuracy),
			zap.Float64("val_loss", m.ValLoss),
			zap.Float64("val_accuracy", m.ValAccuracy),
			zap.Float64("learning_rate", m.LearningRate),
			zap.String("duration", m.Duration.Round(time.Millisecond).String()),
		)
		if t.config.Observer != nil {
			observed := m
			observed.Optimizer = opt
			if err := t.config.Observer(observed); err != nil {
				return result, errors.Wrapf(err, "phase %s epoch %d observer", phase.Name, epoch+1)
			}
		}

		if stopper.Update(epoch, eval.Loss, net) {
			result.EarlyStopped = true
			t.logger.Info("early stopping", zap.String("phase", phase.Name), zap.Int("epoch", epoch+1))
			break
		}

		newLR := plateau.Step(eval.Loss, float64(opt.GetLearningRate()))
		if float32(newLR) != opt.GetLearningRate() {
			t.logger.Info("reducing learning rate",
				zap.String("phase", phase.Name),
				zap.Float32("from", opt.GetLearningRate()),
				zap.Float64("to", newLR),
			)
			opt.UpdateLearningRate(float32(newLR))
		}
	}

	result.BestValLoss, result.BestEpoch = stopper.Best()
	result.FinalLR = float64(opt.GetLearningRate())
	if result.EarlyStopped {
		restored, err := stopper.RestoreBestWeights(net)
		if err != nil {
			return result, errors.Wrapf(err, "phase %s: restoring best weights", phase.Name)
		}
		result.Restored = restored
		if restored {
			t.logger.Info("restored best weights", zap.String("phase", phase.Name), zap.Int("epoch", result.BestEpoch+1))
		}
	}
	return result, nil
}

// trainEpoch runs StepsPerEpoch batches and returns the sample-weighted
// mean loss and accuracy
func (t *StagedTrainer) trainEpoch(
	ctx context.Context,
	net *engine.Network,
	step *engine.Step,
	opt *optimizer.AdamWOptimizerState,
	weights [][]float32,
	train BatchSource,
	session *TrainingSession,
) (float64, float64, error) {
	classes := net.NumClasses()
	steps := train.StepsPerEpoch()
	var losses []float64
	var sizes []int
	correct, seen := 0, 0

	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		batch, err := train.Next(ctx)
		if err != nil {
			return 0, 0, err
		}

		step.Reset()
		out, err := step.Forward(ctx, batch.Images, batch.Size)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "batch %d", i)
		}
		loss, err := t.loss.Forward(out.Data, batch.OneHot, batch.Size, classes)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "batch %d", i)
		}
		dLogits, err := t.loss.Backward(out.Data, batch.OneHot, batch.Size, classes)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "batch %d", i)
		}
		if err := step.BackwardFromLogits(dLogits); err != nil {
			return 0, 0, errors.Wrapf(err, "batch %d", i)
		}
		if err := opt.Step(weights, step.Grads()); err != nil {
			return 0, 0, errors.Wrapf(err, "batch %d", i)
		}

		losses = append(losses, loss)
		sizes = append(sizes, batch.Size)
		correct += correctCount(out.Data, batch.Labels, classes)
		seen += batch.Size
		session.UpdateTrainingProgress(i+1, weightedMean(losses, sizes), float64(correct)/float64(seen))
	}

	if seen == 0 {
		return 0, 0, errors.New("training loader produced no samples")
	}
	return weightedMean(losses, sizes), float64(correct) / float64(seen), nil
}
