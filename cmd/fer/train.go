package main

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/checkpoints"
	"github.com/tsawler/go-fer/config"
	"github.com/tsawler/go-fer/engine"
	"github.com/tsawler/go-fer/models"
	"github.com/tsawler/go-fer/runs"
	"github.com/tsawler/go-fer/training"
	"github.com/tsawler/go-fer/vision/dataloader"
	"github.com/tsawler/go-fer/vision/dataset"
)

func trainCmd() *cobra.Command {
	var backbones []string
	var attention bool
	var resume string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "train one model or the two-model ensemble in warmup and fine-tune phases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if len(backbones) > 0 {
				cfg.Model.Backbones = backbones
			}
			if cmd.Flags().Changed("attention") {
				cfg.Model.Attention = attention
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return train(cmd.Context(), cfg, resume, logger)
		},
	}

	cmd.Flags().StringSliceVar(&backbones, "backbone", nil, "backbones to train (mobilenetv2, efficientnetb0); two build an ensemble")
	cmd.Flags().BoolVar(&attention, "attention", true, "add the Squeeze-and-Excitation block to backbones without one")
	cmd.Flags().StringVar(&resume, "resume", "", "continue the model saved in this checkpoint; other members are not trained")
	return cmd
}

// trainJob is one ensemble member on its way through the pipeline.
type trainJob struct {
	cfg      *config.Config
	member   models.Config
	resume   *checkpoints.Checkpoint
	net      *engine.Network
	train    *dataloader.DataLoader
	val      *dataloader.DataLoader
	registry *runs.Repo
	logger   *zap.Logger
}

func train(ctx context.Context, cfg *config.Config, resumePath string, logger *zap.Logger) error {
	labels := cfg.Registry()

	members := models.MemberConfigs(cfg.Model.Backbones, cfg.Model.Attention, cfg.Data.ImageSize, cfg.Model.SERatio)
	var resumeNet *engine.Network
	var resumeCP *checkpoints.Checkpoint
	if resumePath != "" {
		var err error
		if resumeNet, resumeCP, err = engine.Load(resumePath); err != nil {
			return err
		}
		if members, err = resumeMember(members, resumeCP.ModelSpec.Name); err != nil {
			return errors.Wrapf(err, "checkpoint %s", resumePath)
		}
	}

	trainDS, err := openSplit(cfg.Data.Root, dataset.SplitTrain, labels, cfg.Data.Limit)
	if err != nil {
		return err
	}
	valDS, err := openSplit(cfg.Data.Root, dataset.SplitValidation, labels, cfg.Data.Limit)
	if err != nil {
		return err
	}
	logger.Info("datasets ready",
		zap.Int("train", trainDS.Len()),
		zap.Int("validation", valDS.Len()),
		zap.Any("train_distribution", trainDS.ClassDistribution()),
	)

	trainLoader, valLoader, err := dataloader.NewSplitLoaders(trainDS, valDS, loaderConfig(cfg))
	if err != nil {
		return err
	}

	var repo *runs.Repo
	if cfg.Runs.DSN != "" {
		db, err := runs.Open(ctx, cfg.Runs.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		repo = runs.New(db)
	}

	names := make([]string, 0, len(members))
	trained := make([]engine.Predictor, 0, len(members))
	for _, member := range members {
		member.NumClasses = labels.Len()
		job := &trainJob{
			cfg:      cfg,
			member:   member,
			resume:   resumeCP,
			net:      resumeNet,
			train:    trainLoader,
			val:      valLoader,
			registry: repo,
			logger:   logger.With(zap.String("model", member.Name())),
		}
		net, err := job.run(ctx)
		if err != nil {
			return errors.Wrapf(err, "training %s", member.Name())
		}
		names = append(names, member.Name())
		trained = append(trained, net)
	}

	if _, err := reportEnsemble(ctx, os.Stdout, "validation", names, trained, valLoader, labels); err != nil {
		return err
	}
	logger.Debug("dropping cached training images", zap.String("cache", trainLoader.Stats()))
	trainLoader.ClearCache()

	testDS, err := openSplit(cfg.Data.Root, dataset.SplitTest, labels, cfg.Data.Limit)
	if err != nil {
		logger.Warn("skipping test evaluation", zap.Error(err))
		return nil
	}
	evalCfg := loaderConfig(cfg)
	evalCfg.CacheManager = valLoader.GetCacheManager()
	testLoader, err := dataloader.NewEvalLoader(testDS, evalCfg)
	if err != nil {
		return err
	}
	_, err = reportEnsemble(ctx, os.Stdout, "test", names, trained, testLoader, labels)
	return err
}

// resumeMember keeps the member whose model name is name.
func resumeMember(members []models.Config, name string) ([]models.Config, error) {
	var known []string
	for _, m := range members {
		if m.Name() == name {
			return []models.Config{m}, nil
		}
		known = append(known, m.Name())
	}
	return nil, errors.Errorf("model %s is not one of the configured members %v", name, known)
}

func (j *trainJob) run(ctx context.Context) (*engine.Network, error) {
	net, err := j.network()
	if err != nil {
		return nil, err
	}
	spec := net.Spec

	schedule := phases(j.cfg.Train)
	if j.cfg.Train.Progress && len(schedule) > 0 {
		training.NewModelArchitecturePrinter(os.Stdout).PrintArchitecture(spec, training.TrainableMask(spec, schedule[0]))
	}

	meta := checkpoints.CheckpointMetadata{
		Version:     "1",
		Framework:   "go-fer",
		Description: "FER2013 " + j.member.Name(),
		Tags:        []string{"fer2013", j.member.Backbone},
		Labels:      j.cfg.Registry(),
		ImageSize:   j.member.InputSize,
		Backbone:    j.member.Backbone,
		Attention:   j.member.Attention,
	}
	ckpt := training.NewCheckpointManager(net, meta, checkpointConfig(j.cfg.Train), j.logger)

	var runID int64
	var recorder training.EpochObserver
	if j.registry != nil {
		if runID, err = j.registry.StartRun(ctx, j.member.Name(), j.member.Backbone, j.member.Attention, time.Now()); err != nil {
			return nil, err
		}
		recorder = j.registry.Recorder(ctx, runID)
	}

	tc := trainerConfig(j.cfg.Train, j.logger)
	tc.Observer = chain(ckpt.Observe, recorder)
	if j.resume != nil {
		if tc.Resume, err = training.ResumeFrom(j.resume); err != nil {
			return nil, err
		}
	}

	history, err := training.NewStagedTrainer(tc).Run(ctx, net, schedule, j.train, j.val)
	if err != nil {
		j.finish(runID, runs.StatusFailed, "", history)
		return nil, err
	}

	path, err := ckpt.SaveFinal(history)
	if err != nil {
		j.finish(runID, runs.StatusFailed, "", history)
		return nil, err
	}
	j.finish(runID, runs.StatusFinished, path, history)

	s := history.Summary()
	j.logger.Info("training finished",
		zap.String("artifact", path),
		zap.Int("epochs", s.Epochs),
		zap.Float64("best_val_loss", s.BestValLoss),
		zap.Float64("best_val_accuracy", s.BestValAcc),
		zap.Duration("duration", s.TotalDuration),
		zap.Float64s("val_loss_curve", history.Series(func(e training.EpochMetrics) float64 { return e.ValLoss })),
	)
	return net, nil
}

// network returns the resumed network, or builds a fresh one and loads the
// configured pretrained backbone.
func (j *trainJob) network() (*engine.Network, error) {
	if j.net != nil {
		j.logger.Info("resuming from checkpoint",
			zap.String("phase", j.resume.TrainingState.Phase),
			zap.Int("epoch", j.resume.TrainingState.Epoch),
		)
		return j.net, nil
	}

	spec, err := models.Build(j.member)
	if err != nil {
		return nil, err
	}
	net, err := engine.NewNetwork(spec, j.cfg.Train.Seed)
	if err != nil {
		return nil, err
	}
	if path := j.cfg.Model.Pretrained[j.member.Backbone]; path != "" {
		n, err := models.LoadPretrained(net, path, j.logger)
		if err != nil {
			return nil, err
		}
		j.logger.Info("loaded pretrained backbone", zap.String("path", path), zap.Int("tensors", n))
	}
	return net, nil
}

// finish records the outcome of a run. It uses a fresh context so that a
// cancelled training still gets its status written.
func (j *trainJob) finish(runID int64, status, artifact string, history *training.History) {
	if j.registry == nil {
		return
	}
	var bestLoss, bestAcc float64
	if history != nil {
		if best, ok := history.Best(); ok {
			bestLoss, bestAcc = best.ValLoss, best.ValAccuracy
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.registry.FinishRun(ctx, runID, status, artifact, bestLoss, bestAcc, time.Now()); err != nil {
		j.logger.Error("failed to record run outcome", zap.Int64("run", runID), zap.Error(err))
	}
}
