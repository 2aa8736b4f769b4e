package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/config"
	"github.com/tsawler/go-fer/emotion"
	"github.com/tsawler/go-fer/engine"
	"github.com/tsawler/go-fer/training"
	"github.com/tsawler/go-fer/vision/dataloader"
	"github.com/tsawler/go-fer/vision/dataset"
)

// phases turns the train section into the warmup and fine-tune phases.
// A phase with zero epochs is skipped.
func phases(t config.TrainConfig) []training.PhaseSpec {
	var out []training.PhaseSpec
	if t.WarmupEpochs > 0 {
		out = append(out, training.PhaseSpec{
			Name:           training.PhaseWarmup,
			Epochs:         t.WarmupEpochs,
			LearningRate:   float32(t.WarmupLR),
			FreezeBackbone: true,
		})
	}
	if t.FinetuneEpochs > 0 {
		out = append(out, training.PhaseSpec{
			Name:          training.PhaseFinetune,
			Epochs:        t.FinetuneEpochs,
			LearningRate:  float32(t.FinetuneLR),
			TrainableTail: t.FinetuneTail,
		})
	}
	return out
}

// trainerConfig maps the train section onto the trainer's callbacks.
func trainerConfig(t config.TrainConfig, logger *zap.Logger) training.TrainerConfig {
	tc := training.DefaultTrainerConfig()
	tc.LabelSmoothing = float32(t.LabelSmoothing)
	tc.WeightDecay = float32(t.WeightDecay)
	tc.EarlyStoppingPatience = t.EarlyStoppingPatience
	tc.PlateauPatience = t.PlateauPatience
	tc.PlateauFactor = t.PlateauFactor
	tc.MinLR = t.MinLR
	tc.Seed = t.Seed
	tc.Logger = logger
	if t.Progress {
		tc.Progress = os.Stdout
	} else {
		tc.Progress = nil
	}
	return tc
}

// chain calls every non-nil observer in order and stops at the first error.
func chain(observers ...training.EpochObserver) training.EpochObserver {
	return func(m training.EpochMetrics) error {
		for _, o := range observers {
			if o == nil {
				continue
			}
			if err := o(m); err != nil {
				return err
			}
		}
		return nil
	}
}

// loaderConfig builds the loader settings from the data section.
func loaderConfig(cfg *config.Config) dataloader.Config {
	return dataloader.Config{
		BatchSize:    cfg.Data.BatchSize,
		MaxCacheSize: cfg.Data.CacheSize,
		ImageSize:    cfg.Data.ImageSize,
		NumClasses:   cfg.Registry().Len(),
		NumWorkers:   cfg.Data.Workers,
		Seed:         cfg.Train.Seed,
	}
}

// openSplit indexes one split directory of a materialized tree. A positive
// limit keeps that many evenly spaced images.
func openSplit(root, split string, registry emotion.Registry, limit int) (*dataset.ImageFolderDataset, error) {
	ds, err := dataset.NewLabeledImageFolder(filepath.Join(root, split), registry)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s split", split)
	}
	if ds.Len() == 0 {
		return nil, errors.Errorf("%s split under %s has no images", split, root)
	}
	return ds.Take(limit), nil
}

// checkpointConfig maps the train section onto the checkpoint manager.
func checkpointConfig(t config.TrainConfig) training.CheckpointConfig {
	cc := training.DefaultCheckpointConfig()
	cc.SaveDirectory = t.OutputDir
	cc.SaveFrequency = t.SaveEvery
	cc.MaxCheckpoints = t.MaxCheckpoints
	cc.Compress = t.Compress
	return cc
}

// reportEnsemble evaluates members over loader and writes a classification
// report per member followed by the ensemble's.
func reportEnsemble(ctx context.Context, w io.Writer, title string, names []string, members []engine.Predictor, loader training.BatchSource, labels emotion.Registry) (*training.EnsembleResult, error) {
	res, err := training.EvaluateEnsemble(ctx, members, loader)
	if err != nil {
		return nil, err
	}

	for i, m := range res.Members {
		report, err := training.ClassificationReport(m.Confusion, labels)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(w, "\n%s: %s (loss %.4f, accuracy %.4f, macro F1 %.4f)\n\n%s",
			title, names[i], m.Loss, m.Accuracy, m.Confusion.GetMetric(training.MacroF1), report)
	}

	if len(members) > 1 {
		report, err := training.ClassificationReport(res.Confusion, labels)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(w, "\n%s: ensemble (accuracy %.4f, macro F1 %.4f)\n\n%s",
			title, res.Accuracy, res.Confusion.GetMetric(training.MacroF1), report)
	}
	return res, nil
}
