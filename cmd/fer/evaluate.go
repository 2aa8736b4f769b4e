package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/engine"
	"github.com/tsawler/go-fer/vision/dataloader"
	"github.com/tsawler/go-fer/vision/dataset"
)

func evaluateCmd() *cobra.Command {
	var paths []string
	var split string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "score saved models and their averaged ensemble on a split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if split != dataset.SplitValidation && split != dataset.SplitTest {
				return errors.Errorf("--split must be %s or %s, got %q", dataset.SplitValidation, dataset.SplitTest, split)
			}
			if len(paths) == 0 {
				paths = cfg.Server.Models
			}

			labels := cfg.Registry()
			var names []string
			var members []engine.Predictor
			imageSize := 0
			for _, path := range paths {
				net, cp, err := engine.Load(path)
				if err != nil {
					return err
				}
				if len(cp.Metadata.Labels) > 0 && !labels.Equal(cp.Metadata.Labels) {
					return errors.Errorf("model %s labels %v differ from data.labels %v", path, cp.Metadata.Labels, labels)
				}
				in := net.InputSize()
				if imageSize == 0 {
					imageSize = in[len(in)-1]
				} else if in[len(in)-1] != imageSize {
					return errors.Wrapf(engine.ErrShapeMismatch, "model %s expects %dpx images, want %d", path, in[len(in)-1], imageSize)
				}
				logger.Info("loaded model", zap.String("path", path), zap.String("model", cp.ModelSpec.Name))
				names = append(names, modelName(path))
				members = append(members, net)
			}

			ds, err := openSplit(cfg.Data.Root, split, labels, cfg.Data.Limit)
			if err != nil {
				return err
			}
			loaderCfg := loaderConfig(cfg)
			loaderCfg.ImageSize = imageSize
			loader, err := dataloader.NewEvalLoader(ds, loaderCfg)
			if err != nil {
				return err
			}

			_, err = reportEnsemble(cmd.Context(), os.Stdout, split, names, members, loader, labels)
			return err
		},
	}

	cmd.Flags().StringSliceVar(&paths, "models", nil, "model artifacts (default server.models)")
	cmd.Flags().StringVar(&split, "split", dataset.SplitTest, "split to evaluate: validation or test")
	return cmd
}

// modelName strips directories and artifact extensions from path.
func modelName(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".xz")
	return strings.TrimSuffix(name, ".json")
}
