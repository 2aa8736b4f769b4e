package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/checkpoints"
)

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export MODEL OUT.onnx",
		Short: "write the weights of a saved model as ONNX initializers",
		Long: "export writes the weights of MODEL into a weights-only ONNX file that\n" +
			"other tools can read and that model.pretrained accepts.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			n, err := exportWeights(args[0], args[1])
			if err != nil {
				return err
			}
			logger.Info("exported weights",
				zap.String("from", args[0]),
				zap.String("to", args[1]),
				zap.Int("tensors", n),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tensors to %s\n", n, args[1])
			return nil
		},
	}
}

// exportWeights writes the weights of the checkpoint at src to the ONNX
// file dst and returns the number of tensors written.
func exportWeights(src, dst string) (int, error) {
	if checkpoints.FormatForPath(dst) != checkpoints.FormatONNX {
		return 0, errors.Errorf("export target %s must end in .onnx", dst)
	}
	cp, err := checkpoints.Load(src)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read %s", src)
	}
	if len(cp.Weights) == 0 {
		return 0, errors.Errorf("%s holds no weights", src)
	}
	if err := checkpoints.NewONNXExporter().ExportToONNX(cp, dst); err != nil {
		return 0, errors.Wrapf(err, "failed to write %s", dst)
	}
	return len(cp.Weights), nil
}
