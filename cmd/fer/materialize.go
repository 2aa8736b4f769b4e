package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/vision/dataset"
)

func materializeCmd() *cobra.Command {
	var csvPath, out string
	var workers int

	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "write the FER2013 CSV out as train/validation/test image folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if csvPath == "" {
				csvPath = cfg.Data.CSV
			}
			if out == "" {
				out = cfg.Data.Root
			}

			opts := dataset.DefaultMaterializeOptions()
			opts.Registry = cfg.Registry()
			opts.Logger = logger
			if workers > 0 {
				opts.Workers = workers
			} else {
				opts.Workers = cfg.Data.Workers
			}

			report, err := dataset.Materialize(cmd.Context(), csvPath, out, opts)
			if err != nil {
				return err
			}

			logger.Info("materialized dataset",
				zap.String("csv", csvPath),
				zap.String("root", out),
				zap.Int("rows", report.RowsRead),
				zap.Int("written", report.Written),
				zap.Int("failed", len(report.Failed)),
				zap.Duration("duration", report.Duration),
			)
			fmt.Printf("wrote %s images (%s rows, %s skipped) to %s in %s\n",
				humanize.Comma(int64(report.Written)),
				humanize.Comma(int64(report.RowsRead)),
				humanize.Comma(int64(len(report.Failed))),
				out,
				report.Duration.Round(time.Millisecond),
			)
			fmt.Print(report.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "FER2013 CSV (default data.csv)")
	cmd.Flags().StringVar(&out, "out", "", "output root (default data.root)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent image writers (default data.workers)")
	return cmd
}
