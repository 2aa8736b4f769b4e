package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-fer/runs"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "inspect the training run registry",
	}
	cmd.AddCommand(runsListCmd(), runsShowCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "list recent training runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			db, err := runs.Open(cmd.Context(), cfg.Runs.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := runs.New(db).ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printRuns(os.Stdout, list)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show, 0 for all")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "show the per-epoch history of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid run id %q", args[0])
			}
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			db, err := runs.Open(cmd.Context(), cfg.Runs.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			repo := runs.New(db)
			epochs, err := repo.Epochs(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := printEpochs(os.Stdout, epochs); err != nil {
				return err
			}
			summary, err := repo.Summarize(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("\n%d epochs, best val_loss %.4f, best val_accuracy %.4f, median epoch %s, total %s\n",
				summary.Epochs,
				summary.MinValLoss,
				summary.MaxValAccuracy,
				formatMillis(summary.MedianEpochMS),
				formatMillis(summary.TotalMS),
			)
			return nil
		},
	}
}

func printRuns(w io.Writer, list []runs.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODEL\tSTATUS\tVAL LOSS\tVAL ACC\tSTARTED\tARTIFACT")
	for _, r := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.4f\t%.2f%%\t%s\t%s\n",
			r.ID,
			r.Model,
			r.Status,
			r.BestValLoss,
			r.BestValAccuracy*100,
			humanize.Time(r.StartedAt),
			r.Artifact,
		)
	}
	return tw.Flush()
}

func printEpochs(w io.Writer, epochs []runs.Epoch) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EPOCH\tPHASE\tLOSS\tACC\tVAL LOSS\tVAL ACC\tLR\tTIME")
	for _, e := range epochs {
		fmt.Fprintf(tw, "%d\t%s %d\t%.4f\t%.4f\t%.4f\t%.4f\t%.2e\t%s\n",
			e.Epoch+1,
			e.Phase,
			e.PhaseEpoch+1,
			e.Loss,
			e.Accuracy,
			e.ValLoss,
			e.ValAccuracy,
			e.LearningRate,
			formatMillis(float64(e.DurationMS)),
		)
	}
	return tw.Flush()
}

func formatMillis(ms float64) string {
	return humanize.FtoaWithDigits(ms/1000, 1) + "s"
}
