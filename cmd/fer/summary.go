package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-fer/models"
	"github.com/tsawler/go-fer/training"
)

func summaryCmd() *cobra.Command {
	var backbones []string
	var attention bool
	var phase string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "print the layer table and parameter counts of the configured models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			if len(backbones) > 0 {
				cfg.Model.Backbones = backbones
			}
			if cmd.Flags().Changed("attention") {
				cfg.Model.Attention = attention
			}

			var selected *training.PhaseSpec
			for _, p := range phases(cfg.Train) {
				if p.Name == phase {
					p := p
					selected = &p
				}
			}
			if selected == nil {
				return errors.Errorf("unknown or empty phase %q", phase)
			}

			printer := training.NewModelArchitecturePrinter(os.Stdout)
			for _, member := range models.MemberConfigs(cfg.Model.Backbones, cfg.Model.Attention, cfg.Data.ImageSize, cfg.Model.SERatio) {
				member.NumClasses = cfg.Registry().Len()
				spec, err := models.Build(member)
				if err != nil {
					return err
				}
				printer.PrintArchitecture(spec, training.TrainableMask(spec, *selected))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&backbones, "backbone", nil, "backbones to summarise (default model.backbones)")
	cmd.Flags().BoolVar(&attention, "attention", true, "add the Squeeze-and-Excitation block")
	cmd.Flags().StringVar(&phase, "phase", training.PhaseWarmup, "phase whose trainable layers are counted: warmup or finetune")
	return cmd
}
