package main

import (
	"github.com/spf13/cobra"

	"github.com/tsawler/go-fer/facedetect"
	"github.com/tsawler/go-fer/server"
)

func serveCmd() *cobra.Command {
	var paths []string
	var addr, detector string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve POST /predict-emotion/ over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if len(paths) > 0 {
				cfg.Server.Models = paths
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			if detector != "" {
				cfg.Detector.Kind = detector
			}

			model, labels, err := server.LoadModels(cfg.Server.Models, cfg.Registry(), logger)
			if err != nil {
				return err
			}
			faces, err := facedetect.New(cfg.Detector, logger)
			if err != nil {
				return err
			}
			svc, err := server.NewService(model, faces, labels, logger)
			if err != nil {
				return err
			}
			svc.LimitPixels(cfg.Server.MaxPixels)

			return server.New(svc, cfg.Server.UploadLimit, logger).Run(cmd.Context(), cfg.Server.Address)
		},
	}

	cmd.Flags().StringSliceVar(&paths, "models", nil, "model artifacts to serve; several are averaged (default server.models)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	cmd.Flags().StringVar(&detector, "detector", "", "face detector: pigo, cloud or dlib (default detector.kind)")
	return cmd
}
