// Command fer prepares the FER2013 dataset, trains and evaluates the emotion
// classifiers and serves them over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/config"
	"github.com/tsawler/go-fer/logging"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "fer",
		Short:         "facial emotion recognition on FER2013",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	root.AddCommand(
		materializeCmd(),
		trainCmd(),
		evaluateCmd(),
		serveCmd(),
		summaryCmd(),
		runsCmd(),
		exportCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		fail(err)
	}
}

// fail prints err and exits non-zero. A nil error is a no-op.
func fail(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "fer: %v\n", err)
	os.Exit(1)
}

// setup loads the configuration and builds the logger shared by a command.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, logging.New(cfg.LogLevel), nil
}
