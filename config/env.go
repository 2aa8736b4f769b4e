package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Environment variables that override file values.
const (
	envDataCSV       = "FER_DATA_CSV"
	envDataRoot      = "FER_DATA_ROOT"
	envImageSize     = "FER_IMAGE_SIZE"
	envBatchSize     = "FER_BATCH_SIZE"
	envOutputDir     = "FER_OUTPUT_DIR"
	envServerAddress = "FER_SERVER_ADDRESS"
	envServerModels  = "FER_SERVER_MODELS"
	envDetector      = "FER_DETECTOR"
	envCascade       = "FER_CASCADE"
	envCloudURL      = "FER_CLOUD_URL"
	envCloudToken    = "FER_CLOUD_TOKEN"
	envRunsDSN       = "FER_RUNS_DSN"
	envLogLevel      = "FER_LOG_LEVEL"
)

// GetenvDefault gets the value of an environment variable, or returns the
// specified default value if that variable is not set.
func GetenvDefault(name, defaultValue string) string {
	val, found := os.LookupEnv(name)
	if !found {
		return defaultValue
	}
	return val
}

// GetenvDefaultInt gets an environment variable as an int, or else returns the default
func GetenvDefaultInt(name string, defaultVal int) (int, error) {
	val, found := os.LookupEnv(name)
	if !found {
		return defaultVal, nil
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.Wrapf(err, "environment variable %s should be an integer", name)
	}
	return intVal, nil
}

func applyEnv(cfg *Config) error {
	var err error

	cfg.LogLevel = GetenvDefault(envLogLevel, cfg.LogLevel)
	cfg.Data.CSV = GetenvDefault(envDataCSV, cfg.Data.CSV)
	cfg.Data.Root = GetenvDefault(envDataRoot, cfg.Data.Root)
	cfg.Train.OutputDir = GetenvDefault(envOutputDir, cfg.Train.OutputDir)
	cfg.Server.Address = GetenvDefault(envServerAddress, cfg.Server.Address)
	cfg.Detector.Kind = GetenvDefault(envDetector, cfg.Detector.Kind)
	cfg.Detector.Cascade = GetenvDefault(envCascade, cfg.Detector.Cascade)
	cfg.Detector.CloudURL = GetenvDefault(envCloudURL, cfg.Detector.CloudURL)
	cfg.Detector.CloudToken = GetenvDefault(envCloudToken, cfg.Detector.CloudToken)
	cfg.Runs.DSN = GetenvDefault(envRunsDSN, cfg.Runs.DSN)

	if models := GetenvDefault(envServerModels, ""); models != "" {
		cfg.Server.Models = splitList(models)
	}

	if cfg.Data.ImageSize, err = GetenvDefaultInt(envImageSize, cfg.Data.ImageSize); err != nil {
		return err
	}
	if cfg.Data.BatchSize, err = GetenvDefaultInt(envBatchSize, cfg.Data.BatchSize); err != nil {
		return err
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
