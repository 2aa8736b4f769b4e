// Package config loads the settings shared by the fer commands: dataset
// locations, model and training hyperparameters, the inference server and the
// face detector.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/tsawler/go-fer/emotion"
)

// Config is the root configuration document.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Data     DataConfig     `yaml:"data"`
	Model    ModelConfig    `yaml:"model"`
	Train    TrainConfig    `yaml:"train"`
	Server   ServerConfig   `yaml:"server"`
	Detector DetectorConfig `yaml:"detector"`
	Runs     RunsConfig     `yaml:"runs"`
}

// DataConfig describes where the dataset lives and how batches are built.
type DataConfig struct {
	CSV       string   `yaml:"csv"`
	Root      string   `yaml:"root"`
	Labels    []string `yaml:"labels"`
	ImageSize int      `yaml:"image_size"`
	BatchSize int      `yaml:"batch_size"`
	Workers   int      `yaml:"workers"`
	CacheSize int      `yaml:"cache_size"`
	// Limit caps every split at this many evenly spaced images; 0 keeps all.
	Limit     int      `yaml:"limit"`
}

// ModelConfig selects backbones and the attention block.
type ModelConfig struct {
	// Backbones lists one model per entry; two entries build an ensemble.
	Backbones []string `yaml:"backbones"`
	// Attention adds the Squeeze-and-Excitation block to the first backbone
	// only, matching the MobileNetV2+SE / EfficientNetB0 ensemble.
	Attention bool `yaml:"attention"`
	SERatio   int  `yaml:"se_ratio"`
	// Pretrained maps a backbone name to an ONNX file with initializers.
	Pretrained map[string]string `yaml:"pretrained"`
}

// TrainConfig holds the two-phase schedule and its callbacks.
type TrainConfig struct {
	WarmupEpochs          int     `yaml:"warmup_epochs"`
	WarmupLR              float64 `yaml:"warmup_lr"`
	FinetuneEpochs        int     `yaml:"finetune_epochs"`
	FinetuneLR            float64 `yaml:"finetune_lr"`
	FinetuneTail          int     `yaml:"finetune_tail"`
	WeightDecay           float64 `yaml:"weight_decay"`
	LabelSmoothing        float64 `yaml:"label_smoothing"`
	EarlyStoppingPatience int     `yaml:"early_stopping_patience"`
	PlateauPatience       int     `yaml:"plateau_patience"`
	PlateauFactor         float64 `yaml:"plateau_factor"`
	MinLR                 float64 `yaml:"min_lr"`
	Seed                  int64   `yaml:"seed"`
	OutputDir             string  `yaml:"output_dir"`
	Progress              bool    `yaml:"progress"`
	// SaveEvery writes a resumable checkpoint every N epochs; 0 disables.
	SaveEvery             int     `yaml:"save_every"`
	MaxCheckpoints        int     `yaml:"max_checkpoints"`
	Compress              bool    `yaml:"compress"`
}

// ServerConfig configures the inference service.
type ServerConfig struct {
	Address string `yaml:"address"`
	// Models lists artifact paths. More than one serves their averaged output.
	Models      []string `yaml:"models"`
	UploadLimit int64    `yaml:"upload_limit"`
	// MaxPixels caps width*height of a decoded upload.
	MaxPixels   int      `yaml:"max_pixels"`
}

// DetectorConfig selects and tunes the face detector.
type DetectorConfig struct {
	Kind       string  `yaml:"kind"`
	Cascade    string  `yaml:"cascade"`
	MinSize    int     `yaml:"min_size"`
	MaxSize    int     `yaml:"max_size"`
	Quality    float32 `yaml:"quality"`
	CloudURL   string  `yaml:"cloud_url"`
	CloudToken string  `yaml:"cloud_token"`
	DlibModels string  `yaml:"dlib_models"`
}

// RunsConfig points at the training run registry.
type RunsConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the stock FER2013 training configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Data: DataConfig{
			CSV:       "fer2013.csv",
			Root:      "fer2013_images",
			Labels:    emotion.Default(),
			ImageSize: 96,
			BatchSize: 32,
			Workers:   4,
			CacheSize: 4096,
		},
		Model: ModelConfig{
			Backbones: []string{"mobilenetv2", "efficientnetb0"},
			Attention: true,
			SERatio:   16,
		},
		Train: TrainConfig{
			WarmupEpochs:          10,
			WarmupLR:              1e-4,
			FinetuneEpochs:        10,
			FinetuneLR:            3e-5,
			FinetuneTail:          100,
			WeightDecay:           0.004,
			LabelSmoothing:        0.1,
			EarlyStoppingPatience: 4,
			PlateauPatience:       2,
			PlateauFactor:         0.3,
			MinLR:                 1e-6,
			Seed:                  42,
			OutputDir:             "models",
			Progress:              true,
			MaxCheckpoints:        3,
		},
		Server: ServerConfig{
			Address:     ":8000",
			Models:      []string{"models/mobilenetv2_se.json"},
			UploadLimit: 10 << 20,
			MaxPixels:   4096 * 4096,
		},
		Detector: DetectorConfig{
			Kind:    "pigo",
			Cascade: "cascade/facefinder",
			MinSize: 20,
			MaxSize: 1000,
			Quality: 5.0,
		},
		Runs: RunsConfig{
			DSN: "runs.db",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "failed to write config %s", path)
}

// Registry returns the label registry described by the configuration.
func (c *Config) Registry() emotion.Registry {
	return emotion.Registry(c.Data.Labels)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := c.Registry().Validate(); err != nil {
		return errors.Wrap(err, "invalid data.labels")
	}
	if c.Data.ImageSize < 32 {
		return errors.Errorf("data.image_size must be at least 32, got %d", c.Data.ImageSize)
	}
	if c.Data.BatchSize <= 0 {
		return errors.Errorf("data.batch_size must be positive, got %d", c.Data.BatchSize)
	}
	if c.Data.Workers <= 0 {
		c.Data.Workers = 1
	}
	if len(c.Model.Backbones) == 0 || len(c.Model.Backbones) > 2 {
		return errors.Errorf("model.backbones must list one or two backbones, got %d", len(c.Model.Backbones))
	}
	if c.Model.SERatio <= 0 {
		return errors.Errorf("model.se_ratio must be positive, got %d", c.Model.SERatio)
	}
	if c.Data.Limit < 0 {
		return errors.Errorf("data.limit cannot be negative, got %d", c.Data.Limit)
	}
	t := c.Train
	if t.SaveEvery < 0 || t.MaxCheckpoints < 0 {
		return errors.New("train.save_every and train.max_checkpoints cannot be negative")
	}
	if t.WarmupEpochs < 0 || t.FinetuneEpochs < 0 {
		return errors.New("train epochs cannot be negative")
	}
	if t.WarmupLR <= 0 || t.FinetuneLR <= 0 {
		return errors.New("train learning rates must be positive")
	}
	if t.LabelSmoothing < 0 || t.LabelSmoothing >= 1 {
		return errors.Errorf("train.label_smoothing must be in [0, 1), got %g", t.LabelSmoothing)
	}
	if t.PlateauFactor <= 0 || t.PlateauFactor >= 1 {
		return errors.Errorf("train.plateau_factor must be in (0, 1), got %g", t.PlateauFactor)
	}
	if c.Server.MaxPixels <= 0 {
		return errors.Errorf("server.max_pixels must be positive, got %d", c.Server.MaxPixels)
	}
	switch c.Detector.Kind {
	case "pigo", "cloud", "dlib":
	default:
		return errors.Errorf("unknown detector.kind %q", c.Detector.Kind)
	}
	return nil
}
