// Package models builds the classification networks as flat layer specs:
// a backbone, an optional squeeze-excite block and a dense head.
package models

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-fer/emotion"
	"github.com/tsawler/go-fer/layers"
)

// Backbone names
const (
	MobileNetV2    = "mobilenetv2"
	EfficientNetB0 = "efficientnetb0"
)

// Head variants. HeadStandard normalises after pooling and after the first
// dense block. HeadCompact only normalises after pooling. HeadDeep adds a
// third normalisation before the classifier.
const (
	HeadStandard = "standard"
	HeadCompact  = "compact"
	HeadDeep     = "deep"
)

// batch norm defaults matching Keras (momentum expressed as the weight of
// the batch statistic)
const (
	bnEpsilon       = 1e-3
	bnMomentum      = 0.01
	mobileNetBNMom  = 0.001
	defaultSERatio  = 16
	defaultImageDim = 96
)

// Config selects one model
type Config struct {
	Backbone   string
	Attention  bool
	InputSize  int
	NumClasses int
	SERatio    int
	Head       string
}

// DefaultConfig returns the MobileNetV2 + SE configuration
func DefaultConfig() Config {
	return Config{
		Backbone:   MobileNetV2,
		Attention:  true,
		InputSize:  defaultImageDim,
		NumClasses: emotion.NumClasses,
		SERatio:    defaultSERatio,
		Head:       HeadStandard,
	}
}

// DefaultEnsemble returns the two ensemble members: MobileNetV2 with an SE
// block and a plain EfficientNetB0, whose blocks already carry SE.
func DefaultEnsemble() []Config {
	m := DefaultConfig()
	e := DefaultConfig()
	e.Backbone = EfficientNetB0
	e.Attention = false
	return []Config{m, e}
}

// MemberConfigs derives one config per backbone. The extra SE block is
// only added on top of backbones that lack channel attention.
func MemberConfigs(backbones []string, attention bool, inputSize, seRatio int) []Config {
	var cfgs []Config
	for _, b := range backbones {
		c := DefaultConfig()
		c.Backbone = strings.ToLower(b)
		c.Attention = attention && c.Backbone != EfficientNetB0
		if inputSize > 0 {
			c.InputSize = inputSize
		}
		if seRatio > 0 {
			c.SERatio = seRatio
		}
		cfgs = append(cfgs, c)
	}
	return cfgs
}

// Name is the model name used for artifacts and run records
func (c Config) Name() string {
	if c.Attention {
		return c.Backbone + "_se"
	}
	return c.Backbone
}

func (c Config) withDefaults() Config {
	if c.InputSize == 0 {
		c.InputSize = defaultImageDim
	}
	if c.NumClasses == 0 {
		c.NumClasses = emotion.NumClasses
	}
	if c.SERatio == 0 {
		c.SERatio = defaultSERatio
	}
	if c.Head == "" {
		c.Head = HeadStandard
	}
	c.Backbone = strings.ToLower(c.Backbone)
	return c
}

// Build compiles the model described by cfg. Backbone layers are frozen
// and grouped as backbone; head layers are trainable.
func Build(cfg Config) (*layers.ModelSpec, error) {
	cfg = cfg.withDefaults()
	if cfg.InputSize < 32 {
		return nil, fmt.Errorf("input size %d is too small, need at least 32", cfg.InputSize)
	}
	if cfg.NumClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", cfg.NumClasses)
	}

	b := layers.NewModelBuilder([]int{1, 3, cfg.InputSize, cfg.InputSize}).
		Named(cfg.Name()).
		InGroup(layers.GroupBackbone, false)

	switch cfg.Backbone {
	case MobileNetV2:
		mobileNetV2(b)
	case EfficientNetB0:
		efficientNetB0(b)
	default:
		return nil, fmt.Errorf("unknown backbone %q", cfg.Backbone)
	}

	b.InGroup(layers.GroupHead, true)
	if err := head(b, cfg); err != nil {
		return nil, err
	}

	spec, err := b.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %v", cfg.Name(), err)
	}
	return spec, nil
}

func head(b *layers.ModelBuilder, cfg Config) error {
	switch cfg.Head {
	case HeadStandard, HeadCompact, HeadDeep:
	default:
		return fmt.Errorf("unknown head %q", cfg.Head)
	}

	if cfg.Attention {
		b.AddSqueezeExcite(cfg.SERatio, "se_attention")
	}
	b.AddGlobalAvgPool("global_average_pooling2d").
		AddBatchNorm(bnEpsilon, bnMomentum, "batch_normalization").
		AddDense(512, true, "dense").
		AddReLU("dense_relu").
		AddDropout(0.5, "dropout")
	if cfg.Head != HeadCompact {
		b.AddBatchNorm(bnEpsilon, bnMomentum, "batch_normalization_1")
	}
	b.AddDense(256, true, "dense_1").
		AddReLU("dense_1_relu").
		AddDropout(0.3, "dropout_1")
	if cfg.Head == HeadDeep {
		b.AddBatchNorm(bnEpsilon, bnMomentum, "batch_normalization_2")
	}
	b.AddDense(cfg.NumClasses, true, "predictions").
		AddSoftmax("predictions_softmax")
	return nil
}

// BuildEnsemble builds one independent model per config. Members must use
// distinct backbones and agree on input size and class count.
func BuildEnsemble(cfgs ...Config) ([]*layers.ModelSpec, error) {
	if len(cfgs) == 0 {
		cfgs = DefaultEnsemble()
	}
	seen := map[string]bool{}
	var specs []*layers.ModelSpec
	for i, c := range cfgs {
		c = c.withDefaults()
		if seen[c.Backbone] {
			return nil, fmt.Errorf("ensemble member %d repeats backbone %s", i, c.Backbone)
		}
		seen[c.Backbone] = true
		if i > 0 {
			first := cfgs[0].withDefaults()
			if c.InputSize != first.InputSize || c.NumClasses != first.NumClasses {
				return nil, fmt.Errorf("ensemble member %d disagrees on input size or class count", i)
			}
		}
		spec, err := Build(c)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
