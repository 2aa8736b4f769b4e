package server

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/emotion"
	"github.com/tsawler/go-fer/engine"
	"github.com/tsawler/go-fer/logging"
)

// LoadModels reads every artifact in paths. A single path serves that model;
// several are wrapped in an averaging ensemble. Labels come from the artifact
// metadata, falling back to fallback when an artifact carries none, and must
// agree across all artifacts.
func LoadModels(paths []string, fallback emotion.Registry, logger *zap.Logger) (engine.Predictor, emotion.Registry, error) {
	logger = logging.OrNop(logger)
	if len(paths) == 0 {
		return nil, nil, errors.New("no model artifacts configured")
	}

	var labels emotion.Registry
	members := make([]engine.Predictor, 0, len(paths))
	for _, path := range paths {
		net, cp, err := engine.Load(path)
		if err != nil {
			return nil, nil, err
		}

		current := fallback
		if len(cp.Metadata.Labels) > 0 {
			current = emotion.Registry(cp.Metadata.Labels)
		}
		if labels == nil {
			labels = current
		} else if !labels.Equal(current) {
			return nil, nil, errors.Errorf("model %s labels %v differ from %v", path, current, labels)
		}

		logger.Info("loaded model",
			zap.String("path", path),
			zap.String("model", cp.ModelSpec.Name),
			zap.Ints("input", net.InputSize()),
			zap.Int("classes", net.NumClasses()),
		)
		members = append(members, net)
	}

	if len(members) == 1 {
		return members[0], labels, nil
	}
	ensemble, err := engine.NewEnsemble(members...)
	if err != nil {
		return nil, nil, err
	}
	return ensemble, labels, nil
}
