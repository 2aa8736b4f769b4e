// Package facedetect finds face bounding boxes in decoded images. The inference
// service uses the first box a detector returns.
package facedetect

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/config"
	"github.com/tsawler/go-fer/logging"
)

// Detector kinds accepted by New.
const (
	KindPigo  = "pigo"
	KindCloud = "cloud"
	KindDlib  = "dlib"
)

// ErrUnavailable is returned when a detector kind was not compiled in.
var ErrUnavailable = errors.New("face detector unavailable in this build")

// Detector returns face boxes in image coordinates. An empty result with a
// nil error means no face was found.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error)
}

// Func adapts an ordinary function to the Detector interface.
type Func func(ctx context.Context, img image.Image) ([]image.Rectangle, error)

// Detect calls f(ctx, img).
func (f Func) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	return f(ctx, img)
}

// ClampBox moves a box with a negative origin back to the image edge and
// trims it to bounds. The result may be empty when the box lies entirely
// outside the image.
func ClampBox(box, bounds image.Rectangle) image.Rectangle {
	if box.Min.X < bounds.Min.X {
		box.Min.X = bounds.Min.X
	}
	if box.Min.Y < bounds.Min.Y {
		box.Min.Y = bounds.Min.Y
	}
	return box.Intersect(bounds)
}

// First returns the first detected box clamped to the image, or false when
// nothing usable was found.
func First(boxes []image.Rectangle, bounds image.Rectangle) (image.Rectangle, bool) {
	if len(boxes) == 0 {
		return image.Rectangle{}, false
	}
	box := ClampBox(boxes[0], bounds)
	return box, !box.Empty()
}

// New builds the detector selected by cfg.Kind.
func New(cfg config.DetectorConfig, logger *zap.Logger) (Detector, error) {
	logger = logging.OrNop(logger)

	switch cfg.Kind {
	case KindPigo, "":
		d, err := NewPigoDetector(cfg.Cascade, PigoOptions{
			MinSize: cfg.MinSize,
			MaxSize: cfg.MaxSize,
			Quality: cfg.Quality,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("face detector ready", zap.String("kind", KindPigo), zap.String("cascade", cfg.Cascade))
		return d, nil
	case KindCloud:
		d, err := NewCloudDetector(cfg.CloudURL, cfg.CloudToken, 10*time.Second)
		if err != nil {
			return nil, err
		}
		logger.Info("face detector ready", zap.String("kind", KindCloud), zap.String("url", cfg.CloudURL))
		return d, nil
	case KindDlib:
		d, err := NewDlibDetector(cfg.DlibModels)
		if err != nil {
			return nil, err
		}
		logger.Info("face detector ready", zap.String("kind", KindDlib), zap.String("models", cfg.DlibModels))
		return d, nil
	default:
		return nil, errors.Errorf("unknown face detector kind %q", cfg.Kind)
	}
}
