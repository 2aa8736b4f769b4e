package facedetect

import (
	"context"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"
	"github.com/pkg/errors"
)

// PigoOptions tunes the cascade run.
type PigoOptions struct {
	MinSize int
	MaxSize int
	// Quality is the minimum detection score kept after clustering.
	Quality float32
	// IoU is the overlap threshold used when clustering detections.
	IoU float64
}

func (o PigoOptions) withDefaults() PigoOptions {
	if o.MinSize <= 0 {
		o.MinSize = 20
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 1000
	}
	if o.Quality <= 0 {
		o.Quality = 5
	}
	if o.IoU <= 0 {
		o.IoU = 0.2
	}
	return o
}

// PigoDetector runs a pigo pixel-intensity-comparison cascade. It is pure Go
// and safe for concurrent use once constructed.
type PigoDetector struct {
	classifier *pigo.Pigo
	opts       PigoOptions
}

// NewPigoDetector loads a facefinder cascade from disk.
func NewPigoDetector(cascadePath string, opts PigoOptions) (*PigoDetector, error) {
	data, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read cascade %s", cascadePath)
	}
	return NewPigoDetectorFromBytes(data, opts)
}

// NewPigoDetectorFromBytes unpacks an in-memory cascade.
func NewPigoDetectorFromBytes(cascade []byte, opts PigoOptions) (*PigoDetector, error) {
	if len(cascade) == 0 {
		return nil, errors.New("empty cascade")
	}
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unpack cascade")
	}
	return &PigoDetector{classifier: classifier, opts: opts.withDefaults()}, nil
}

// Detect returns the clustered faces in the order pigo reports them.
func (d *PigoDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	cols, rows := bounds.Dx(), bounds.Dy()
	params := pigo.CascadeParams{
		MinSize:     d.opts.MinSize,
		MaxSize:     d.opts.MaxSize,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(img),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.opts.IoU)
	return detectionBoxes(dets, d.opts.Quality, bounds.Min), nil
}

// detectionBoxes converts centre/scale detections above the quality floor into
// rectangles offset by origin.
func detectionBoxes(dets []pigo.Detection, quality float32, origin image.Point) []image.Rectangle {
	kept := make([]pigo.Detection, 0, len(dets))
	for _, det := range dets {
		if det.Q >= quality {
			kept = append(kept, det)
		}
	}

	boxes := make([]image.Rectangle, len(kept))
	for i, det := range kept {
		half := det.Scale / 2
		boxes[i] = image.Rect(det.Col-half, det.Row-half, det.Col-half+det.Scale, det.Row-half+det.Scale).Add(origin)
	}
	return boxes
}
