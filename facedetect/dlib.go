//go:build dlib

package facedetect

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/pkg/errors"
)

// DlibDetector wraps the dlib HOG detector through go-face. Requires the
// dlib shared libraries and the model directory at build and run time.
type DlibDetector struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

// NewDlibDetector loads the dlib models from dir.
func NewDlibDetector(dir string) (Detector, error) {
	if dir == "" {
		return nil, errors.New("detector.dlib_models is required for the dlib detector")
	}
	rec, err := face.NewRecognizer(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load dlib models from %s", dir)
	}
	return &DlibDetector{rec: rec}, nil
}

// Detect returns the face rectangles dlib reports.
func (d *DlibDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, errors.Wrap(err, "failed to encode image")
	}

	// the recognizer is not safe for concurrent use
	d.mu.Lock()
	faces, err := d.rec.Recognize(buf.Bytes())
	d.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "dlib detection failed")
	}

	origin := img.Bounds().Min
	boxes := make([]image.Rectangle, len(faces))
	for i, f := range faces {
		boxes[i] = f.Rectangle.Add(origin)
	}
	return boxes, nil
}

// Close releases the dlib models.
func (d *DlibDetector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		d.rec.Close()
		d.rec = nil
	}
}
