package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-fer/emotion"
)

// ErrMalformedRow marks a CSV row that could not be turned into an image
var ErrMalformedRow = errors.New("malformed row")

const (
	// ImageSide is the edge length of a FER2013 face
	ImageSide = 48
	// PixelCount is the number of grayscale values per row
	PixelCount = ImageSide * ImageSide
)

// Split directory names
const (
	SplitTrain      = "train"
	SplitValidation = "validation"
	SplitTest       = "test"
)

// Splits lists every split directory in a materialized tree
var Splits = []string{SplitTrain, SplitValidation, SplitTest}

var usageSplits = map[string]string{
	"Training":    SplitTrain,
	"PublicTest":  SplitValidation,
	"PrivateTest": SplitTest,
}

// SplitForUsage maps a FER2013 Usage tag to its split directory. Unknown
// tags land in the training split.
func SplitForUsage(usage string) string {
	if split, ok := usageSplits[strings.TrimSpace(usage)]; ok {
		return split
	}
	return SplitTrain
}

// FERRecord is one row of fer2013.csv
type FERRecord struct {
	Emotion string `csv:"emotion"`
	Pixels  string `csv:"pixels"`
	Usage   string `csv:"Usage"`
}

// Sample is a validated FER2013 row
type Sample struct {
	Index  int
	Class  int
	Label  string
	Split  string
	Pixels []uint8
}

// ParseRecord validates rec and decodes its pixel grid. Errors wrap
// ErrMalformedRow.
func ParseRecord(index int, rec FERRecord, registry emotion.Registry) (*Sample, error) {
	class, err := strconv.Atoi(strings.TrimSpace(rec.Emotion))
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedRow, "emotion %q is not an integer", rec.Emotion)
	}
	label, err := registry.Name(class)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedRow, "emotion %d outside [0, %d)", class, registry.Len())
	}

	tokens := strings.Fields(rec.Pixels)
	if len(tokens) != PixelCount {
		return nil, errors.Wrapf(ErrMalformedRow, "expected %d pixels, got %d", PixelCount, len(tokens))
	}
	pixels := make([]uint8, PixelCount)
	for i, tok := range tokens {
		v, err := strconv.Atoi(tok)
		if err != nil || v < 0 || v > 255 {
			return nil, errors.Wrapf(ErrMalformedRow, "pixel %d has invalid value %q", i, tok)
		}
		pixels[i] = uint8(v)
	}

	return &Sample{
		Index:  index,
		Class:  class,
		Label:  label,
		Split:  SplitForUsage(rec.Usage),
		Pixels: pixels,
	}, nil
}

// Image replicates the grayscale grid into an RGB image
func (s *Sample) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, ImageSide, ImageSide))
	for i, v := range s.Pixels {
		img.Pix[4*i+0] = v
		img.Pix[4*i+1] = v
		img.Pix[4*i+2] = v
		img.Pix[4*i+3] = 0xff
	}
	return img
}

// Path returns where the sample is written below root
func (s *Sample) Path(root string) string {
	return filepath.Join(root, s.Split, s.Label, fmt.Sprintf("%d.jpg", s.Index))
}

// MaterializeOptions tunes Materialize
type MaterializeOptions struct {
	Registry emotion.Registry
	// Workers bounds concurrent image writes
	Workers int
	// Quality is the JPEG quality, 1..100
	Quality int
	Logger  *zap.Logger
}

// DefaultMaterializeOptions returns options for the FER2013 label set
func DefaultMaterializeOptions() MaterializeOptions {
	return MaterializeOptions{
		Registry: emotion.Default(),
		Workers:  8,
		Quality:  95,
	}
}

// RowFailure records why a row was skipped
type RowFailure struct {
	Row    int
	Reason string
}

// MaterializeReport summarises a Materialize run
type MaterializeReport struct {
	RowsRead int
	Written  int
	Failed   []RowFailure
	// Counts holds written images per split and class
	Counts   map[string]map[string]int
	Duration time.Duration
}

func newReport(registry emotion.Registry) *MaterializeReport {
	r := &MaterializeReport{Counts: make(map[string]map[string]int, len(Splits))}
	for _, split := range Splits {
		r.Counts[split] = make(map[string]int, registry.Len())
		for _, label := range registry {
			r.Counts[split][label] = 0
		}
	}
	return r
}

// String renders the per split/class counts
func (r *MaterializeReport) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("rows read: %d, written: %d, failed: %d\n", r.RowsRead, r.Written, len(r.Failed)))
	for _, split := range Splits {
		labels := make([]string, 0, len(r.Counts[split]))
		for label := range r.Counts[split] {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		sb.WriteString(split + ":")
		for _, label := range labels {
			sb.WriteString(fmt.Sprintf(" %s=%d", label, r.Counts[split][label]))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// PrepareTree creates the split/class directories below root. It is
// idempotent.
func PrepareTree(root string, registry emotion.Registry) error {
	for _, split := range Splits {
		for _, label := range registry {
			dir := filepath.Join(root, split, label)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.Wrapf(err, "failed to create %s", dir)
			}
		}
	}
	return nil
}

// Materialize converts the FER2013 CSV at csvPath into
// <outputRoot>/<split>/<Label>/<row>.jpg files, where row is the 0-based data
// row index. All split/class directories are created first, even when the
// CSV holds no rows. Malformed rows are logged and reported without stopping
// the run; failing to open the CSV, create directories or write an image is
// fatal.
func Materialize(ctx context.Context, csvPath, outputRoot string, opts MaterializeOptions) (*MaterializeReport, error) {
	if opts.Registry == nil {
		opts.Registry = emotion.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = jpeg.DefaultQuality
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	if err := PrepareTree(outputRoot, opts.Registry); err != nil {
		return nil, err
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", csvPath)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	decoder := gocsv.NewSimpleDecoderFromCSVReader(reader)

	rows := make(chan FERRecord, opts.Workers)
	readErr := make(chan error, 1)
	go func() {
		readErr <- gocsv.UnmarshalDecoderToChan(decoder, rows)
	}()

	report := newReport(opts.Registry)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	index := 0
	for rec := range rows {
		row := index
		index++
		report.RowsRead++
		// keep draining so the decoder goroutine can finish
		if gctx.Err() != nil {
			continue
		}

		sample, err := ParseRecord(row, rec, opts.Registry)
		if err != nil {
			logger.Warn("skipping malformed row", zap.Int("row", row), zap.Error(err))
			report.Failed = append(report.Failed, RowFailure{Row: row, Reason: err.Error()})
			continue
		}

		g.Go(func() error {
			if err := writeJPEG(sample.Path(outputRoot), sample.Image(), opts.Quality); err != nil {
				return err
			}
			mu.Lock()
			report.Written++
			report.Counts[sample.Split][sample.Label]++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, errors.Wrap(err, "failed to write images")
	}
	if err := <-readErr; err != nil && errors.Cause(err) != io.EOF {
		return report, errors.Wrapf(err, "failed to read %s", csvPath)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.Duration = time.Since(start)
	logger.Info("materialized dataset",
		zap.String("csv", csvPath),
		zap.String("root", outputRoot),
		zap.Int("rows", report.RowsRead),
		zap.Int("written", report.Written),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("elapsed", report.Duration),
	)
	return report, nil
}

func writeJPEG(path string, img image.Image, quality int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "failed to close %s", path)
		}
	}()
	return errors.Wrapf(jpeg.Encode(f, img, &jpeg.Options{Quality: quality}), "failed to encode %s", path)
}
