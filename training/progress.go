package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tsawler/go-fer/layers"
)

// ProgressBar renders a single-line progress bar with running metrics
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
	)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// sorted so the line does not jitter between renders
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.4f", key, value)
		}
	}

	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints a model summary with memory estimates
type ModelArchitecturePrinter struct {
	out io.Writer
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(out io.Writer) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{out: out}
}

// PrintArchitecture prints the layer table followed by size estimates.
// mask overrides the trainable flags recorded in the model spec when non-nil.
func (p *ModelArchitecturePrinter) PrintArchitecture(modelSpec *layers.ModelSpec, mask []bool) {
	fmt.Fprint(p.out, modelSpec.Summary())

	trainable := modelSpec.TrainableParameters()
	if mask != nil {
		trainable = countTrainable(modelSpec, mask)
	}
	fmt.Fprintf(p.out, "Trainable in this phase: %s\n", humanize.Comma(trainable))
	fmt.Fprintf(p.out, "Input size: %s\n", humanize.IBytes(tensorBytes(modelSpec.InputShape)))
	fmt.Fprintf(p.out, "Forward/backward pass size: %s\n", humanize.IBytes(estimateForwardBackwardSize(modelSpec)))
	fmt.Fprintf(p.out, "Params size: %s\n", humanize.IBytes(uint64(modelSpec.TotalParameters*4)))
	fmt.Fprintf(p.out, "Estimated total size: %s\n\n", humanize.IBytes(estimateTotalSize(modelSpec)))
}

// tensorBytes returns the float32 size of one sample of shape, ignoring
// the batch dimension
func tensorBytes(shape []int) uint64 {
	if len(shape) == 0 {
		return 0
	}
	size := uint64(1)
	for _, dim := range shape[1:] {
		size *= uint64(dim)
	}
	return size * 4
}

// estimateForwardBackwardSize sums the activations kept for backward plus
// an equal amount of gradient storage
func estimateForwardBackwardSize(modelSpec *layers.ModelSpec) uint64 {
	var total uint64
	for _, layer := range modelSpec.Layers {
		total += tensorBytes(layer.OutputShape)
	}
	return total * 2
}

// estimateTotalSize estimates the memory of one training sample
func estimateTotalSize(modelSpec *layers.ModelSpec) uint64 {
	return tensorBytes(modelSpec.InputShape) +
		uint64(modelSpec.TotalParameters*4) +
		estimateForwardBackwardSize(modelSpec)
}

// TrainingSession drives the progress bars of one phase
type TrainingSession struct {
	out             io.Writer
	phase           string
	epochs          int
	stepsPerEpoch   int
	validationSteps int
	currentEpoch    int

	trainProgress      *ProgressBar
	validationProgress *ProgressBar
}

// NewTrainingSession creates a session for a phase. A nil writer disables
// all output.
func NewTrainingSession(out io.Writer, phase string, epochs, stepsPerEpoch, validationSteps int) *TrainingSession {
	if out == nil {
		out = io.Discard
	}
	return &TrainingSession{
		out:             out,
		phase:           phase,
		epochs:          epochs,
		stepsPerEpoch:   stepsPerEpoch,
		validationSteps: validationSteps,
	}
}

// StartEpoch begins a new epoch; epoch is 1-based
func (ts *TrainingSession) StartEpoch(epoch int) {
	ts.currentEpoch = epoch
	description := fmt.Sprintf("%s %d/%d (train)", ts.phase, epoch, ts.epochs)
	ts.trainProgress = NewProgressBar(ts.out, description, ts.stepsPerEpoch)
}

// UpdateTrainingProgress updates training progress
func (ts *TrainingSession) UpdateTrainingProgress(step int, loss float64, accuracy float64) {
	ts.trainProgress.Update(step, map[string]float64{"loss": loss, "accuracy": accuracy})
}

// FinishTrainingEpoch completes the training phase of an epoch
func (ts *TrainingSession) FinishTrainingEpoch() {
	ts.trainProgress.Finish()
}

// StartValidation begins the validation phase
func (ts *TrainingSession) StartValidation() {
	description := fmt.Sprintf("%s %d/%d (val)", ts.phase, ts.currentEpoch, ts.epochs)
	ts.validationProgress = NewProgressBar(ts.out, description, ts.validationSteps)
}

// UpdateValidationProgress updates validation progress
func (ts *TrainingSession) UpdateValidationProgress(step int, loss float64, accuracy float64) {
	if ts.validationProgress != nil {
		ts.validationProgress.Update(step, map[string]float64{"loss": loss, "accuracy": accuracy})
	}
}

// FinishValidationEpoch completes the validation phase of an epoch
func (ts *TrainingSession) FinishValidationEpoch() {
	if ts.validationProgress != nil {
		ts.validationProgress.Finish()
	}
}

// PrintEpochSummary prints a summary of the completed epoch
func (ts *TrainingSession) PrintEpochSummary(m EpochMetrics) {
	fmt.Fprintf(ts.out, "%s %d/%d - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f - lr: %.2e (%s)\n",
		ts.phase, ts.currentEpoch, ts.epochs,
		m.Loss, m.Accuracy, m.ValLoss, m.ValAccuracy, m.LearningRate, formatDuration(m.Duration))
}
