package training

import (
	"fmt"
	"strings"
)

// MetricType selects an aggregate computed from a confusion matrix
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
	WeightedPrecision
	WeightedRecall
	WeightedF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case WeightedPrecision:
		return "WeightedPrecision"
	case WeightedRecall:
		return "WeightedRecall"
	case WeightedF1:
		return "WeightedF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per true class
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Add records one prediction
func (cm *ConfusionMatrix) Add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses || predClass < 0 || predClass >= cm.NumClasses {
		return fmt.Errorf("class pair (%d, %d) outside [0, %d)", trueClass, predClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
	return nil
}

// UpdateFromPredictions adds a batch of probability rows and their labels
func (cm *ConfusionMatrix) UpdateFromPredictions(
	predictions []float32,
	trueLabels []int32,
	batchSize int,
	numClasses int,
) error {
	if numClasses != cm.NumClasses {
		return fmt.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, numClasses)
	}
	if len(predictions) != batchSize*numClasses {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", batchSize*numClasses, len(predictions))
	}
	if len(trueLabels) != batchSize {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", batchSize, len(trueLabels))
	}

	for i := 0; i < batchSize; i++ {
		row := predictions[i*numClasses : (i+1)*numClasses]
		predClass := 0
		for j := 1; j < numClasses; j++ {
			if row[j] > row[predClass] {
				predClass = j
			}
		}
		if err := cm.Add(int(trueLabels[i]), predClass); err != nil {
			return err
		}
	}
	return nil
}

// ClassMetrics holds the per-class scores. Undefined ratios are zero.
type ClassMetrics struct {
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Class returns precision, recall and F1 for one class
func (cm *ConfusionMatrix) Class(class int) ClassMetrics {
	tp := cm.Matrix[class][class]
	predicted, support := 0, 0
	for other := 0; other < cm.NumClasses; other++ {
		predicted += cm.Matrix[other][class]
		support += cm.Matrix[class][other]
	}

	m := ClassMetrics{Support: support}
	if predicted > 0 {
		m.Precision = float64(tp) / float64(predicted)
	}
	if support > 0 {
		m.Recall = float64(tp) / float64(support)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}

	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}

	return float64(correct) / float64(cm.TotalSamples)
}

// averages returns the unweighted and support-weighted means of the per
// class scores
func (cm *ConfusionMatrix) averages() (macro, weighted ClassMetrics) {
	if cm.NumClasses == 0 {
		return
	}
	for c := 0; c < cm.NumClasses; c++ {
		m := cm.Class(c)
		macro.Precision += m.Precision
		macro.Recall += m.Recall
		macro.F1 += m.F1
		w := float64(m.Support)
		weighted.Precision += m.Precision * w
		weighted.Recall += m.Recall * w
		weighted.F1 += m.F1 * w
	}
	n := float64(cm.NumClasses)
	macro.Precision /= n
	macro.Recall /= n
	macro.F1 /= n
	macro.Support = cm.TotalSamples
	if cm.TotalSamples > 0 {
		total := float64(cm.TotalSamples)
		weighted.Precision /= total
		weighted.Recall /= total
		weighted.F1 /= total
	}
	weighted.Support = cm.TotalSamples
	return
}

// GetMetric computes one aggregate
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	macro, weighted := cm.averages()
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return macro.Precision
	case MacroRecall:
		return macro.Recall
	case MacroF1:
		return macro.F1
	case WeightedPrecision:
		return weighted.Precision
	case WeightedRecall:
		return weighted.Recall
	case WeightedF1:
		return weighted.F1
	default:
		return 0.0
	}
}

// String renders the matrix with true classes as rows
func (cm *ConfusionMatrix) String() string {
	var b strings.Builder
	for _, row := range cm.Matrix {
		for j, v := range row {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%6d", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ClassificationReport renders per-class precision, recall, F1 and support
// followed by accuracy, macro and weighted averages, laid out like
// scikit-learn's classification_report with two decimals.
func ClassificationReport(cm *ConfusionMatrix, labels []string) (string, error) {
	if len(labels) != cm.NumClasses {
		return "", fmt.Errorf("%d labels for %d classes", len(labels), cm.NumClasses)
	}

	width := len("weighted avg")
	for _, l := range labels {
		if len(l) > width {
			width = len(l)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%*s  %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
	row := func(name string, m ClassMetrics) {
		fmt.Fprintf(&b, "%*s  %9.2f %9.2f %9.2f %9d\n", width, name, m.Precision, m.Recall, m.F1, m.Support)
	}

	for c, l := range labels {
		row(l, cm.Class(c))
	}
	b.WriteByte('\n')

	fmt.Fprintf(&b, "%*s  %9s %9s %9.2f %9d\n", width, "accuracy", "", "", cm.GetAccuracy(), cm.TotalSamples)
	macro, weighted := cm.averages()
	row("macro avg", macro)
	row("weighted avg", weighted)
	return b.String(), nil
}
