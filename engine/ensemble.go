package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-fer/emotion"
)

// Predictor maps a batch of NCHW inputs to per-sample class probabilities
type Predictor interface {
	Predict(ctx context.Context, x []float32, batch int) ([]float32, error)
	NumClasses() int
	InputSize() []int
}

// Ensemble averages the probability vectors of its members
type Ensemble struct {
	Members []Predictor
}

// NewEnsemble checks that every member agrees on input and output shapes
func NewEnsemble(members ...Predictor) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, errors.New("ensemble needs at least one member")
	}
	first := members[0]
	for i, m := range members[1:] {
		if m.NumClasses() != first.NumClasses() {
			return nil, errors.Wrapf(ErrShapeMismatch, "member %d has %d classes, want %d", i+1, m.NumClasses(), first.NumClasses())
		}
		if !equalShape(m.InputSize(), first.InputSize()) {
			return nil, errors.Wrapf(ErrShapeMismatch, "member %d expects input %v, want %v", i+1, m.InputSize(), first.InputSize())
		}
	}
	return &Ensemble{Members: members}, nil
}

// Predict returns the element-wise mean of the members' outputs
func (e *Ensemble) Predict(ctx context.Context, x []float32, batch int) ([]float32, error) {
	var sum []float32
	for i, m := range e.Members {
		p, err := m.Predict(ctx, x, batch)
		if err != nil {
			return nil, errors.Wrapf(err, "ensemble member %d", i)
		}
		if sum == nil {
			sum = make([]float32, len(p))
		}
		if len(p) != len(sum) {
			return nil, errors.Wrapf(ErrShapeMismatch, "ensemble member %d returned %d values, want %d", i, len(p), len(sum))
		}
		for j, v := range p {
			sum[j] += v
		}
	}
	inv := 1 / float32(len(e.Members))
	for j := range sum {
		sum[j] *= inv
	}
	return sum, nil
}

// NumClasses returns the shared output width
func (e *Ensemble) NumClasses() int {
	return e.Members[0].NumClasses()
}

// InputSize returns the shared per-sample input shape
func (e *Ensemble) InputSize() []int {
	return e.Members[0].InputSize()
}

// Average averages equally sized probability vectors element-wise
func Average(vectors ...[]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, errors.New("nothing to average")
	}
	out := make([]float32, len(vectors[0]))
	for i, v := range vectors {
		if len(v) != len(out) {
			return nil, errors.Wrapf(ErrShapeMismatch, "vector %d has %d values, want %d", i, len(v), len(out))
		}
		for j, x := range v {
			out[j] += x
		}
	}
	inv := 1 / float32(len(vectors))
	for j := range out {
		out[j] *= inv
	}
	return out, nil
}

// Prediction is the classification of a single sample
type Prediction struct {
	Probabilities []float32
	Index         int
	Label         string
}

// Classify runs one CHW sample through p and looks up the winning label
func Classify(ctx context.Context, p Predictor, sample []float32, labels emotion.Registry) (*Prediction, error) {
	probs, err := p.Predict(ctx, sample, 1)
	if err != nil {
		return nil, err
	}
	if len(probs) != labels.Len() {
		return nil, errors.Wrapf(ErrShapeMismatch, "model returned %d classes for %d labels", len(probs), labels.Len())
	}
	idx := emotion.Argmax(probs)
	return &Prediction{Probabilities: probs, Index: idx, Label: labels[idx]}, nil
}
