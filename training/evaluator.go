package training

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-fer/engine"
	"github.com/tsawler/go-fer/vision/dataloader"
)

// BatchSource is a restartable stream of batches. dataloader.DataLoader
// implements it.
type BatchSource interface {
	Next(ctx context.Context) (*dataloader.Batch, error)
	Reset()
	StepsPerEpoch() int
	NumClasses() int
}

// EvalResult holds one full pass over an evaluation sequence
type EvalResult struct {
	Loss          float64
	Accuracy      float64
	NumClasses    int
	Probabilities []float32 // [samples, NumClasses]
	Predictions   []int
	Labels        []int32
	Confusion     *ConfusionMatrix
}

// Samples returns the number of evaluated samples
func (r *EvalResult) Samples() int {
	return len(r.Labels)
}

// Evaluate runs model over one pass of loader from its start. loss scores
// the pass; nil uses plain cross-entropy.
func Evaluate(ctx context.Context, model engine.Predictor, loader BatchSource, loss Loss) (*EvalResult, error) {
	return evaluate(ctx, model, loader, loss, nil)
}

func evaluate(ctx context.Context, model engine.Predictor, loader BatchSource, loss Loss, session *TrainingSession) (*EvalResult, error) {
	if loss == nil {
		loss = NewCategoricalCrossEntropy(0)
	}
	classes := loader.NumClasses()
	if model.NumClasses() != classes {
		return nil, errors.Wrapf(engine.ErrShapeMismatch, "model has %d classes, loader %d", model.NumClasses(), classes)
	}

	loader.Reset()
	result := &EvalResult{NumClasses: classes, Confusion: NewConfusionMatrix(classes)}
	var losses []float64
	var sizes []int

	steps := loader.StepsPerEpoch()
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := loader.Next(ctx)
		if err != nil {
			return nil, err
		}
		probs, err := model.Predict(ctx, batch.Images, batch.Size)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluation batch %d", step)
		}
		l, err := loss.Forward(probs, batch.OneHot, batch.Size, classes)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluation batch %d", step)
		}
		if err := result.Confusion.UpdateFromPredictions(probs, batch.Labels, batch.Size, classes); err != nil {
			return nil, err
		}

		losses = append(losses, l)
		sizes = append(sizes, batch.Size)
		result.Probabilities = append(result.Probabilities, probs...)
		result.Labels = append(result.Labels, batch.Labels...)

		if session != nil {
			session.UpdateValidationProgress(step+1, weightedMean(losses, sizes), result.Confusion.GetAccuracy())
		}
	}

	result.Loss = weightedMean(losses, sizes)
	result.Accuracy = result.Confusion.GetAccuracy()
	result.Predictions = argmaxRows(result.Probabilities, classes)
	return result, nil
}

func argmaxRows(probs []float32, classes int) []int {
	out := make([]int, len(probs)/classes)
	for i := range out {
		row := probs[i*classes : (i+1)*classes]
		best := 0
		for j := 1; j < classes; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// EnsembleResult is the evaluation of averaged member probabilities
type EnsembleResult struct {
	Members       []*EvalResult
	Accuracy      float64
	Probabilities []float32
	Predictions   []int
	Labels        []int32
	Confusion     *ConfusionMatrix
}

// EvaluateEnsemble evaluates every member over the same ordered sequence,
// averages their probability vectors element-wise and scores the argmax of
// the average against the labels by position. The loader must not shuffle.
func EvaluateEnsemble(ctx context.Context, members []engine.Predictor, loader BatchSource) (*EnsembleResult, error) {
	if len(members) == 0 {
		return nil, errors.New("ensemble has no members")
	}

	result := &EnsembleResult{}
	for i, m := range members {
		r, err := Evaluate(ctx, m, loader, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "ensemble member %d", i)
		}
		if i > 0 {
			first := result.Members[0]
			if r.Samples() != first.Samples() {
				return nil, errors.Wrapf(engine.ErrShapeMismatch,
					"ensemble member %d produced %d samples, member 0 produced %d", i, r.Samples(), first.Samples())
			}
			for k := range r.Labels {
				if r.Labels[k] != first.Labels[k] {
					return nil, errors.Errorf("ensemble member %d saw label %d at position %d, member 0 saw %d",
						i, r.Labels[k], k, first.Labels[k])
				}
			}
		}
		result.Members = append(result.Members, r)
	}

	vectors := make([][]float32, len(result.Members))
	for i, r := range result.Members {
		vectors[i] = r.Probabilities
	}
	avg, err := engine.Average(vectors...)
	if err != nil {
		return nil, err
	}

	classes := result.Members[0].NumClasses
	result.Probabilities = avg
	result.Labels = result.Members[0].Labels
	result.Predictions = argmaxRows(avg, classes)
	result.Confusion = NewConfusionMatrix(classes)
	for i, p := range result.Predictions {
		if err := result.Confusion.Add(int(result.Labels[i]), p); err != nil {
			return nil, err
		}
	}
	result.Accuracy = result.Confusion.GetAccuracy()
	return result, nil
}
