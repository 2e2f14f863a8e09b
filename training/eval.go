package training

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cruxml/go-yolo/dataset"
	"github.com/cruxml/go-yolo/nn"
)

// Evaluator scores a model on held-out data between epochs.
type Evaluator interface {
	Evaluate(ctx context.Context, model nn.Model) (float64, error)
}

// LossEvaluator runs the criterion over a validation loader in
// evaluation mode and reports the average total loss per micro-batch.
type LossEvaluator struct {
	loader    *dataset.Loader
	criterion nn.Criterion
	progress  io.Writer // nil disables the progress line
}

// NewLossEvaluator creates an evaluator over a validation loader.
func NewLossEvaluator(loader *dataset.Loader, criterion nn.Criterion, progress io.Writer) *LossEvaluator {
	return &LossEvaluator{
		loader:    loader,
		criterion: criterion,
		progress:  progress,
	}
}

// Evaluate runs one pass over the validation set. The model is put in
// evaluation mode for the pass and restored afterwards.
func (e *LossEvaluator) Evaluate(ctx context.Context, model nn.Model) (float64, error) {
	wasTraining := model.IsTraining()
	model.Eval()
	defer func() {
		if wasTraining {
			model.Train()
		}
	}()

	var bar *ProgressBar
	if e.progress != nil {
		bar = NewProgressBarTo(e.progress, "Eval", e.loader.NumBatches())
	}

	e.loader.Reset(ctx)
	defer e.loader.Stop()

	var total float64
	var batches int
	for {
		batch, err := e.loader.Next(ctx)
		if errors.Is(err, dataset.ErrEpochDone) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("validation batch failed: %w", err)
		}

		pred, err := model.Forward(batch.Input)
		if err != nil {
			return 0, fmt.Errorf("validation forward pass failed: %w", err)
		}
		terms, err := e.criterion.Forward(pred, batch.Target)
		if err != nil {
			return 0, fmt.Errorf("validation loss computation failed: %w", err)
		}

		total += terms.Total
		batches++
		if bar != nil {
			bar.Update(batches, map[string]float64{"loss": total / float64(batches)})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, fmt.Errorf("validation set produced no batches")
	}
	return total / float64(batches), nil
}
