package inference

import (
	"context"
	"fmt"
	"math"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/model"
	"github.com/IliaW/nsfw-gate/internal/worker"
)

// Invoker scores images on the shared worker pool so request goroutines only
// wait for results.
type Invoker struct {
	model       Model
	pool        *worker.Pool
	threshold   float64
	outputIndex int
	inputSize   int
	maxPixels   int64
}

func NewInvoker(m Model, pool *worker.Pool, cfg *config.NsfwConfig) *Invoker {
	return &Invoker{
		model:       m,
		pool:        pool,
		threshold:   cfg.Threshold,
		outputIndex: cfg.OutputIndex,
		inputSize:   cfg.InputSize,
		maxPixels:   cfg.MaxPixels,
	}
}

// Score returns the positive class probability for one image.
func (i *Invoker) Score(ctx context.Context, img []byte) (float64, error) {
	return worker.Submit(ctx, i.pool, func(ctx context.Context) (float64, error) {
		prepared, err := Preprocess(img, i.inputSize, i.maxPixels)
		if err != nil {
			return 0, err
		}
		outputs, err := i.model.Predict(ctx, prepared)
		if err != nil {
			return 0, err
		}
		if i.outputIndex >= len(outputs) {
			return 0, fmt.Errorf("%w: output vector has %d values, index %d requested",
				ModelError, len(outputs), i.outputIndex)
		}
		score := outputs[i.outputIndex]
		if math.IsNaN(score) || math.IsInf(score, 0) {
			return 0, fmt.Errorf("%w: score is not a finite number", ModelError)
		}

		return score, nil
	})
}

// IsCensored reports whether the score is strictly above the threshold.
func (i *Invoker) IsCensored(ctx context.Context, img []byte) (model.Verdict, error) {
	score, err := i.Score(ctx, img)
	if err != nil {
		return model.Verdict{}, err
	}

	return model.Verdict{Censored: i.Censored(score), Score: score}, nil
}

func (i *Invoker) Censored(score float64) bool {
	return score > i.threshold
}
