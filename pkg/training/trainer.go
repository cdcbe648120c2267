// Package training fits the diagnosis model and manages training runs.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/dataset"
	"github.com/synaptica-ai/diagnosis/pkg/ml/nn"
	"github.com/synaptica-ai/diagnosis/pkg/observability/metrics"
	"gonum.org/v1/gonum/floats"
)

var ErrNoTrainingData = errors.New("no training data")

type Options struct {
	LearningRate float64
	WeightDecay  float64
}

type EpochStats struct {
	Epoch       int     `json:"epoch"`
	TrainLoss   float64 `json:"train_loss"`
	ValLoss     float64 `json:"val_loss,omitempty"`
	ValAccuracy float64 `json:"val_accuracy,omitempty"`
	Validated   bool    `json:"validated"`
}

type Summary struct {
	Epochs  int          `json:"epochs"`
	Steps   int          `json:"steps"`
	History []EpochStats `json:"history"`
}

// Last returns the stats of the final epoch.
func (s Summary) Last() (EpochStats, bool) {
	if len(s.History) == 0 {
		return EpochStats{}, false
	}
	return s.History[len(s.History)-1], true
}

func (s Summary) Metrics() map[string]float64 {
	out := map[string]float64{
		"epochs": float64(s.Epochs),
		"steps":  float64(s.Steps),
	}
	if last, ok := s.Last(); ok {
		out["train_loss"] = last.TrainLoss
		if last.Validated {
			out["val_loss"] = last.ValLoss
			out["val_accuracy"] = last.ValAccuracy
		}
	}
	return out
}

type Trainer struct {
	model     *nn.Model
	optimizer *nn.AdamW
	tracker   Tracker
	run       RunInfo
	log       *logrus.Entry
}

// NewTrainer prepares a trainer for model. A nil tracker disables tracking.
func NewTrainer(model *nn.Model, opts Options, tracker Tracker, run RunInfo) *Trainer {
	return &Trainer{
		model:     model,
		optimizer: nn.NewAdamW(opts.LearningRate, opts.WeightDecay),
		tracker:   tracker,
		run:       run,
		log: logger.Log.WithFields(map[string]interface{}{
			logger.ComponentKey: "trainer",
			logger.RunIDKey:     run.ID.String(),
		}),
	}
}

// Train runs epochs passes over train. Each batch is one optimizer step whose
// loss is tracked as train_loss. When val is non-empty a validation pass
// follows every epoch.
func (t *Trainer) Train(ctx context.Context, train, val *dataset.Loader, epochs int) (Summary, error) {
	if epochs < 0 {
		return Summary{}, fmt.Errorf("epochs must not be negative, got %d", epochs)
	}
	if train == nil || train.Len() == 0 {
		return Summary{}, ErrNoTrainingData
	}

	t.track(func() error { return t.tracker.Init(ctx, t.run) })
	summary := Summary{Epochs: epochs}
	for epoch := 1; epoch <= epochs; epoch++ {
		t.model.Train()
		var lossSum float64
		var seen int
		for _, batch := range train.Batches() {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			loss, err := t.step(batch)
			if err != nil {
				return summary, fmt.Errorf("epoch %d step %d: %w", epoch, summary.Steps+1, err)
			}
			summary.Steps++
			lossSum += loss * float64(len(batch.Labels))
			seen += len(batch.Labels)

			metrics.ObserveStep()
			metrics.ObserveLoss(t.run.ID.String(), "train_loss", loss)
			step := summary.Steps
			t.track(func() error {
				return t.tracker.Log(ctx, map[string]float64{"train_loss": loss}, step)
			})
		}

		stats := EpochStats{Epoch: epoch, TrainLoss: lossSum / float64(seen)}
		if val != nil && val.Len() > 0 {
			valLoss, valAcc, err := t.validate(val)
			if err != nil {
				return summary, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			stats.ValLoss, stats.ValAccuracy, stats.Validated = valLoss, valAcc, true
			metrics.ObserveLoss(t.run.ID.String(), "val_loss", valLoss)
			step := summary.Steps
			t.track(func() error {
				return t.tracker.Log(ctx, map[string]float64{"val_loss": valLoss, "val_accuracy": valAcc}, step)
			})
		}
		summary.History = append(summary.History, stats)

		t.log.WithFields(map[string]interface{}{
			logger.EpochKey: epoch,
			logger.LossKey:  stats.TrainLoss,
			"val_loss":      stats.ValLoss,
			"val_accuracy":  stats.ValAccuracy,
		}).Info("Epoch finished")
	}

	t.track(func() error { return t.tracker.Finish(ctx, summary.Metrics()) })
	return summary, nil
}

func (t *Trainer) step(batch dataset.Batch) (float64, error) {
	t.model.ZeroGrad()
	logits, err := t.model.Forward(batch.Features)
	if err != nil {
		return 0, err
	}
	loss, grad, err := nn.CrossEntropy(logits, batch.Labels)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fmt.Errorf("loss diverged: %v", loss)
	}
	t.model.Backward(grad)
	t.optimizer.Step(t.model.Params())
	return loss, nil
}

func (t *Trainer) validate(val *dataset.Loader) (float64, float64, error) {
	t.model.Eval()
	defer t.model.Train()

	var lossSum float64
	var correct, total int
	for _, batch := range val.Batches() {
		logits, err := t.model.Forward(batch.Features)
		if err != nil {
			return 0, 0, err
		}
		loss, _, err := nn.CrossEntropy(logits, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		lossSum += loss * float64(len(batch.Labels))
		for i, label := range batch.Labels {
			if floats.MaxIdx(logits.RawRowView(i)) == label {
				correct++
			}
		}
		total += len(batch.Labels)
	}
	return lossSum / float64(total), float64(correct) / float64(total), nil
}

// track runs a tracker call. Tracker failures never stop training.
func (t *Trainer) track(call func() error) {
	if t.tracker == nil {
		return
	}
	if err := call(); err != nil {
		t.log.WithError(err).Warn("Tracker call failed")
	}
}
