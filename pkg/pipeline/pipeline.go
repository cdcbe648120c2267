// Package pipeline wires dataset loading, feature building, training,
// evaluation and artifact export into one run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/diagnosis/pkg/common/config"
	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/dataset"
	"github.com/synaptica-ai/diagnosis/pkg/dlp"
	"github.com/synaptica-ai/diagnosis/pkg/evaluation"
	"github.com/synaptica-ai/diagnosis/pkg/features"
	"github.com/synaptica-ai/diagnosis/pkg/ml/nn"
	"github.com/synaptica-ai/diagnosis/pkg/preprocessing"
	"github.com/synaptica-ai/diagnosis/pkg/serving/predictor"
	"github.com/synaptica-ai/diagnosis/pkg/training"
)

// TrackerFactory returns a fresh tracker for each run.
type TrackerFactory func() training.Tracker

type Pipeline struct {
	embedder    features.Embedder
	scrubber    *dlp.Detector
	artifactDir string
	trackers    TrackerFactory
}

type Option func(*Pipeline)

func WithScrubber(d *dlp.Detector) Option {
	return func(p *Pipeline) { p.scrubber = d }
}

func WithTrackers(f TrackerFactory) Option {
	return func(p *Pipeline) { p.trackers = f }
}

func New(embedder features.Embedder, artifactDir string, opts ...Option) *Pipeline {
	p := &Pipeline{embedder: embedder, artifactDir: artifactDir}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result summarises a finished run.
type Result struct {
	Summary      training.Summary
	Report       *evaluation.Report
	Classes      []string
	Layout       features.Layout
	ArtifactPath string
}

// Metrics flattens the run outcome for the run record.
func (r Result) Metrics() map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range r.Summary.Metrics() {
		out[k] = v
	}
	if r.Report != nil {
		out["test_accuracy"] = r.Report.Accuracy
		out["test_macro_f1"] = r.Report.MacroAvg.F1
		out["test_weighted_f1"] = r.Report.WeightedAvg.F1
	}
	return out
}

// Run trains a model on exp.Dataset. The split's test part is evaluated when
// non-empty and the fitted model is written to the artifact directory.
func (p *Pipeline) Run(ctx context.Context, exp config.Experiment, run training.RunInfo) (Result, error) {
	if err := exp.Validate(); err != nil {
		return Result{}, err
	}
	if exp.Dataset == "" {
		return Result{}, errs.Errorf(errs.KindMissingConfiguration, "pipeline.run", "experiment has no dataset")
	}
	log := logger.Log.WithFields(map[string]interface{}{
		logger.ComponentKey: "pipeline",
		logger.RunIDKey:     run.ID.String(),
	})
	start := time.Now()

	cases, err := dataset.LoadJSONL(exp.Dataset)
	if err != nil {
		return Result{}, err
	}
	train, val, test := dataset.Split(cases, exp.ValFraction, exp.TestFraction, exp.Seed)
	if len(train) == 0 {
		return Result{}, training.ErrNoTrainingData
	}
	log.WithFields(map[string]interface{}{
		"train": len(train),
		"val":   len(val),
		"test":  len(test),
	}).Info("Dataset split")

	encoder := preprocessing.NewLabelEncoder()
	encoder.Fit(dataset.Labels(cases))

	engine := features.NewEngine(p.embedder, features.WithScrubber(p.scrubber), features.WithLabColumns(exp.LabColumns))
	trainLoader, err := p.loader(ctx, engine, encoder, train, exp.BatchSize, exp.Shuffle, exp.Seed)
	if err != nil {
		return Result{}, fmt.Errorf("building training features: %w", err)
	}
	valLoader, err := p.loader(ctx, engine, encoder, val, exp.BatchSize, false, exp.Seed)
	if err != nil {
		return Result{}, fmt.Errorf("building validation features: %w", err)
	}

	model, err := nn.NewModel(nn.Config{
		InputDim:   engine.Layout().Width(),
		HiddenDim:  exp.HiddenDim,
		NumClasses: encoder.Len(),
		Heads:      exp.Heads,
		Dropout:    exp.Dropout,
		Seed:       exp.Seed,
	})
	if err != nil {
		return Result{}, err
	}
	log.WithFields(map[string]interface{}{
		logger.FeaturesKey: engine.Layout().Width(),
		logger.ClassesKey:  encoder.Len(),
		"params":           model.NumParams(),
	}).Info("Model initialised")

	var tracker training.Tracker
	if p.trackers != nil {
		tracker = p.trackers()
	}
	trainer := training.NewTrainer(model, training.Options{LearningRate: exp.LearningRate, WeightDecay: exp.WeightDecay}, tracker, run)
	summary, err := trainer.Train(ctx, trainLoader, valLoader, exp.Epochs)
	if err != nil {
		return Result{}, err
	}

	result := Result{Summary: summary, Classes: encoder.Classes(), Layout: engine.Layout()}
	if len(test) > 0 {
		testLoader, err := p.loader(ctx, engine, encoder, test, exp.BatchSize, false, exp.Seed)
		if err != nil {
			return Result{}, fmt.Errorf("building test features: %w", err)
		}
		report, err := evaluation.Evaluate(ctx, model, testLoader, encoder.Classes())
		if err != nil && !errors.Is(err, evaluation.ErrEmptyDataset) {
			return Result{}, err
		}
		if err == nil {
			result.Report = &report
		}
	}

	if p.artifactDir != "" {
		state, ok := engine.State()
		if !ok {
			return Result{}, errs.Errorf(errs.KindMissingValue, "pipeline.run", "feature engine was never fitted")
		}
		name := exp.Name
		if name == "" {
			name = "diagnosis"
		}
		artifact := predictor.Artifact{
			Name:     name,
			RunID:    run.ID.String(),
			Model:    model.Snapshot(),
			Features: state,
			Classes:  encoder.Classes(),
			Metrics:  floatMetrics(result.Metrics()),
		}
		path, err := predictor.Write(p.artifactDir, artifact)
		if err != nil {
			return Result{}, fmt.Errorf("writing artifact: %w", err)
		}
		result.ArtifactPath = path
	}

	entry := log.WithFields(logrus.Fields{
		logger.DurationMsKey: time.Since(start).Milliseconds(),
		"artifact":           result.ArtifactPath,
	})
	if result.Report != nil {
		entry = entry.WithField("test_accuracy", result.Report.Accuracy)
	}
	entry.Info("Pipeline finished")
	return result, nil
}

// loader builds features for cases. The first call on engine fits its
// scalers, so the training split must come first.
func (p *Pipeline) loader(ctx context.Context, engine *features.Engine, encoder *preprocessing.LabelEncoder, cases []dataset.Case, batchSize int, shuffle bool, seed int64) (*dataset.Loader, error) {
	if len(cases) == 0 {
		return dataset.NewLoader(nil, nil, batchSize, false, seed)
	}
	labels, err := encoder.Transform(dataset.Labels(cases))
	if err != nil {
		return nil, err
	}
	labs := dataset.LabsTable(cases, engine.Layout().LabColumns)
	if engine.Fitted() {
		labs = dataset.FittedLabsTable(cases, engine.Layout().LabColumns)
	}
	x, err := engine.Build(ctx, dataset.Notes(cases), dataset.VitalsTable(cases), labs)
	if err != nil {
		return nil, err
	}
	return dataset.NewLoader(x, labels, batchSize, shuffle, seed)
}

func floatMetrics(in map[string]interface{}) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}
