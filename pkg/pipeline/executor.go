package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/synaptica-ai/diagnosis/pkg/common/config"
	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/training"
)

// Executor runs pipeline jobs for the training service. Run configs are
// overrides on top of a base experiment.
type Executor struct {
	pipeline *Pipeline
	base     config.Experiment
}

func NewExecutor(p *Pipeline, base config.Experiment) *Executor {
	return &Executor{pipeline: p, base: base}
}

func (e *Executor) experiment(overrides map[string]interface{}) (config.Experiment, error) {
	exp, err := e.base.Apply(overrides)
	if err != nil {
		return exp, err
	}
	if exp.Dataset == "" {
		return exp, errs.Errorf(errs.KindMissingConfiguration, "pipeline.experiment", "dataset is required")
	}
	return exp, nil
}

func (e *Executor) Validate(overrides map[string]interface{}) error {
	_, err := e.experiment(overrides)
	return err
}

func (e *Executor) Execute(ctx context.Context, run training.RunInfo) (training.Result, error) {
	exp, err := e.experiment(run.Config)
	if err != nil {
		return training.Result{}, err
	}
	if run.Name != "" {
		exp.Name = run.Name
	}
	res, err := e.pipeline.Run(ctx, exp, run)
	if err != nil {
		return training.Result{}, err
	}
	return training.Result{Metrics: res.Metrics(), ArtifactPath: res.ArtifactPath}, nil
}

// Tracker sink names accepted by Trackers.
const (
	SinkLog   = "log"
	SinkKafka = "kafka"
	SinkStore = "store"
)

// Trackers builds a factory fanning out to the named sinks. The kafka sink
// needs a publisher and the store sink a repository.
func Trackers(sinks []string, publisher training.EventPublisher, repo *training.Repository) (TrackerFactory, error) {
	var names []string
	for _, sink := range sinks {
		name := strings.ToLower(strings.TrimSpace(sink))
		switch name {
		case "":
			continue
		case SinkLog:
		case SinkKafka:
			if publisher == nil {
				return nil, errs.Errorf(errs.KindMissingConfiguration, "pipeline.trackers", "kafka sink without a producer")
			}
		case SinkStore:
			if repo == nil {
				return nil, errs.Errorf(errs.KindMissingConfiguration, "pipeline.trackers", "store sink without a database")
			}
		default:
			return nil, fmt.Errorf("unknown tracker sink %q", sink)
		}
		names = append(names, name)
	}

	return func() training.Tracker {
		if len(names) == 0 {
			return nil
		}
		multi := make(training.MultiTracker, 0, len(names))
		for _, name := range names {
			switch name {
			case SinkLog:
				multi = append(multi, training.NewLogTracker())
			case SinkKafka:
				multi = append(multi, training.NewKafkaTracker(publisher))
			case SinkStore:
				multi = append(multi, training.NewStoreTracker(repo))
			}
		}
		if len(multi) == 1 {
			return multi[0]
		}
		return multi
	}, nil
}
