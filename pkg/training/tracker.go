package training

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
)

// RunInfo identifies a run to the trackers.
type RunInfo struct {
	ID      uuid.UUID
	Name    string
	Project string
	Config  map[string]interface{}
}

// Tracker records the metrics of a training run.
type Tracker interface {
	Init(ctx context.Context, run RunInfo) error
	Log(ctx context.Context, metrics map[string]float64, step int) error
	Finish(ctx context.Context, summary map[string]float64) error
}

// LogTracker writes metrics to the structured log.
type LogTracker struct {
	entry *logrus.Entry
}

func NewLogTracker() *LogTracker {
	return &LogTracker{entry: logger.Log.WithField(logger.ComponentKey, "tracker")}
}

func (t *LogTracker) Init(_ context.Context, run RunInfo) error {
	t.entry = logger.Log.WithFields(map[string]interface{}{
		logger.ComponentKey: "tracker",
		logger.RunIDKey:     run.ID.String(),
		"project":           run.Project,
	})
	t.entry.WithField("config", run.Config).Info("Training run started")
	return nil
}

func (t *LogTracker) Log(_ context.Context, metrics map[string]float64, step int) error {
	fields := logrus.Fields{logger.StepKey: step}
	for k, v := range metrics {
		fields[k] = v
	}
	t.entry.WithFields(fields).Debug("Metrics")
	return nil
}

func (t *LogTracker) Finish(_ context.Context, summary map[string]float64) error {
	fields := logrus.Fields{}
	for k, v := range summary {
		fields[k] = v
	}
	t.entry.WithFields(fields).Info("Training run finished")
	return nil
}

// EventPublisher is satisfied by kafka.Producer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType, source string, data map[string]interface{}) error
}

const (
	EventRunStarted  = "training.started"
	EventMetric      = "training.metric"
	EventRunFinished = "training.finished"
	eventSource      = "trainer"
)

// KafkaTracker publishes metrics as events so other services can follow runs.
type KafkaTracker struct {
	publisher EventPublisher
	run       RunInfo
}

func NewKafkaTracker(publisher EventPublisher) *KafkaTracker {
	return &KafkaTracker{publisher: publisher}
}

func (t *KafkaTracker) Init(ctx context.Context, run RunInfo) error {
	t.run = run
	return t.publisher.PublishEvent(ctx, EventRunStarted, eventSource, map[string]interface{}{
		"run_id":  run.ID.String(),
		"name":    run.Name,
		"project": run.Project,
		"config":  run.Config,
	})
}

func (t *KafkaTracker) Log(ctx context.Context, metrics map[string]float64, step int) error {
	return t.publisher.PublishEvent(ctx, EventMetric, eventSource, map[string]interface{}{
		"run_id":  t.run.ID.String(),
		"step":    step,
		"metrics": metrics,
	})
}

func (t *KafkaTracker) Finish(ctx context.Context, summary map[string]float64) error {
	return t.publisher.PublishEvent(ctx, EventRunFinished, eventSource, map[string]interface{}{
		"run_id":  t.run.ID.String(),
		"summary": summary,
	})
}

// StoreTracker persists every metric point in training_metrics.
type StoreTracker struct {
	repo  *Repository
	runID uuid.UUID
}

func NewStoreTracker(repo *Repository) *StoreTracker {
	return &StoreTracker{repo: repo}
}

func (t *StoreTracker) Init(_ context.Context, run RunInfo) error {
	t.runID = run.ID
	return nil
}

func (t *StoreTracker) Log(ctx context.Context, metrics map[string]float64, step int) error {
	now := time.Now().UTC()
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	points := make([]MetricModel, 0, len(names))
	for _, name := range names {
		points = append(points, MetricModel{RunID: t.runID, Name: name, Value: metrics[name], Step: step, CreatedAt: now})
	}
	return t.repo.AppendMetrics(ctx, points)
}

func (t *StoreTracker) Finish(ctx context.Context, summary map[string]float64) error {
	return nil
}

// MultiTracker fans out to several trackers. Every tracker is called even
// when an earlier one fails.
type MultiTracker []Tracker

func (m MultiTracker) Init(ctx context.Context, run RunInfo) error {
	var errList []error
	for _, t := range m {
		errList = append(errList, t.Init(ctx, run))
	}
	return errors.Join(errList...)
}

func (m MultiTracker) Log(ctx context.Context, metrics map[string]float64, step int) error {
	var errList []error
	for _, t := range m {
		errList = append(errList, t.Log(ctx, metrics, step))
	}
	return errors.Join(errList...)
}

func (m MultiTracker) Finish(ctx context.Context, summary map[string]float64) error {
	var errList []error
	for _, t := range m {
		errList = append(errList, t.Finish(ctx, summary))
	}
	return errors.Join(errList...)
}
