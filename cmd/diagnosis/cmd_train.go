package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/synaptica-ai/diagnosis/pkg/common/config"
	"github.com/synaptica-ai/diagnosis/pkg/common/database"
	"github.com/synaptica-ai/diagnosis/pkg/common/kafka"
	"github.com/synaptica-ai/diagnosis/pkg/pipeline"
	"github.com/synaptica-ai/diagnosis/pkg/training"
)

var (
	trainConfig    string
	trainDataset   string
	trainOverrides []string
	trainSinks     []string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the diagnosis model on a case file",
	Long: `Train the model described by an experiment file (EXPERIMENT_CONFIG by
default) on a JSON Lines case file. Individual settings can be overridden
with --set key=value. Metrics go to the sinks in TRACKER_SINKS (log, kafka,
store).`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVarP(&trainConfig, "config", "c", "", "Experiment YAML file")
	trainCmd.Flags().StringVarP(&trainDataset, "dataset", "d", "", "JSON Lines case file")
	trainCmd.Flags().StringArrayVar(&trainOverrides, "set", nil, "Experiment override as key=value (repeatable)")
	trainCmd.Flags().StringSliceVar(&trainSinks, "tracker", nil, "Tracker sinks, overrides TRACKER_SINKS")
}

func loadExperiment() (config.Experiment, error) {
	path := trainConfig
	if path == "" {
		path = cfg.ExperimentPath
	}
	exp, err := config.LoadExperiment(path)
	if err != nil {
		return exp, err
	}
	overrides := map[string]interface{}{}
	for _, kv := range trainOverrides {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return exp, fmt.Errorf("override %q is not key=value", kv)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "lab_columns" {
			overrides[key] = strings.Split(value, ",")
			continue
		}
		overrides[key] = value
	}
	if trainDataset != "" {
		overrides["dataset"] = trainDataset
	}
	return exp.Apply(overrides)
}

// newPipeline wires the configured embedder, scrubber and tracker sinks. The
// returned func releases the Kafka producer.
func newPipeline(ctx context.Context, sinks []string) (*pipeline.Pipeline, func(), error) {
	embedder, err := pipeline.EmbedderFromConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	scrubber, err := pipeline.ScrubberFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	var publisher training.EventPublisher
	var repo *training.Repository
	for _, sink := range sinks {
		switch strings.ToLower(strings.TrimSpace(sink)) {
		case pipeline.SinkKafka:
			if publisher == nil {
				producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaMetricsTopic)
				publisher = producer
				cleanup = func() { _ = producer.Close() }
			}
		case pipeline.SinkStore:
			if repo == nil {
				db, err := database.GetDB(cfg)
				if err != nil {
					cleanup()
					return nil, nil, err
				}
				repo = training.NewRepository(db)
				if err := repo.AutoMigrate(); err != nil {
					cleanup()
					return nil, nil, err
				}
			}
		}
	}
	trackers, err := pipeline.Trackers(sinks, publisher, repo)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return pipeline.New(embedder, cfg.ArtifactDir, pipeline.WithScrubber(scrubber), pipeline.WithTrackers(trackers)), cleanup, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	exp, err := loadExperiment()
	if err != nil {
		return err
	}
	sinks := cfg.TrackerSinks
	if len(trainSinks) > 0 {
		sinks = trainSinks
	}
	p, cleanup, err := newPipeline(cmd.Context(), sinks)
	if err != nil {
		return err
	}
	defer cleanup()

	run := training.RunInfo{ID: uuid.New(), Name: exp.Name, Project: cfg.TrackingProject, Config: exp.Map()}
	res, err := p.Run(cmd.Context(), exp, run)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d epochs, %d steps\n", run.ID, res.Summary.Epochs, res.Summary.Steps)
	for _, e := range res.Summary.History {
		line := fmt.Sprintf("  epoch %d  train_loss %.4f", e.Epoch, e.TrainLoss)
		if e.Validated {
			line += fmt.Sprintf("  val_loss %.4f  val_accuracy %.4f", e.ValLoss, e.ValAccuracy)
		}
		fmt.Fprintln(out, line)
	}
	if res.Report != nil {
		fmt.Fprintln(out)
		fmt.Fprint(out, res.Report.String())
	}
	if res.ArtifactPath != "" {
		fmt.Fprintf(out, "\nartifact: %s\n", res.ArtifactPath)
	}
	return nil
}
