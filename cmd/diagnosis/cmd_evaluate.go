package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/diagnosis/pkg/common/database"
	"github.com/synaptica-ai/diagnosis/pkg/dataset"
	"github.com/synaptica-ai/diagnosis/pkg/observability/metrics"
	"github.com/synaptica-ai/diagnosis/pkg/pipeline"
	"github.com/synaptica-ai/diagnosis/pkg/serving"
	"github.com/synaptica-ai/diagnosis/pkg/serving/predictor"
)

var (
	modelName  string
	casesPath  string
	reportJSON bool
	logServed  bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score a saved model on labelled cases",
	RunE:  runEvaluate,
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Diagnose cases with a saved model",
	Long: `Diagnose every case of a JSON Lines file with the latest artifact of
--model and print one JSON line per case. Labels are not required. With --log
the predictions are stored in the prediction_logs table.`,
	RunE: runPredict,
}

func init() {
	for _, c := range []*cobra.Command{evaluateCmd, predictCmd} {
		c.Flags().StringVarP(&modelName, "model", "m", "medical-diagnosis", "Artifact name in TRAINING_ARTIFACT_DIR")
		c.Flags().StringVarP(&casesPath, "cases", "f", "", "JSON Lines case file")
		_ = c.MarkFlagRequired("cases")
	}
	evaluateCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the report as JSON")
	predictCmd.Flags().BoolVar(&logServed, "log", false, "Store predictions in the database")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cases, err := dataset.LoadJSONL(casesPath)
	if err != nil {
		return err
	}
	loaded, err := predictor.NewPredictor(cfg.ArtifactDir).Load(modelName)
	if err != nil {
		return err
	}
	embedder, err := pipeline.EmbedderFromConfig(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	report, err := loaded.Evaluate(cmd.Context(), embedder, cases)
	if err != nil {
		return err
	}
	metrics.ObserveAccuracy(report.Accuracy)
	if reportJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprint(cmd.OutOrStdout(), report.String())
	return nil
}

func runPredict(cmd *cobra.Command, args []string) error {
	cases, err := dataset.LoadUnlabelled(casesPath)
	if err != nil {
		return err
	}
	loaded, err := predictor.NewPredictor(cfg.ArtifactDir).Load(modelName)
	if err != nil {
		return err
	}
	embedder, err := pipeline.EmbedderFromConfig(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	var repo *serving.Repository
	if logServed {
		db, err := database.GetDB(cfg)
		if err != nil {
			return err
		}
		repo = serving.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			return err
		}
	}

	start := time.Now()
	preds, err := loaded.Diagnose(cmd.Context(), embedder, cases)
	if err != nil {
		return err
	}
	perCase := time.Since(start) / time.Duration(len(preds))

	enc := json.NewEncoder(cmd.OutOrStdout())
	for i, p := range preds {
		if repo != nil {
			if err := repo.RecordPrediction(cmd.Context(), modelName, cases[i].ID, p, perCase); err != nil {
				return err
			}
		}
		if err := enc.Encode(map[string]interface{}{
			"id":            cases[i].ID,
			"label":         p.Label,
			"confidence":    p.Confidence,
			"probabilities": p.Probabilities,
		}); err != nil {
			return err
		}
	}
	return nil
}
