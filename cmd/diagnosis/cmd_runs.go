package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/synaptica-ai/diagnosis/pkg/common/database"
	"github.com/synaptica-ai/diagnosis/pkg/common/httpclient"
	"github.com/synaptica-ai/diagnosis/pkg/common/kafka"
	"github.com/synaptica-ai/diagnosis/pkg/common/models"
	"github.com/synaptica-ai/diagnosis/pkg/servicecheck"
	"github.com/synaptica-ai/diagnosis/pkg/training"
)

var checkServicesCmd = &cobra.Command{
	Use:   "check-services",
	Short: "Verify the OpenAI, Pinecone and W&B credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		checkCfg := servicecheck.FromProcess(cfg)
		client := httpclient.New(cfg.ProbeTimeout)
		report := servicecheck.NewChecker(checkCfg, servicecheck.DefaultProbes(checkCfg, client)).Check(cmd.Context())
		report.Write(cmd.OutOrStdout())
		if !report.OK {
			return exitError{code: 1}
		}
		return nil
	},
}

var (
	runsLimit  int
	runsFilter string
	runsMetric string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect training runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent training runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := runRepository()
		if err != nil {
			return err
		}
		runs, err := repo.List(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCREATED\tARTIFACT")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Status, r.CreatedAt.Format("2006-01-02 15:04"), r.ArtifactPath)
		}
		return w.Flush()
	},
}

var runsMetricsCmd = &cobra.Command{
	Use:   "metrics <run-id>",
	Short: "Print the tracked metric points of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid run id: %w", err)
		}
		repo, err := runRepository()
		if err != nil {
			return err
		}
		points, err := repo.Metrics(cmd.Context(), id, runsMetric)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tNAME\tVALUE")
		for _, p := range points {
			fmt.Fprintf(w, "%d\t%s\t%.6f\n", p.Step, p.Name, p.Value)
		}
		return w.Flush()
	},
}

var runsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow training events published by the kafka tracker",
	Long: `Consume the metrics topic (KAFKA_METRICS_TOPIC) and print each training
event as a JSON line until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaMetricsTopic, cfg.KafkaGroupID)
		defer consumer.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		err := consumer.Consume(cmd.Context(), func(ctx context.Context, event models.Event) error {
			if runsFilter != "" && fmt.Sprint(event.Data["run_id"]) != runsFilter {
				return nil
			}
			return enc.Encode(event)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs")
	runsMetricsCmd.Flags().StringVar(&runsMetric, "name", "", "Only this metric")
	runsTailCmd.Flags().StringVar(&runsFilter, "run", "", "Only events of this run id")
	runsCmd.AddCommand(runsListCmd, runsMetricsCmd, runsTailCmd)
}

func runRepository() (*training.Repository, error) {
	db, err := database.GetDB(cfg)
	if err != nil {
		return nil, err
	}
	repo := training.NewRepository(db)
	return repo, repo.AutoMigrate()
}
