package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/diagnosis/pkg/common/database"
	"github.com/synaptica-ai/diagnosis/pkg/common/httpclient"
	"github.com/synaptica-ai/diagnosis/pkg/ingestion"
)

var (
	ingestMaxRecords int
	ingestCatalog    bool
	ingestVitals     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [database]",
	Short: "Download and decode records from the archive",
	Long: `Download WFDB records listed in the archive's RECORDS file into DATA_DIR.
Files already on disk are not fetched again. Failures of single records are
reported and do not stop the download.

With --vitals each decoded record is summarised into the six vitals as one
JSON line.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().IntVar(&ingestMaxRecords, "max-records", -1, "Fetch at most this many records (default INGEST_MAX_RECORDS)")
	ingestCmd.Flags().BoolVar(&ingestCatalog, "catalog", false, "Record every fetched record in the ingestion catalog")
	ingestCmd.Flags().BoolVar(&ingestVitals, "vitals", false, "Print a vitals summary per record")
}

func runIngest(cmd *cobra.Command, args []string) error {
	db := cfg.ArchiveDatabase
	if len(args) == 1 {
		db = args[0]
	}
	limit := cfg.IngestMaxRecords
	if ingestMaxRecords >= 0 {
		limit = ingestMaxRecords
	}

	archive := ingestion.NewArchive(cfg.ArchiveBaseURL, cfg.ArchiveVersion, cfg.DataDir, httpclient.New(cfg.HTTPTimeout), cfg.HTTPAttempts)
	opts := []ingestion.Option{ingestion.WithMaxRecords(limit)}
	if ingestCatalog {
		gdb, err := database.GetDB(cfg)
		if err != nil {
			return err
		}
		catalog := ingestion.NewCatalog(gdb)
		if err := catalog.AutoMigrate(); err != nil {
			return err
		}
		opts = append(opts, ingestion.WithCatalog(catalog))
	}

	outcome := ingestion.NewService(archive, opts...).Fetch(cmd.Context(), db)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d records, %d failures (%s)\n", db, len(outcome.Records), len(outcome.Failures), outcome.Status())
	for _, f := range outcome.Failures {
		fmt.Fprintf(out, "  %s: %s: %v\n", f.Record, f.Kind, f.Err)
	}

	if ingestVitals {
		enc := json.NewEncoder(out)
		for _, name := range outcome.Names() {
			vitals, err := ingestion.VitalsFromRecord(outcome.Records[name])
			line := map[string]interface{}{"record": name, "vitals": vitals}
			if err != nil {
				line["error"] = err.Error()
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
	}

	if outcome.Status() == ingestion.OutcomeFailed {
		return exitError{code: 1}
	}
	return nil
}
