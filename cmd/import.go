package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/valkyrie-data/enrich-cli/internal/ingest"
	"github.com/valkyrie-data/enrich-cli/internal/model"
)

var (
	importConcurrency int
	importMaxAttempts int
	importFields      []string
	importStart       bool
)

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import a CSV of companies as a new enrichment job",
	Long: `Creates a pending job with one record per CSV row. The file must have a
header row with a company name column (company_name, name, or company).

Examples:
  # Import and inspect before running
  enrich-cli import leads.csv

  # Import with custom knobs and start processing immediately
  enrich-cli import leads.csv --concurrency 10 --fields industry,competitors --start`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mode := "store"
		if importStart {
			mode = "run"
		}
		if err := cfg.Validate(mode); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		jobCfg := jobConfigFromGlobal()
		if importConcurrency > 0 {
			jobCfg.Concurrency = importConcurrency
		}
		if importMaxAttempts > 0 {
			jobCfg.MaxAttempts = importMaxAttempts
		}
		if len(importFields) > 0 {
			jobCfg.Fields = importFields
		}

		im := ingest.NewImporter(st, initSink(st))
		job, err := im.ImportFile(ctx, args[0], jobCfg)
		if err != nil {
			return eris.Wrap(err, "import")
		}

		if importStart {
			if err := initScheduler(st).Run(ctx, job.ID); err != nil {
				return eris.Wrap(err, "import: run job")
			}
			job, err = st.GetJob(ctx, job.ID)
			if err != nil {
				return err
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func init() {
	importCmd.Flags().IntVar(&importConcurrency, "concurrency", 0, "worker count for this job (default from config)")
	importCmd.Flags().IntVar(&importMaxAttempts, "max-attempts", 0, "max provider attempts per record (default from config)")
	importCmd.Flags().StringSliceVar(&importFields, "fields", nil, "enrichment fields, comma-separated (default: "+strings.Join(model.DefaultFields, ",")+")")
	importCmd.Flags().BoolVar(&importStart, "start", false, "start processing immediately after import")
	rootCmd.AddCommand(importCmd)
}
