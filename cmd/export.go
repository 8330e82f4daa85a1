package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/valkyrie-data/enrich-cli/internal/ingest"
)

var (
	exportOutput string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Export a job's records to a file",
	Long: `Writes every record of the job, including failed and skipped ones, to
CSV or JSON. CSV output repeats the original input columns followed by one
column per enrichment field.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		path := exportOutput
		if path == "" {
			path = fmt.Sprintf("%s.%s", jobID, exportFormat)
		}

		ex := ingest.NewExporter(st)
		if err := ex.ExportJob(ctx, jobID, path, strings.ToLower(exportFormat)); err != nil {
			return eris.Wrap(err, "export")
		}

		fmt.Printf("Exported job %s to %s\n", jobID, path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "output path (default <job-id>.<format>)")
	exportCmd.Flags().StringVar(&exportFormat, "format", ingest.FormatCSV, "output format (csv, json)")
	rootCmd.AddCommand(exportCmd)
}
