package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/valkyrie-data/enrich-cli/internal/audit"
	"github.com/valkyrie-data/enrich-cli/internal/ingest"
	"github.com/valkyrie-data/enrich-cli/internal/model"
	"github.com/valkyrie-data/enrich-cli/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect enrichment jobs",
	Long:  "Commands for listing, viewing, and deleting enrichment jobs.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		output, _ := cmd.Flags().GetString("output")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		switch output {
		case "csv":
			return ingest.WriteJobsCSV(os.Stdout, jobs)
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(jobs)
		default:
			formatJobsList(os.Stdout, jobs)
			return nil
		}
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- jobs records --

var jobsRecordsCmd = &cobra.Command{
	Use:   "records <job-id>",
	Short: "List a job's records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		records, err := st.ListRecords(ctx, args[0], store.RecordFilter{
			Status: model.RecordStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs records")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	},
}

// -- jobs delete --

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and all of its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeleteJob(ctx, args[0]); err != nil {
			return eris.Wrap(err, "jobs delete")
		}
		initSink(st).Append(ctx, audit.JobEvent(args[0], audit.ActionJobDeleted, nil))

		fmt.Printf("Deleted job %s\n", args[0])
		return nil
	},
}

func formatJobsList(w io.Writer, jobs []model.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tINPUT\tRECORDS\tDONE\tERRORS\tPROGRESS\tCREATED")
	for i := range jobs {
		job := &jobs[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%.1f%%\t%s\n",
			job.ID,
			job.Status,
			job.InputFile,
			job.TotalRecords,
			job.ProcessedRecords,
			job.ErrorCount,
			job.CompletionPercentage(),
			job.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	tw.Flush()
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed, cancelled)")
	jobsListCmd.Flags().Int("limit", 50, "max jobs to list")
	jobsListCmd.Flags().String("output", "table", "output format (table, json, csv)")
	jobsRecordsCmd.Flags().String("status", "", "filter by record status (pending, processing, enriched, failed, skipped)")
	jobsRecordsCmd.Flags().Int("limit", 0, "max records to list")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsRecordsCmd, jobsDeleteCmd)
	rootCmd.AddCommand(jobsCmd)
}
