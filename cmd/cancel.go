package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/valkyrie-data/enrich-cli/internal/audit"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or processing job",
	Long:  "Moves the job to cancelled and skips its remaining pending records. Records already enriched keep their results.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		// The guarded job transition goes first; a rejected cancel must
		// leave the records untouched.
		now := time.Now().UTC()
		if err := st.MarkJobCancelled(ctx, jobID, now); err != nil {
			return eris.Wrap(err, "cancel")
		}
		skipped, err := st.SkipPendingRecords(ctx, jobID)
		if err != nil {
			return eris.Wrap(err, "cancel")
		}
		sink := initSink(st)
		if skipped > 0 {
			sink.Append(ctx, audit.JobEvent(jobID, audit.ActionRecordSkipped, map[string]any{
				"skipped_records": skipped,
			}))
		}
		sink.Append(ctx, audit.JobEvent(jobID, audit.ActionJobCancelled, map[string]any{
			"skipped_records": skipped,
		}))

		fmt.Printf("Cancelled job %s (%d records skipped)\n", jobID, skipped)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
