package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var retryRun bool

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a terminal job's failed records",
	Long: `Moves failed records back to pending and returns the job to pending.
Enriched and skipped records keep their state. With --run, processing
starts immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		mode := "store"
		if retryRun {
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

		sched := initScheduler(st)
		requeued, err := sched.Retry(ctx, jobID)
		if err != nil {
			return eris.Wrap(err, "retry")
		}
		fmt.Printf("Requeued %d failed records for job %s\n", requeued, jobID)

		if retryRun {
			if err := sched.Run(ctx, jobID); err != nil {
				return eris.Wrap(err, "retry: run job")
			}
		}
		return nil
	},
}

func init() {
	retryCmd.Flags().BoolVar(&retryRun, "run", false, "start processing after the requeue")
	rootCmd.AddCommand(retryCmd)
}
