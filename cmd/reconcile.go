package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/valkyrie-data/enrich-cli/internal/monitoring"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [job-id]",
	Short: "Rebuild job counters from record states",
	Long: `Recounts a job's records and rewrites its aggregate counters. Record
states are the source of truth; this repairs counters that drifted after a
crash. Without a job id, every processing job is reconciled.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec := monitoring.NewReconciler(st, initSink(st), 0)

		if len(args) == 1 {
			counts, err := rec.ReconcileJob(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "reconcile")
			}
			fmt.Printf("Job %s: %d pending, %d processing, %d enriched, %d failed, %d skipped\n",
				args[0], counts.Pending, counts.Processing, counts.Enriched, counts.Failed, counts.Skipped)
			return nil
		}

		n, err := rec.ReconcileActive(ctx)
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}
		fmt.Printf("Reconciled %d processing jobs\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
