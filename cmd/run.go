package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"golang.org/x/sync/errgroup"
)

var runAll bool

var runCmd = &cobra.Command{
	Use:   "run [job-id...]",
	Short: "Process pending records of one or more jobs",
	Long: `Runs the enrichment scheduler for the given jobs. Pending jobs are
started; interrupted processing jobs are resumed. Ctrl-C cancels cleanly:
in-flight provider calls drain and remaining records are skipped.

Examples:
  enrich-cli run 4f6b2c1e-...
  enrich-cli run --all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !runAll {
			return eris.New("run: provide at least one job id or --all")
		}
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		jobIDs := args
		if runAll {
			jobIDs, err = pendingJobIDs(ctx, st)
			if err != nil {
				return err
			}
			if len(jobIDs) == 0 {
				zap.L().Info("no pending jobs")
				return nil
			}
		}

		sched := initScheduler(st)

		// On interrupt, cancel every job instead of abandoning it mid-flight.
		go func() {
			<-ctx.Done()
			for _, id := range jobIDs {
				if sched.Running(id) {
					_ = sched.Cancel(cmd.Context(), id)
				}
			}
		}()

		g := new(errgroup.Group)
		for _, id := range jobIDs {
			jobID := id
			g.Go(func() error {
				if err := sched.Run(cmd.Context(), jobID); err != nil {
					zap.L().Error("job run failed", zap.String("job_id", jobID), zap.Error(err))
					return err
				}
				return nil
			})
		}
		runErr := g.Wait()

		// Report final state for each job.
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, id := range jobIDs {
			job, err := st.GetJob(cmd.Context(), id)
			if err != nil {
				continue
			}
			if err := enc.Encode(job); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().BoolVar(&runAll, "all", false, "run every pending job")
	rootCmd.AddCommand(runCmd)
}
