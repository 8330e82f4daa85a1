// Package monitoring derives job health from record state: counter
// reconciliation and progress statistics.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/valkyrie-data/enrich-cli/internal/audit"
	"github.com/valkyrie-data/enrich-cli/internal/model"
	"github.com/valkyrie-data/enrich-cli/internal/store"
)

// Reconciler recomputes a job's aggregate counters from its records.
// Record states are the source of truth; job counters are a cache that can
// drift after a crash or a missed increment.
type Reconciler struct {
	store    store.Store
	sink     audit.Sink
	interval time.Duration
}

// NewReconciler creates a Reconciler. A zero interval disables the
// background loop; one-shot reconciliation still works.
func NewReconciler(st store.Store, sink audit.Sink, interval time.Duration) *Reconciler {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Reconciler{store: st, sink: sink, interval: interval}
}

// ReconcileJob recounts the job's records and rewrites its counters.
// Reconciling an already-consistent job is a no-op apart from the read, so
// repeated calls converge on the same state.
func (r *Reconciler) ReconcileJob(ctx context.Context, jobID string) (model.StatusCounts, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return model.StatusCounts{}, eris.Wrapf(err, "monitoring: load job %s", jobID)
	}
	counts, err := r.store.CountRecordStatuses(ctx, jobID)
	if err != nil {
		return counts, eris.Wrapf(err, "monitoring: count records for job %s", jobID)
	}

	processedDrift := counts.Terminal() - job.ProcessedRecords
	errorDrift := counts.Failed - job.ErrorCount
	if processedDrift == 0 && errorDrift == 0 {
		return counts, nil
	}

	if err := r.store.UpdateJobProgress(ctx, jobID, counts); err != nil {
		return counts, eris.Wrapf(err, "monitoring: update progress for job %s", jobID)
	}
	r.sink.Append(ctx, audit.JobEvent(jobID, audit.ActionJobReconciled, map[string]any{
		"processed_drift": processedDrift,
		"error_drift":     errorDrift,
	}))
	zap.L().Info("job counters reconciled",
		zap.String("job_id", jobID),
		zap.Int("processed_drift", processedDrift),
		zap.Int("error_drift", errorDrift),
	)
	return counts, nil
}

// ReconcileActive reconciles every job currently in processing. Returns the
// number of jobs whose counters were checked.
func (r *Reconciler) ReconcileActive(ctx context.Context) (int, error) {
	jobs, err := r.store.ListJobs(ctx, store.JobFilter{Status: model.JobStatusProcessing})
	if err != nil {
		return 0, eris.Wrap(err, "monitoring: list processing jobs")
	}
	for _, job := range jobs {
		if _, err := r.ReconcileJob(ctx, job.ID); err != nil {
			zap.L().Warn("reconcile failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return len(jobs), nil
}

// Run reconciles active jobs on the configured interval until the context
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return eris.New("monitoring: reconcile interval not set")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReconcileActive(ctx); err != nil {
				zap.L().Warn("reconcile sweep failed", zap.Error(err))
			}
		}
	}
}
