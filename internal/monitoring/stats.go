package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/valkyrie-data/enrich-cli/internal/model"
	"github.com/valkyrie-data/enrich-cli/internal/store"
)

// JobStats is a point-in-time progress report for a job.
type JobStats struct {
	Job        *model.Job         `json:"job"`
	Counts     model.StatusCounts `json:"counts"`
	Completion float64            `json:"completion_percentage"`
	Timing     *store.TimingStats `json:"timing,omitempty"`
	// EstimatedRemaining projects time to finish the pending records at the
	// observed average record duration. Nil when the job is not processing
	// or no records have finished yet.
	EstimatedRemaining *time.Duration `json:"estimated_remaining,omitempty"`
}

// JobStats assembles a progress report. Counts come from the records
// table, not the job's cached counters, so the report is accurate even
// when the counters have drifted.
func (r *Reconciler) JobStats(ctx context.Context, jobID string) (*JobStats, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: load job %s", jobID)
	}
	counts, err := r.store.CountRecordStatuses(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: count records for job %s", jobID)
	}
	timing, err := r.store.RecordTimingStats(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: timing stats for job %s", jobID)
	}

	job.RecomputeProgress(counts)
	stats := &JobStats{
		Job:        job,
		Counts:     counts,
		Completion: job.CompletionPercentage(),
		Timing:     timing,
	}
	stats.EstimatedRemaining = estimateRemaining(job, counts, timing)
	return stats, nil
}

func estimateRemaining(job *model.Job, counts model.StatusCounts, timing *store.TimingStats) *time.Duration {
	if job.Status != model.JobStatusProcessing || timing == nil || timing.Count == 0 || timing.AvgMs <= 0 {
		return nil
	}
	remaining := counts.Pending + counts.Processing
	if remaining == 0 {
		return nil
	}
	concurrency := job.Configuration.Normalize().Concurrency
	eta := time.Duration(float64(remaining)*timing.AvgMs/float64(concurrency)) * time.Millisecond
	return &eta
}
