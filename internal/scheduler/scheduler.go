// Package scheduler drives a job's records through enrichment with bounded
// concurrency, per-record retry, cooperative cancellation, and progress
// reconciliation.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/valkyrie-data/enrich-cli/internal/audit"
	"github.com/valkyrie-data/enrich-cli/internal/enrich"
	"github.com/valkyrie-data/enrich-cli/internal/model"
	"github.com/valkyrie-data/enrich-cli/internal/resilience"
	"github.com/valkyrie-data/enrich-cli/internal/store"
)

// Config holds process-level scheduler settings. Per-job knobs come from
// the job's stored configuration.
type Config struct {
	// ReconcileEvery refreshes the job's aggregate counters from record
	// counts after this many finished records. Zero disables periodic
	// reconciliation; the final counts are always written.
	ReconcileEvery int
	// JitterFraction feeds the retry backoff. Defaults to 0.25.
	JitterFraction float64
}

// run tracks one in-flight job execution.
type run struct {
	cancelled atomic.Bool
}

// Scheduler executes enrichment jobs against a store and an LLM client.
type Scheduler struct {
	store  store.Store
	client enrich.Client
	sink   audit.Sink
	cfg    Config

	mu     sync.Mutex
	active map[string]*run
}

// New creates a Scheduler.
func New(st store.Store, client enrich.Client, sink audit.Sink, cfg Config) *Scheduler {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = 0.25
	}
	return &Scheduler{
		store:  st,
		client: client,
		sink:   sink,
		cfg:    cfg,
		active: make(map[string]*run),
	}
}

// Run processes all pending records of a job and drives the job to a
// terminal state. A pending job is started; a processing job is resumed.
// Per-record failures never fail the job; only systemic failures
// (persistence, dispatch) do, and those leave unattempted records pending
// for a later resume.
func (s *Scheduler) Run(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "scheduler: load job %s", jobID)
	}
	cfg := job.Configuration.Normalize()

	switch job.Status {
	case model.JobStatusPending:
		now := time.Now().UTC()
		if err := s.store.MarkJobProcessing(ctx, jobID, now); err != nil {
			return eris.Wrapf(err, "scheduler: start job %s", jobID)
		}
		s.sink.Append(ctx, audit.JobEvent(jobID, audit.ActionJobStarted, map[string]any{
			"concurrency":  cfg.Concurrency,
			"max_attempts": cfg.MaxAttempts,
		}))
	case model.JobStatusProcessing:
		// Resume after an interruption. The dispatch snapshot includes
		// records stranded in processing by the interrupted run.
	default:
		return model.NewInvalidTransition("job", jobID, string(job.Status), string(model.JobStatusProcessing))
	}

	r, err := s.register(jobID)
	if err != nil {
		return err
	}
	defer s.deregister(jobID)

	ids, err := s.store.ListDispatchableRecordIDs(ctx, jobID)
	if err != nil {
		ferr := eris.Wrapf(err, "scheduler: list dispatchable records for job %s", jobID)
		s.failJob(ctx, jobID, ferr)
		return ferr
	}

	zap.L().Info("job run starting",
		zap.String("job_id", jobID),
		zap.Int("dispatchable_records", len(ids)),
		zap.Int("concurrency", cfg.Concurrency),
	)

	var (
		stop     atomic.Bool
		finished atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	for _, id := range ids {
		if r.cancelled.Load() || stop.Load() || gctx.Err() != nil {
			break
		}
		recordID := id
		g.Go(func() error {
			if r.cancelled.Load() || stop.Load() {
				return nil
			}
			if err := s.processRecord(gctx, r, cfg, recordID); err != nil {
				// Only systemic errors propagate; they halt dispatch.
				stop.Store(true)
				return err
			}
			if n := finished.Add(1); s.cfg.ReconcileEvery > 0 && n%int64(s.cfg.ReconcileEvery) == 0 {
				s.reconcile(gctx, jobID)
			}
			return nil
		})
	}

	runErr := g.Wait()
	now := time.Now().UTC()

	switch {
	case runErr != nil:
		s.failJob(ctx, jobID, runErr)
		return runErr

	case r.cancelled.Load():
		return s.finalizeCancelled(ctx, jobID, now)

	default:
		counts, err := s.store.CountRecordStatuses(ctx, jobID)
		if err != nil {
			ferr := eris.Wrapf(err, "scheduler: count records for job %s", jobID)
			s.failJob(ctx, jobID, ferr)
			return ferr
		}
		if counts.Pending > 0 || counts.Processing > 0 {
			// Every record must be terminal before the job finalizes. The
			// job stays processing so a later run can resume it.
			return eris.Errorf(
				"scheduler: job %s has non-terminal records after run (pending=%d processing=%d)",
				jobID, counts.Pending, counts.Processing,
			)
		}
		if err := s.store.MarkJobCompleted(ctx, jobID, counts, now); err != nil {
			return eris.Wrapf(err, "scheduler: complete job %s", jobID)
		}
		s.sink.Append(ctx, audit.JobEvent(jobID, audit.ActionJobCompleted, map[string]any{
			"enriched": counts.Enriched,
			"failed":   counts.Failed,
			"skipped":  counts.Skipped,
		}))
		zap.L().Info("job run completed",
			zap.String("job_id", jobID),
			zap.Int("enriched", counts.Enriched),
			zap.Int("failed", counts.Failed),
		)
		return nil
	}
}

// Cancel requests cancellation of a job. For an actively running job the
// flag is set and the run loop finalizes: in-flight records drain, pending
// records are skipped. For a job with no active run the store transition is
// applied directly.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	r, running := s.active[jobID]
	s.mu.Unlock()

	if running {
		r.cancelled.Store(true)
		zap.L().Info("job cancellation requested", zap.String("job_id", jobID))
		return nil
	}

	return s.finalizeCancelled(ctx, jobID, time.Now().UTC())
}

// Retry moves a terminal job's failed records back to pending and returns
// the job itself to pending so a subsequent Run picks them up. Enriched and
// skipped records keep their results.
func (s *Scheduler) Retry(ctx context.Context, jobID string) (int, error) {
	if s.Running(jobID) {
		return 0, eris.Errorf("scheduler: job %s already running", jobID)
	}

	requeued, err := s.store.RequeueFailedRecords(ctx, jobID)
	if err != nil {
		return 0, eris.Wrapf(err, "scheduler: requeue failed records for job %s", jobID)
	}
	if err := s.store.RequeueJob(ctx, jobID, time.Now().UTC()); err != nil {
		return requeued, eris.Wrapf(err, "scheduler: requeue job %s", jobID)
	}
	s.sink.Append(ctx, audit.JobEvent(jobID, audit.ActionRecordsRequeued, map[string]any{
		"requeued_records": requeued,
	}))
	zap.L().Info("job requeued",
		zap.String("job_id", jobID),
		zap.Int("requeued_records", requeued),
	)
	return requeued, nil
}

// Running reports whether the scheduler currently has an active run for
// the job.
func (s *Scheduler) Running(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[jobID]
	return ok
}

// processRecord drives one record to a terminal state. Provider failures
// mark the record failed and return nil; only store failures return an
// error, which the caller treats as systemic.
func (s *Scheduler) processRecord(ctx context.Context, r *run, cfg model.JobConfig, recordID string) error {
	rec, err := s.store.ClaimRecord(ctx, recordID)
	if err != nil {
		var ite *model.InvalidTransitionError
		if eris.As(err, &ite) || eris.Is(err, model.ErrNotFound) {
			// Lost the claim race or the record was removed; not ours.
			zap.L().Debug("record claim missed", zap.String("record_id", recordID), zap.Error(err))
			return nil
		}
		return model.NewSystemic(eris.Wrapf(err, "claim record %s", recordID))
	}

	attempts := 0
	retryCfg := resilience.FromRetryConfig(
		cfg.MaxAttempts, cfg.InitialBackoffMs, cfg.MaxBackoffMs,
		cfg.BackoffMultiplier, s.cfg.JitterFraction,
	)
	retryCfg.ShouldRetry = func(err error) bool {
		// A cancelled job lets in-flight records finish their current
		// attempt but not start another.
		return resilience.IsTransient(err) && !r.cancelled.Load()
	}
	retryCfg.OnRetry = resilience.RetryLogger("anthropic", "enrich")

	callTimeout := time.Duration(cfg.CallTimeoutSecs) * time.Second
	res, callErr := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*enrich.Result, error) {
		attempts++
		return s.client.Enrich(ctx, enrich.Request{
			CompanyName: recordCompanyName(rec),
			Existing:    rec.OriginalData,
			Fields:      cfg.Fields,
			Timeout:     callTimeout,
		})
	})

	now := time.Now().UTC()
	if callErr != nil {
		// Attempts already made are history whichever way the record ends.
		rec.RetryCount = attempts - 1
		if err := rec.MarkFailed(callErr.Error(), now); err != nil {
			return model.NewSystemic(err)
		}
		if err := s.store.FinishRecord(ctx, rec); err != nil {
			return model.NewSystemic(eris.Wrapf(err, "finish record %s", rec.ID))
		}
		s.sink.Append(ctx, audit.RecordEvent(rec.ID, audit.ActionRecordFailed, map[string]any{
			"job_id":   rec.JobID,
			"attempts": attempts,
			"error":    callErr.Error(),
		}))
		if err := s.store.IncrementJobProgress(ctx, rec.JobID, true); err != nil {
			return model.NewSystemic(eris.Wrapf(err, "increment progress for job %s", rec.JobID))
		}
		return nil
	}

	rec.RetryCount = attempts - 1
	s.linkCompany(ctx, rec, res.Fields, now)
	if err := rec.MarkEnriched(res.Fields, res.Raw, now); err != nil {
		return model.NewSystemic(err)
	}
	if err := s.store.FinishRecord(ctx, rec); err != nil {
		return model.NewSystemic(eris.Wrapf(err, "finish record %s", rec.ID))
	}
	s.sink.Append(ctx, audit.RecordEvent(rec.ID, audit.ActionRecordEnriched, map[string]any{
		"job_id":   rec.JobID,
		"attempts": attempts,
	}))
	if err := s.store.IncrementJobProgress(ctx, rec.JobID, false); err != nil {
		return model.NewSystemic(eris.Wrapf(err, "increment progress for job %s", rec.JobID))
	}
	return nil
}

// linkCompany resolves the record's company and folds the enrichment output
// into it. Best effort; a company failure never fails the record.
func (s *Scheduler) linkCompany(ctx context.Context, rec *model.Record, fields map[string]any, now time.Time) {
	name := recordCompanyName(rec)
	if name == "" {
		return
	}

	company, err := s.store.FindOrCreateCompany(ctx, name, recordDomain(rec))
	if err != nil {
		zap.L().Warn("company resolution failed",
			zap.String("record_id", rec.ID),
			zap.String("company", name),
			zap.Error(err),
		)
		return
	}
	rec.CompanyID = &company.ID

	company.MergeEnrichment(fields, now)
	if err := s.store.SaveCompanyEnrichment(ctx, company); err != nil {
		zap.L().Warn("company enrichment save failed",
			zap.String("company_id", company.ID),
			zap.Error(err),
		)
	}
}

// reconcile refreshes the job's aggregate counters from actual record
// counts. Best effort; the counters are corrected again at finalization.
func (s *Scheduler) reconcile(ctx context.Context, jobID string) {
	counts, err := s.store.CountRecordStatuses(ctx, jobID)
	if err != nil {
		zap.L().Warn("progress reconcile count failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := s.store.UpdateJobProgress(ctx, jobID, counts); err != nil {
		zap.L().Warn("progress reconcile update failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// finalizeCancelled moves the job to cancelled and then skips its
// remaining pending records. The job transition goes first so a rejected
// cancel leaves every record untouched.
func (s *Scheduler) finalizeCancelled(ctx context.Context, jobID string, now time.Time) error {
	if err := s.store.MarkJobCancelled(ctx, jobID, now); err != nil {
		return eris.Wrapf(err, "scheduler: cancel job %s", jobID)
	}
	skipped, err := s.store.SkipPendingRecords(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "scheduler: skip pending records for job %s", jobID)
	}
	if skipped > 0 {
		s.sink.Append(ctx, audit.JobEvent(jobID, audit.ActionRecordSkipped, map[string]any{
			"skipped_records": skipped,
		}))
	}
	s.sink.Append(ctx, audit.JobEvent(jobID, audit.ActionJobCancelled, map[string]any{
		"skipped_records": skipped,
	}))
	zap.L().Info("job cancelled",
		zap.String("job_id", jobID),
		zap.Int("skipped_records", skipped),
	)
	return nil
}

// failJob moves the job to failed after a systemic error. Records never
// attempted stay pending so a later run can resume them.
func (s *Scheduler) failJob(ctx context.Context, jobID string, cause error) {
	if err := s.store.MarkJobFailed(ctx, jobID, cause.Error(), time.Now().UTC()); err != nil {
		zap.L().Error("job failure transition failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return
	}
	s.sink.Append(ctx, audit.JobEvent(jobID, audit.ActionJobFailed, map[string]any{
		"error": cause.Error(),
	}))
	zap.L().Error("job failed", zap.String("job_id", jobID), zap.Error(cause))
}

func (s *Scheduler) register(jobID string) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[jobID]; ok {
		return nil, eris.Errorf("scheduler: job %s already running", jobID)
	}
	r := &run{}
	s.active[jobID] = r
	return r, nil
}

func (s *Scheduler) deregister(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
}

// recordCompanyName pulls the subject name out of the record's input row.
func recordCompanyName(rec *model.Record) string {
	for _, key := range []string{"company_name", "name", "company"} {
		if v := rec.OriginalData[key]; v != "" {
			return v
		}
	}
	return ""
}

// recordDomain pulls the subject domain out of the record's input row.
func recordDomain(rec *model.Record) string {
	for _, key := range []string{"domain", "website", "url"} {
		if v := rec.OriginalData[key]; v != "" {
			return v
		}
	}
	return ""
}
