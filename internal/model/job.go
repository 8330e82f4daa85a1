package model

import (
	"time"
)

// JobStatus is the lifecycle status of an enrichment job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether s is a sink state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobConfig is the immutable per-job configuration consumed by the
// scheduler at start time.
type JobConfig struct {
	Concurrency       int      `json:"concurrency,omitempty"`
	MaxAttempts       int      `json:"max_attempts,omitempty"`
	InitialBackoffMs  int      `json:"initial_backoff_ms,omitempty"`
	MaxBackoffMs      int      `json:"max_backoff_ms,omitempty"`
	BackoffMultiplier float64  `json:"backoff_multiplier,omitempty"`
	CallTimeoutSecs   int      `json:"call_timeout_secs,omitempty"`
	Fields            []string `json:"fields,omitempty"`
}

// DefaultFields is the enrichment field set used when a job does not name
// its own.
var DefaultFields = []string{
	"industry",
	"employee_count",
	"revenue_range",
	"headquarters_location",
	"company_description",
	"key_products_services",
	"target_market",
	"competitors",
}

// DefaultJobConfig returns the scheduler defaults applied when a job is
// created without explicit configuration.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Concurrency:       5,
		MaxAttempts:       3,
		InitialBackoffMs:  1000,
		MaxBackoffMs:      30000,
		BackoffMultiplier: 2.0,
		CallTimeoutSecs:   60,
		Fields:            DefaultFields,
	}
}

// Normalize fills zero-valued knobs from the defaults so stored configs
// from older jobs stay runnable.
func (c JobConfig) Normalize() JobConfig {
	def := DefaultJobConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoffMs <= 0 {
		c.InitialBackoffMs = def.InitialBackoffMs
	}
	if c.MaxBackoffMs <= 0 {
		c.MaxBackoffMs = def.MaxBackoffMs
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.CallTimeoutSecs <= 0 {
		c.CallTimeoutSecs = def.CallTimeoutSecs
	}
	if len(c.Fields) == 0 {
		c.Fields = append([]string(nil), def.Fields...)
	}
	return c
}

// StatusCounts tallies a job's records by status.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Enriched   int `json:"enriched"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Terminal returns the number of records in a terminal state.
func (c StatusCounts) Terminal() int {
	return c.Enriched + c.Failed + c.Skipped
}

// Total returns the total number of records counted.
func (c StatusCounts) Total() int {
	return c.Pending + c.Processing + c.Terminal()
}

// Job is a batch of records submitted together for enrichment.
//
// Transitions: pending -> processing -> {completed, failed, cancelled}.
// Aggregate counters are always derivable from record states; the
// transition methods below are the only mutation path.
type Job struct {
	ID     string    `json:"id" db:"id"`
	Status JobStatus `json:"status" db:"status"`

	InputFile  string `json:"input_file" db:"input_file"`
	OutputFile string `json:"output_file,omitempty" db:"output_file"`

	TotalRecords     int `json:"total_records" db:"total_records"`
	ProcessedRecords int `json:"processed_records" db:"processed_records"`
	ErrorCount       int `json:"error_count" db:"error_count"`

	// ErrorMessage carries a top-level error only when a systemic failure
	// moved the job to failed.
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	Configuration JobConfig      `json:"configuration" db:"configuration"`
	Metadata      map[string]any `json:"metadata,omitempty" db:"metadata"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Start moves the job into processing. Requires pending. StartedAt is
// stamped only once so a resumed job keeps its original start time.
func (j *Job) Start(now time.Time) error {
	if j.Status != JobStatusPending {
		return NewInvalidTransition("job", j.ID, string(j.Status), string(JobStatusProcessing))
	}
	j.Status = JobStatusProcessing
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	return nil
}

// RecomputeProgress derives the aggregate counters from record counts.
// Pure bookkeeping; it never decides terminality.
func (j *Job) RecomputeProgress(counts StatusCounts) {
	j.ProcessedRecords = counts.Terminal()
	j.ErrorCount = counts.Failed
}

// Finalize completes the job once every record has reached a terminal
// state. Per-record failures do not fail the job; they are reported through
// ErrorCount. Requires processing.
func (j *Job) Finalize(counts StatusCounts, now time.Time) error {
	if j.Status != JobStatusProcessing {
		return NewInvalidTransition("job", j.ID, string(j.Status), string(JobStatusCompleted))
	}
	j.RecomputeProgress(counts)
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	return nil
}

// Fail moves the job to failed with a top-level error. Only systemic
// failures (persistence, dispatch infrastructure) take this path; records
// not yet attempted stay pending for a future run.
func (j *Job) Fail(reason string, now time.Time) error {
	if j.Status.Terminal() {
		return NewInvalidTransition("job", j.ID, string(j.Status), string(JobStatusFailed))
	}
	j.Status = JobStatusFailed
	j.ErrorMessage = reason
	j.CompletedAt = &now
	return nil
}

// Cancel moves the job to cancelled. Requires pending or processing. The
// caller is responsible for skipping the job's still-pending records.
func (j *Job) Cancel(now time.Time) error {
	if j.Status.Terminal() {
		return NewInvalidTransition("job", j.ID, string(j.Status), string(JobStatusCancelled))
	}
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	return nil
}

// CompletionPercentage returns processed/total as a percentage, 0 for an
// empty job.
func (j *Job) CompletionPercentage() float64 {
	if j.TotalRecords == 0 {
		return 0
	}
	return float64(j.ProcessedRecords) / float64(j.TotalRecords) * 100
}

// ProcessingTime returns the wall time spent processing, zero until the job
// starts. For a running job the duration is measured against now.
func (j *Job) ProcessingTime(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}
