package model

import (
	"time"
)

// RecordStatus is the lifecycle status of a single record.
type RecordStatus string

const (
	RecordStatusPending    RecordStatus = "pending"
	RecordStatusProcessing RecordStatus = "processing"
	RecordStatusEnriched   RecordStatus = "enriched"
	RecordStatusFailed     RecordStatus = "failed"
	RecordStatusSkipped    RecordStatus = "skipped"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s RecordStatus) Terminal() bool {
	switch s {
	case RecordStatusEnriched, RecordStatusFailed, RecordStatusSkipped:
		return true
	}
	return false
}

// Record is one input row of a job plus its enrichment outcome.
//
// Transitions: pending -> processing -> {enriched, failed};
// pending -> skipped; failed -> pending (operator re-queue only).
// All mutation goes through the transition methods below, which enforce
// preconditions and fail fast with InvalidTransitionError.
type Record struct {
	ID        string       `json:"id" db:"id"`
	JobID     string       `json:"job_id" db:"job_id"`
	CompanyID *string      `json:"company_id,omitempty" db:"company_id"`
	Status    RecordStatus `json:"status" db:"status"`

	// OriginalData is the raw input row; EnrichedData stays empty until the
	// record reaches the enriched state.
	OriginalData map[string]string `json:"original_data" db:"original_data"`
	EnrichedData map[string]any    `json:"enriched_data,omitempty" db:"enriched_data"`

	// LLMResponse keeps the last raw provider response for audit and debug.
	LLMResponse string `json:"llm_response,omitempty" db:"llm_response"`

	RetryCount   int    `json:"retry_count" db:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	ProcessedAt      *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	ProcessingTimeMs *int64     `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Begin claims the record for processing. Requires pending; a record already
// in processing is a no-op so an interrupted run can resume its claims.
func (r *Record) Begin() error {
	switch r.Status {
	case RecordStatusPending:
		r.Status = RecordStatusProcessing
		return nil
	case RecordStatusProcessing:
		return nil
	default:
		return NewInvalidTransition("record", r.ID, string(r.Status), string(RecordStatusProcessing))
	}
}

// MarkEnriched completes the record successfully, storing the normalized
// field map and the raw provider response, and stamping processing time
// measured from record creation.
func (r *Record) MarkEnriched(fields map[string]any, rawResponse string, now time.Time) error {
	if r.Status != RecordStatusProcessing {
		return NewInvalidTransition("record", r.ID, string(r.Status), string(RecordStatusEnriched))
	}
	r.Status = RecordStatusEnriched
	r.EnrichedData = fields
	r.LLMResponse = rawResponse
	r.ErrorMessage = ""
	r.ProcessedAt = &now
	elapsed := now.Sub(r.CreatedAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	r.ProcessingTimeMs = &elapsed
	return nil
}

// MarkFailed completes the record unsuccessfully, recording the failure
// reason and counting the attempt.
func (r *Record) MarkFailed(reason string, now time.Time) error {
	if r.Status != RecordStatusProcessing {
		return NewInvalidTransition("record", r.ID, string(r.Status), string(RecordStatusFailed))
	}
	r.Status = RecordStatusFailed
	r.ErrorMessage = reason
	r.RetryCount++
	r.ProcessedAt = &now
	return nil
}

// Skip marks a never-attempted record as skipped. Requires pending; used
// when the owning job is cancelled or the record is explicitly skipped.
func (r *Record) Skip() error {
	if r.Status != RecordStatusPending {
		return NewInvalidTransition("record", r.ID, string(r.Status), string(RecordStatusSkipped))
	}
	r.Status = RecordStatusSkipped
	return nil
}

// Requeue resets a failed record to pending for another run. Operator
// initiated; the automatic retry loop never calls this. RetryCount is kept
// as history, the error message is cleared to hold the failed-only
// invariant.
func (r *Record) Requeue() error {
	if r.Status != RecordStatusFailed {
		return NewInvalidTransition("record", r.ID, string(r.Status), string(RecordStatusPending))
	}
	r.Status = RecordStatusPending
	r.ErrorMessage = ""
	r.ProcessedAt = nil
	r.ProcessingTimeMs = nil
	return nil
}
