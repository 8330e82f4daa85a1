// Package audit records an append-only trail of job and record lifecycle
// events. Audit writes are best effort; a failed write never fails the
// operation that produced it.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Entity types recorded in the trail.
const (
	EntityJob    = "job"
	EntityRecord = "record"
)

// Actions recorded in the trail.
const (
	ActionJobCreated      = "job_created"
	ActionJobStarted      = "job_started"
	ActionJobCompleted    = "job_completed"
	ActionJobFailed       = "job_failed"
	ActionJobCancelled    = "job_cancelled"
	ActionJobReconciled   = "job_reconciled"
	ActionJobDeleted      = "job_deleted"
	ActionRecordEnriched  = "record_enriched"
	ActionRecordFailed    = "record_failed"
	ActionRecordSkipped   = "record_skipped"
	ActionRecordsRequeued = "records_requeued"
)

// Entry is a single audit event.
type Entry struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Sink accepts audit entries.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// appender is the slice of the store the sink needs.
type appender interface {
	AppendAudit(ctx context.Context, entry Entry) error
}

// StoreSink persists entries through the store. Write failures are logged
// and swallowed so the audited operation is never blocked.
type StoreSink struct {
	store appender
}

// NewStoreSink wraps a store as a best-effort Sink.
func NewStoreSink(store appender) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Append(ctx context.Context, entry Entry) error {
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		zap.L().Warn("audit write failed",
			zap.String("entity_type", entry.EntityType),
			zap.String("entity_id", entry.EntityID),
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
	return nil
}

// NopSink discards all entries. Used when the audit trail is disabled.
type NopSink struct{}

func (NopSink) Append(context.Context, Entry) error { return nil }

// JobEvent builds a job-scoped entry.
func JobEvent(jobID, action string, details map[string]any) Entry {
	return Entry{
		EntityType: EntityJob,
		EntityID:   jobID,
		Action:     action,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
}

// RecordEvent builds a record-scoped entry.
func RecordEvent(recordID, action string, details map[string]any) Entry {
	return Entry{
		EntityType: EntityRecord,
		EntityID:   recordID,
		Action:     action,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
}
