// Package store provides persistence for jobs, records, companies, and the
// audit trail, backed by PostgreSQL or SQLite.
package store

import (
	"context"
	"time"

	"github.com/valkyrie-data/enrich-cli/internal/audit"
	"github.com/valkyrie-data/enrich-cli/internal/model"
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// RecordFilter specifies criteria for listing a job's records.
type RecordFilter struct {
	Status model.RecordStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

// TimingStats aggregates per-record processing durations for a job.
type TimingStats struct {
	Count int     `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	MinMs int64   `json:"min_ms"`
	MaxMs int64   `json:"max_ms"`
}

// Store defines the persistence interface for the enrichment engine.
//
// Status-changing methods are guarded: they only apply when the row is in
// the expected prior state, so concurrent workers cannot double-claim a
// record or resurrect a terminal job. A guard miss surfaces as
// model.ErrNotFound or *model.InvalidTransitionError.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, inputFile string, cfg model.JobConfig, metadata map[string]any) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	MarkJobProcessing(ctx context.Context, jobID string, now time.Time) error
	MarkJobCompleted(ctx context.Context, jobID string, counts model.StatusCounts, now time.Time) error
	MarkJobFailed(ctx context.Context, jobID, reason string, now time.Time) error
	MarkJobCancelled(ctx context.Context, jobID string, now time.Time) error
	RequeueJob(ctx context.Context, jobID string, now time.Time) error
	UpdateJobProgress(ctx context.Context, jobID string, counts model.StatusCounts) error
	IncrementJobProgress(ctx context.Context, jobID string, failed bool) error
	SetJobOutputFile(ctx context.Context, jobID, path string) error
	DeleteJob(ctx context.Context, jobID string) error

	// Records
	CreateRecords(ctx context.Context, records []model.Record) (int, error)
	GetRecord(ctx context.Context, recordID string) (*model.Record, error)
	ListRecords(ctx context.Context, jobID string, filter RecordFilter) ([]model.Record, error)
	ListDispatchableRecordIDs(ctx context.Context, jobID string) ([]string, error)
	ClaimRecord(ctx context.Context, recordID string) (*model.Record, error)
	FinishRecord(ctx context.Context, rec *model.Record) error
	SkipPendingRecords(ctx context.Context, jobID string) (int, error)
	RequeueFailedRecords(ctx context.Context, jobID string) (int, error)
	CountRecordStatuses(ctx context.Context, jobID string) (model.StatusCounts, error)
	RecordTimingStats(ctx context.Context, jobID string) (*TimingStats, error)

	// Companies
	UpsertCompanies(ctx context.Context, companies []model.Company) (int, error)
	FindOrCreateCompany(ctx context.Context, name, domain string) (*model.Company, error)
	SaveCompanyEnrichment(ctx context.Context, company *model.Company) error

	// Audit trail
	AppendAudit(ctx context.Context, entry audit.Entry) error
	ListAudit(ctx context.Context, entityID string, limit int) ([]audit.Entry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
