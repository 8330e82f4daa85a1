package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/valkyrie-data/enrich-cli/internal/audit"
	"github.com/valkyrie-data/enrich-cli/internal/db"
	"github.com/valkyrie-data/enrich-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations.
var preparedStatements = map[string]string{
	"get_job":        `SELECT id, status, input_file, output_file, total_records, processed_records, error_count, error_message, configuration, metadata, created_at, updated_at, started_at, completed_at FROM jobs WHERE id = $1`,
	"claim_record":   `UPDATE records SET status = 'processing', updated_at = $2 WHERE id = $1 AND status IN ('pending', 'processing') RETURNING id, job_id, company_id, status, original_data, enriched_data, llm_response, retry_count, error_message, processed_at, processing_time_ms, created_at, updated_at`,
	"count_statuses": `SELECT status, count(*) FROM records WHERE job_id = $1 GROUP BY status`,
	"incr_progress":  `UPDATE jobs SET processed_records = processed_records + 1, error_count = error_count + $2, updated_at = $3 WHERE id = $1`,
	"append_audit":   `INSERT INTO audit_log (id, entity_type, entity_id, action, details, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, mainly for tests.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	domain                TEXT,
	industry              TEXT NOT NULL DEFAULT '',
	employee_count        INTEGER,
	revenue_range         TEXT NOT NULL DEFAULT '',
	headquarters_location TEXT NOT NULL DEFAULT '',
	enrichment_data       JSONB,
	metadata              JSONB,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_enriched_at      TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_companies_domain ON companies(domain) WHERE domain <> '';
CREATE INDEX IF NOT EXISTS idx_companies_name ON companies(lower(name));

CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL DEFAULT 'pending',
	input_file        TEXT NOT NULL,
	output_file       TEXT NOT NULL DEFAULT '',
	total_records     INTEGER NOT NULL DEFAULT 0,
	processed_records INTEGER NOT NULL DEFAULT 0,
	error_count       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	configuration     JSONB NOT NULL,
	metadata          JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);

CREATE TABLE IF NOT EXISTS records (
	id                 TEXT PRIMARY KEY,
	job_id             TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	company_id         TEXT REFERENCES companies(id),
	status             TEXT NOT NULL DEFAULT 'pending',
	original_data      JSONB NOT NULL,
	enriched_data      JSONB,
	llm_response       TEXT NOT NULL DEFAULT '',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	processed_at       TIMESTAMPTZ,
	processing_time_ms BIGINT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_records_job_id ON records(job_id);
CREATE INDEX IF NOT EXISTS idx_records_job_status ON records(job_id, status);
CREATE INDEX IF NOT EXISTS idx_records_company_id ON records(company_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	details     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id, created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const jobColumns = `id, status, input_file, output_file, total_records, processed_records, error_count, error_message, configuration, metadata, created_at, updated_at, started_at, completed_at`

func (s *PostgresStore) CreateJob(ctx context.Context, inputFile string, cfg model.JobConfig, metadata map[string]any) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	cfg = cfg.Normalize()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal configuration")
	}
	metaJSON, err := marshalMap(metadata)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal metadata")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, input_file, configuration, metadata, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, string(model.JobStatusPending), inputFile, cfgJSON, metaJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	return &model.Job{
		ID:            id,
		Status:        model.JobStatusPending,
		InputFile:     inputFile,
		Configuration: cfg,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: job %s", jobID)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) MarkJobProcessing(ctx context.Context, jobID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'processing', started_at = COALESCE(started_at, $2), updated_at = $2 WHERE id = $1 AND status = 'pending'`,
		jobID, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job processing %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.jobGuardError(ctx, jobID, model.JobStatusProcessing)
	}
	return nil
}

func (s *PostgresStore) MarkJobCompleted(ctx context.Context, jobID string, counts model.StatusCounts, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', processed_records = $2, error_count = $3, completed_at = $4, updated_at = $4 WHERE id = $1 AND status = 'processing'`,
		jobID, counts.Terminal(), counts.Failed, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job completed %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.jobGuardError(ctx, jobID, model.JobStatusCompleted)
	}
	return nil
}

func (s *PostgresStore) MarkJobFailed(ctx context.Context, jobID, reason string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3 WHERE id = $1 AND status IN ('pending', 'processing')`,
		jobID, reason, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job failed %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.jobGuardError(ctx, jobID, model.JobStatusFailed)
	}
	return nil
}

func (s *PostgresStore) MarkJobCancelled(ctx context.Context, jobID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = $2, updated_at = $2 WHERE id = $1 AND status IN ('pending', 'processing')`,
		jobID, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job cancelled %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.jobGuardError(ctx, jobID, model.JobStatusCancelled)
	}
	return nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, jobID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', error_message = '', completed_at = NULL, updated_at = $2 WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')`,
		jobID, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.jobGuardError(ctx, jobID, model.JobStatusPending)
	}
	return nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, counts model.StatusCounts) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET processed_records = $2, error_count = $3, updated_at = $4 WHERE id = $1`,
		jobID, counts.Terminal(), counts.Failed, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job progress %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) IncrementJobProgress(ctx context.Context, jobID string, failed bool) error {
	errInc := 0
	if failed {
		errInc = 1
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET processed_records = processed_records + 1, error_count = error_count + $2, updated_at = $3 WHERE id = $1`,
		jobID, errInc, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment job progress %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) SetJobOutputFile(ctx context.Context, jobID, path string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET output_file = $2, updated_at = $3 WHERE id = $1`,
		jobID, path, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set job output file %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) error {
	// Records go with the job via ON DELETE CASCADE.
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: job %s", jobID)
	}
	return nil
}

// jobGuardError distinguishes a missing job from a guard miss after a
// zero-row guarded update.
func (s *PostgresStore) jobGuardError(ctx context.Context, jobID string, to model.JobStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(model.ErrNotFound, "postgres: job %s", jobID)
		}
		return eris.Wrapf(err, "postgres: probe job %s", jobID)
	}
	return model.NewInvalidTransition("job", jobID, current, string(to))
}

const recordColumns = `id, job_id, company_id, status, original_data, enriched_data, llm_response, retry_count, error_message, processed_at, processing_time_ms, created_at, updated_at`

var recordCopyColumns = []string{
	"id", "job_id", "company_id", "status", "original_data", "enriched_data",
	"llm_response", "retry_count", "error_message", "processed_at",
	"processing_time_ms", "created_at", "updated_at",
}

func (s *PostgresStore) CreateRecords(ctx context.Context, records []model.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(records))
	for i := range records {
		r := &records[i]
		origJSON, err := json.Marshal(r.OriginalData)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal original data for record %s", r.ID)
		}
		rows = append(rows, []any{
			r.ID, r.JobID, r.CompanyID, string(r.Status), origJSON, nil,
			r.LLMResponse, r.RetryCount, r.ErrorMessage, r.ProcessedAt,
			r.ProcessingTimeMs, r.CreatedAt, r.UpdatedAt,
		})
	}

	n, err := db.CopyFrom(ctx, s.pool, "records", recordCopyColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: bulk insert records")
	}

	// Keep the owning job's total in sync with its record set.
	jobID := records[0].JobID
	if _, err := s.pool.Exec(ctx,
		`UPDATE jobs SET total_records = (SELECT count(*) FROM records WHERE job_id = $1), updated_at = $2 WHERE id = $1`,
		jobID, time.Now().UTC(),
	); err != nil {
		return int(n), eris.Wrapf(err, "postgres: update job total %s", jobID)
	}
	return int(n), nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, recordID string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1`, recordID)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: record %s", recordID)
		}
		return nil, eris.Wrapf(err, "postgres: get record %s", recordID)
	}
	return r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, jobID string, filter RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE job_id = $1`
	args := []any{jobID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list records for job %s", jobID)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

// ListDispatchableRecordIDs returns the job's records still owed an
// enrichment attempt: pending ones plus processing ones abandoned by an
// interrupted run.
func (s *PostgresStore) ListDispatchableRecordIDs(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM records WHERE job_id = $1 AND status IN ('pending', 'processing') ORDER BY created_at`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list dispatchable records for job %s", jobID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list dispatchable records iterate")
}

func (s *PostgresStore) ClaimRecord(ctx context.Context, recordID string) (*model.Record, error) {
	// Re-claiming a processing record is allowed so a resumed run can pick
	// up claims a crashed run left behind.
	row := s.pool.QueryRow(ctx,
		`UPDATE records SET status = 'processing', updated_at = $2 WHERE id = $1 AND status IN ('pending', 'processing') RETURNING `+recordColumns,
		recordID, time.Now().UTC(),
	)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.recordGuardError(ctx, recordID, model.RecordStatusProcessing)
		}
		return nil, eris.Wrapf(err, "postgres: claim record %s", recordID)
	}
	return r, nil
}

func (s *PostgresStore) FinishRecord(ctx context.Context, rec *model.Record) error {
	if !rec.Status.Terminal() {
		return model.NewInvalidTransition("record", rec.ID, string(model.RecordStatusProcessing), string(rec.Status))
	}

	enrichedJSON, err := marshalMap(rec.EnrichedData)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal enriched data for record %s", rec.ID)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET status = $2, enriched_data = $3, llm_response = $4, retry_count = $5, error_message = $6, processed_at = $7, processing_time_ms = $8, company_id = $9, updated_at = $10 WHERE id = $1 AND status = 'processing'`,
		rec.ID, string(rec.Status), enrichedJSON, rec.LLMResponse, rec.RetryCount,
		rec.ErrorMessage, rec.ProcessedAt, rec.ProcessingTimeMs, rec.CompanyID, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish record %s", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.recordGuardError(ctx, rec.ID, rec.Status)
	}
	return nil
}

func (s *PostgresStore) SkipPendingRecords(ctx context.Context, jobID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET status = 'skipped', updated_at = $2 WHERE job_id = $1 AND status = 'pending'`,
		jobID, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: skip pending records for job %s", jobID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RequeueFailedRecords(ctx context.Context, jobID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET status = 'pending', error_message = '', processed_at = NULL, processing_time_ms = NULL, updated_at = $2 WHERE job_id = $1 AND status = 'failed'`,
		jobID, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: requeue failed records for job %s", jobID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountRecordStatuses(ctx context.Context, jobID string) (model.StatusCounts, error) {
	var counts model.StatusCounts
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM records WHERE job_id = $1 GROUP BY status`,
		jobID,
	)
	if err != nil {
		return counts, eris.Wrapf(err, "postgres: count record statuses for job %s", jobID)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, eris.Wrap(err, "postgres: scan status count")
		}
		applyStatusCount(&counts, status, n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count record statuses iterate")
}

func (s *PostgresStore) RecordTimingStats(ctx context.Context, jobID string) (*TimingStats, error) {
	var stats TimingStats
	var avg *float64
	var min, max *int64

	err := s.pool.QueryRow(ctx,
		`SELECT count(*), avg(processing_time_ms), min(processing_time_ms), max(processing_time_ms) FROM records WHERE job_id = $1 AND processing_time_ms IS NOT NULL`,
		jobID,
	).Scan(&stats.Count, &avg, &min, &max)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: timing stats for job %s", jobID)
	}
	if avg != nil {
		stats.AvgMs = *avg
	}
	if min != nil {
		stats.MinMs = *min
	}
	if max != nil {
		stats.MaxMs = *max
	}
	return &stats, nil
}

// recordGuardError distinguishes a missing record from a guard miss.
func (s *PostgresStore) recordGuardError(ctx context.Context, recordID string, to model.RecordStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM records WHERE id = $1`, recordID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(model.ErrNotFound, "postgres: record %s", recordID)
		}
		return eris.Wrapf(err, "postgres: probe record %s", recordID)
	}
	return model.NewInvalidTransition("record", recordID, current, string(to))
}

const companyColumns = `id, name, domain, industry, employee_count, revenue_range, headquarters_location, enrichment_data, metadata, created_at, updated_at, last_enriched_at`

// UpsertCompanies bulk-registers companies keyed by domain. Rows without a
// domain are skipped; duplicates within the batch collapse to the first
// occurrence. Existing companies are touched, not overwritten.
func (s *PostgresStore) UpsertCompanies(ctx context.Context, companies []model.Company) (int, error) {
	now := time.Now().UTC()
	seen := make(map[string]bool, len(companies))
	var rows [][]any
	for i := range companies {
		c := &companies[i]
		if c.Domain == "" || seen[c.Domain] {
			continue
		}
		seen[c.Domain] = true
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{id, c.Name, c.Domain, now, now})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:         "companies",
		Columns:       []string{"id", "name", "domain", "created_at", "updated_at"},
		ConflictKeys:  []string{"domain"},
		ConflictWhere: "domain <> ''",
		UpdateCols:    []string{"updated_at"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert companies")
	}
	return int(n), nil
}

func (s *PostgresStore) FindOrCreateCompany(ctx context.Context, name, domain string) (*model.Company, error) {
	// Match on domain first, then on case-insensitive name.
	var row pgx.Row
	if domain != "" {
		row = s.pool.QueryRow(ctx,
			`SELECT `+companyColumns+` FROM companies WHERE domain = $1 LIMIT 1`, domain)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT `+companyColumns+` FROM companies WHERE lower(name) = lower($1) LIMIT 1`, name)
	}

	c, err := scanCompany(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: find company %q", name)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO companies (id, name, domain, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, name, domain, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert company %q", name)
	}

	return &model.Company{
		ID:        id,
		Name:      name,
		Domain:    domain,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) SaveCompanyEnrichment(ctx context.Context, company *model.Company) error {
	enrichJSON, err := marshalMap(company.EnrichmentData)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal enrichment for company %s", company.ID)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE companies SET industry = $2, employee_count = $3, revenue_range = $4, headquarters_location = $5, enrichment_data = $6, last_enriched_at = $7, updated_at = $8 WHERE id = $1`,
		company.ID, company.Industry, company.EmployeeCount, company.RevenueRange,
		company.HeadquartersLocation, enrichJSON, company.LastEnrichedAt, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save company enrichment %s", company.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: company %s", company.ID)
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry audit.Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	detailsJSON, err := marshalMap(entry.Details)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit details")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, entity_type, entity_id, action, details, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, detailsJSON, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) ListAudit(ctx context.Context, entityID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, action, details, created_at FROM audit_log WHERE entity_id = $1 ORDER BY created_at DESC LIMIT $2`,
		entityID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audit for %s", entityID)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &detailsJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit entry")
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal audit details")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

// --- scan helpers ---

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var cfgJSON []byte
	var metaJSON *[]byte

	err := row.Scan(
		&j.ID, &j.Status, &j.InputFile, &j.OutputFile,
		&j.TotalRecords, &j.ProcessedRecords, &j.ErrorCount, &j.ErrorMessage,
		&cfgJSON, &metaJSON,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(cfgJSON, &j.Configuration); err != nil {
		return nil, eris.Wrap(err, "unmarshal job configuration")
	}
	if metaJSON != nil && len(*metaJSON) > 0 {
		if err := json.Unmarshal(*metaJSON, &j.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal job metadata")
		}
	}
	return &j, nil
}

func scanRecord(row pgx.Row) (*model.Record, error) {
	var r model.Record
	var origJSON []byte
	var enrichedJSON *[]byte

	err := row.Scan(
		&r.ID, &r.JobID, &r.CompanyID, &r.Status,
		&origJSON, &enrichedJSON, &r.LLMResponse,
		&r.RetryCount, &r.ErrorMessage,
		&r.ProcessedAt, &r.ProcessingTimeMs,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(origJSON, &r.OriginalData); err != nil {
		return nil, eris.Wrap(err, "unmarshal record original data")
	}
	if enrichedJSON != nil && len(*enrichedJSON) > 0 {
		if err := json.Unmarshal(*enrichedJSON, &r.EnrichedData); err != nil {
			return nil, eris.Wrap(err, "unmarshal record enriched data")
		}
	}
	return &r, nil
}

func scanCompany(row pgx.Row) (*model.Company, error) {
	var c model.Company
	var enrichJSON, metaJSON *[]byte

	err := row.Scan(
		&c.ID, &c.Name, &c.Domain, &c.Industry, &c.EmployeeCount,
		&c.RevenueRange, &c.HeadquartersLocation,
		&enrichJSON, &metaJSON,
		&c.CreatedAt, &c.UpdatedAt, &c.LastEnrichedAt,
	)
	if err != nil {
		return nil, err
	}

	if enrichJSON != nil && len(*enrichJSON) > 0 {
		if err := json.Unmarshal(*enrichJSON, &c.EnrichmentData); err != nil {
			return nil, eris.Wrap(err, "unmarshal company enrichment data")
		}
	}
	if metaJSON != nil && len(*metaJSON) > 0 {
		if err := json.Unmarshal(*metaJSON, &c.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal company metadata")
		}
	}
	return &c, nil
}

func applyStatusCount(counts *model.StatusCounts, status string, n int) {
	switch model.RecordStatus(status) {
	case model.RecordStatusPending:
		counts.Pending = n
	case model.RecordStatusProcessing:
		counts.Processing = n
	case model.RecordStatusEnriched:
		counts.Enriched = n
	case model.RecordStatusFailed:
		counts.Failed = n
	case model.RecordStatusSkipped:
		counts.Skipped = n
	}
}

// marshalMap serializes a possibly-nil map, keeping NULL for nil.
func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
