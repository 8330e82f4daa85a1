package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/valkyrie-data/enrich-cli/internal/audit"
	"github.com/valkyrie-data/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for local
// single-process use; the Postgres store is the shared deployment target.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	domain                TEXT,
	industry              TEXT NOT NULL DEFAULT '',
	employee_count        INTEGER,
	revenue_range         TEXT NOT NULL DEFAULT '',
	headquarters_location TEXT NOT NULL DEFAULT '',
	enrichment_data       TEXT,
	metadata              TEXT,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL,
	last_enriched_at      DATETIME
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
	configuration     TEXT NOT NULL,
	metadata          TEXT,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	started_at        DATETIME,
	completed_at      DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);

CREATE TABLE IF NOT EXISTS records (
	id                 TEXT PRIMARY KEY,
	job_id             TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	company_id         TEXT REFERENCES companies(id),
	status             TEXT NOT NULL DEFAULT 'pending',
	original_data      TEXT NOT NULL,
	enriched_data      TEXT,
	llm_response       TEXT NOT NULL DEFAULT '',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	processed_at       DATETIME,
	processing_time_ms INTEGER,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_job_id ON records(job_id);
CREATE INDEX IF NOT EXISTS idx_records_job_status ON records(job_id, status);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	details     TEXT,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id, created_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, inputFile string, cfg model.JobConfig, metadata map[string]any) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	cfg = cfg.Normalize()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal configuration")
	}
	metaJSON, err := marshalMapString(metadata)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, input_file, configuration, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(model.JobStatusPending), inputFile, string(cfgJSON), metaJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
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

const sqliteJobColumns = `id, status, input_file, output_file, total_records, processed_records, error_count, error_message, configuration, metadata, created_at, updated_at, started_at, completed_at`

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanSQLiteJob(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "sqlite: job %s", jobID)
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) MarkJobProcessing(ctx context.Context, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'processing', started_at = COALESCE(started_at, ?), updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job processing %s", jobID)
	}
	return s.checkJobGuard(ctx, res, jobID, model.JobStatusProcessing)
}

func (s *SQLiteStore) MarkJobCompleted(ctx context.Context, jobID string, counts model.StatusCounts, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', processed_records = ?, error_count = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = 'processing'`,
		counts.Terminal(), counts.Failed, now, now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job completed %s", jobID)
	}
	return s.checkJobGuard(ctx, res, jobID, model.JobStatusCompleted)
}

func (s *SQLiteStore) MarkJobFailed(ctx context.Context, jobID, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status IN ('pending', 'processing')`,
		reason, now, now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job failed %s", jobID)
	}
	return s.checkJobGuard(ctx, res, jobID, model.JobStatusFailed)
}

func (s *SQLiteStore) MarkJobCancelled(ctx context.Context, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = ?, updated_at = ? WHERE id = ? AND status IN ('pending', 'processing')`,
		now, now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job cancelled %s", jobID)
	}
	return s.checkJobGuard(ctx, res, jobID, model.JobStatusCancelled)
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', error_message = '', completed_at = NULL, updated_at = ? WHERE id = ? AND status IN ('completed', 'failed', 'cancelled')`,
		now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue job %s", jobID)
	}
	return s.checkJobGuard(ctx, res, jobID, model.JobStatusPending)
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, counts model.StatusCounts) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET processed_records = ?, error_count = ?, updated_at = ? WHERE id = ?`,
		counts.Terminal(), counts.Failed, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job progress %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) IncrementJobProgress(ctx context.Context, jobID string, failed bool) error {
	errInc := 0
	if failed {
		errInc = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET processed_records = processed_records + 1, error_count = error_count + ?, updated_at = ? WHERE id = ?`,
		errInc, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment job progress %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) SetJobOutputFile(ctx context.Context, jobID, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET output_file = ?, updated_at = ? WHERE id = ?`,
		path, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set job output file %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) checkJobGuard(ctx context.Context, res sql.Result, jobID string, to model.JobStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(model.ErrNotFound, "sqlite: job %s", jobID)
		}
		return eris.Wrapf(err, "sqlite: probe job %s", jobID)
	}
	return model.NewInvalidTransition("job", jobID, current, string(to))
}

const sqliteRecordColumns = `id, job_id, company_id, status, original_data, enriched_data, llm_response, retry_count, error_message, processed_at, processing_time_ms, created_at, updated_at`

func (s *SQLiteStore) CreateRecords(ctx context.Context, records []model.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (`+sqliteRecordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert record")
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		origJSON, err := json.Marshal(r.OriginalData)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal original data for record %s", r.ID)
		}
		_, err = stmt.ExecContext(ctx,
			r.ID, r.JobID, r.CompanyID, string(r.Status), string(origJSON), nil,
			r.LLMResponse, r.RetryCount, r.ErrorMessage, r.ProcessedAt,
			r.ProcessingTimeMs, r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert record %s", r.ID)
		}
	}

	jobID := records[0].JobID
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET total_records = (SELECT count(*) FROM records WHERE job_id = ?), updated_at = ? WHERE id = ?`,
		jobID, time.Now().UTC(), jobID,
	); err != nil {
		return 0, eris.Wrapf(err, "sqlite: update job total %s", jobID)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit records")
	}
	return len(records), nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, recordID string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM records WHERE id = ?`, recordID)
	r, err := scanSQLiteRecord(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "sqlite: record %s", recordID)
		}
		return nil, eris.Wrapf(err, "sqlite: get record %s", recordID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, jobID string, filter RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM records WHERE job_id = ?`
	args := []any{jobID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list records for job %s", jobID)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

// ListDispatchableRecordIDs returns the job's records still owed an
// enrichment attempt: pending ones plus processing ones abandoned by an
// interrupted run.
func (s *SQLiteStore) ListDispatchableRecordIDs(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM records WHERE job_id = ? AND status IN ('pending', 'processing') ORDER BY created_at`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list dispatchable records for job %s", jobID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list dispatchable records iterate")
}

func (s *SQLiteStore) ClaimRecord(ctx context.Context, recordID string) (*model.Record, error) {
	// Re-claiming a processing record is allowed so a resumed run can pick
	// up claims a crashed run left behind.
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = 'processing', updated_at = ? WHERE id = ? AND status IN ('pending', 'processing')`,
		time.Now().UTC(), recordID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim record %s", recordID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, s.recordGuardError(ctx, recordID, model.RecordStatusProcessing)
	}
	return s.GetRecord(ctx, recordID)
}

func (s *SQLiteStore) FinishRecord(ctx context.Context, rec *model.Record) error {
	if !rec.Status.Terminal() {
		return model.NewInvalidTransition("record", rec.ID, string(model.RecordStatusProcessing), string(rec.Status))
	}

	enrichedJSON, err := marshalMapString(rec.EnrichedData)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal enriched data for record %s", rec.ID)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, enriched_data = ?, llm_response = ?, retry_count = ?, error_message = ?, processed_at = ?, processing_time_ms = ?, company_id = ?, updated_at = ? WHERE id = ? AND status = 'processing'`,
		string(rec.Status), enrichedJSON, rec.LLMResponse, rec.RetryCount,
		rec.ErrorMessage, rec.ProcessedAt, rec.ProcessingTimeMs, rec.CompanyID,
		time.Now().UTC(), rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish record %s", rec.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.recordGuardError(ctx, rec.ID, rec.Status)
	}
	return nil
}

func (s *SQLiteStore) SkipPendingRecords(ctx context.Context, jobID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = 'skipped', updated_at = ? WHERE job_id = ? AND status = 'pending'`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: skip pending records for job %s", jobID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) RequeueFailedRecords(ctx context.Context, jobID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = 'pending', error_message = '', processed_at = NULL, processing_time_ms = NULL, updated_at = ? WHERE job_id = ? AND status = 'failed'`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: requeue failed records for job %s", jobID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CountRecordStatuses(ctx context.Context, jobID string) (model.StatusCounts, error) {
	var counts model.StatusCounts
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM records WHERE job_id = ? GROUP BY status`,
		jobID,
	)
	if err != nil {
		return counts, eris.Wrapf(err, "sqlite: count record statuses for job %s", jobID)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, eris.Wrap(err, "sqlite: scan status count")
		}
		applyStatusCount(&counts, status, n)
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count record statuses iterate")
}

func (s *SQLiteStore) RecordTimingStats(ctx context.Context, jobID string) (*TimingStats, error) {
	var stats TimingStats
	var avg sql.NullFloat64
	var minMs, maxMs sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), avg(processing_time_ms), min(processing_time_ms), max(processing_time_ms) FROM records WHERE job_id = ? AND processing_time_ms IS NOT NULL`,
		jobID,
	).Scan(&stats.Count, &avg, &minMs, &maxMs)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: timing stats for job %s", jobID)
	}
	if avg.Valid {
		stats.AvgMs = avg.Float64
	}
	if minMs.Valid {
		stats.MinMs = minMs.Int64
	}
	if maxMs.Valid {
		stats.MaxMs = maxMs.Int64
	}
	return &stats, nil
}

func (s *SQLiteStore) recordGuardError(ctx context.Context, recordID string, to model.RecordStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM records WHERE id = ?`, recordID).Scan(&current)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(model.ErrNotFound, "sqlite: record %s", recordID)
		}
		return eris.Wrapf(err, "sqlite: probe record %s", recordID)
	}
	return model.NewInvalidTransition("record", recordID, current, string(to))
}

const sqliteCompanyColumns = `id, name, domain, industry, employee_count, revenue_range, headquarters_location, enrichment_data, metadata, created_at, updated_at, last_enriched_at`

// UpsertCompanies bulk-registers companies keyed by domain. Rows without a
// domain are skipped; duplicates within the batch collapse to the first
// occurrence. Existing companies are touched, not overwritten.
func (s *SQLiteStore) UpsertCompanies(ctx context.Context, companies []model.Company) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO companies (id, name, domain, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(domain) WHERE domain <> '' DO UPDATE SET updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare company upsert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	seen := make(map[string]bool, len(companies))
	total := 0
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
		if _, err := stmt.ExecContext(ctx, id, c.Name, c.Domain, now, now); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert company %s", c.Domain)
		}
		total++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit company upsert")
	}
	return total, nil
}

func (s *SQLiteStore) FindOrCreateCompany(ctx context.Context, name, domain string) (*model.Company, error) {
	var row *sql.Row
	if domain != "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+sqliteCompanyColumns+` FROM companies WHERE domain = ? LIMIT 1`, domain)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+sqliteCompanyColumns+` FROM companies WHERE lower(name) = lower(?) LIMIT 1`, name)
	}

	c, err := scanSQLiteCompany(row)
	if err == nil {
		return c, nil
	}
	if !eris.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(err, "sqlite: find company %q", name)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO companies (id, name, domain, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, domain, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert company %q", name)
	}

	return &model.Company{
		ID:        id,
		Name:      name,
		Domain:    domain,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) SaveCompanyEnrichment(ctx context.Context, company *model.Company) error {
	enrichJSON, err := marshalMapString(company.EnrichmentData)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal enrichment for company %s", company.ID)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET industry = ?, employee_count = ?, revenue_range = ?, headquarters_location = ?, enrichment_data = ?, last_enriched_at = ?, updated_at = ? WHERE id = ?`,
		company.Industry, company.EmployeeCount, company.RevenueRange,
		company.HeadquartersLocation, enrichJSON, company.LastEnrichedAt,
		time.Now().UTC(), company.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save company enrichment %s", company.ID)
	}
	return checkRowsAffected(res, "company", company.ID)
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry audit.Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	detailsJSON, err := marshalMapString(entry.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit details")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, entity_type, entity_id, action, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, detailsJSON, entry.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append audit")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, entityID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, action, details, created_at FROM audit_log WHERE entity_id = ? ORDER BY created_at DESC LIMIT ?`,
		entityID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audit for %s", entityID)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var detailsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &detailsJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &e.Details); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal audit details")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scannable) (*model.Job, error) {
	var j model.Job
	var cfgJSON string
	var metaJSON sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Status, &j.InputFile, &j.OutputFile,
		&j.TotalRecords, &j.ProcessedRecords, &j.ErrorCount, &j.ErrorMessage,
		&cfgJSON, &metaJSON,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(cfgJSON), &j.Configuration); err != nil {
		return nil, eris.Wrap(err, "unmarshal job configuration")
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &j.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal job metadata")
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanSQLiteRecord(row scannable) (*model.Record, error) {
	var r model.Record
	var companyID sql.NullString
	var origJSON string
	var enrichedJSON sql.NullString
	var processedAt sql.NullTime
	var processingMs sql.NullInt64

	err := row.Scan(
		&r.ID, &r.JobID, &companyID, &r.Status,
		&origJSON, &enrichedJSON, &r.LLMResponse,
		&r.RetryCount, &r.ErrorMessage,
		&processedAt, &processingMs,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if companyID.Valid {
		id := companyID.String
		r.CompanyID = &id
	}
	if err := json.Unmarshal([]byte(origJSON), &r.OriginalData); err != nil {
		return nil, eris.Wrap(err, "unmarshal record original data")
	}
	if enrichedJSON.Valid && enrichedJSON.String != "" {
		if err := json.Unmarshal([]byte(enrichedJSON.String), &r.EnrichedData); err != nil {
			return nil, eris.Wrap(err, "unmarshal record enriched data")
		}
	}
	if processedAt.Valid {
		t := processedAt.Time
		r.ProcessedAt = &t
	}
	if processingMs.Valid {
		ms := processingMs.Int64
		r.ProcessingTimeMs = &ms
	}
	return &r, nil
}

func scanSQLiteCompany(row scannable) (*model.Company, error) {
	var c model.Company
	var domain sql.NullString
	var employeeCount sql.NullInt64
	var enrichJSON, metaJSON sql.NullString
	var lastEnrichedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.Name, &domain, &c.Industry, &employeeCount,
		&c.RevenueRange, &c.HeadquartersLocation,
		&enrichJSON, &metaJSON,
		&c.CreatedAt, &c.UpdatedAt, &lastEnrichedAt,
	)
	if err != nil {
		return nil, err
	}

	if domain.Valid {
		c.Domain = domain.String
	}
	if employeeCount.Valid {
		n := int(employeeCount.Int64)
		c.EmployeeCount = &n
	}
	if enrichJSON.Valid && enrichJSON.String != "" {
		if err := json.Unmarshal([]byte(enrichJSON.String), &c.EnrichmentData); err != nil {
			return nil, eris.Wrap(err, "unmarshal company enrichment data")
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &c.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal company metadata")
		}
	}
	if lastEnrichedAt.Valid {
		t := lastEnrichedAt.Time
		c.LastEnrichedAt = &t
	}
	return &c, nil
}

// marshalMapString serializes a possibly-nil map to a TEXT column, keeping
// NULL for nil.
func marshalMapString(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
