package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valkyrie-data/enrich-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("nonexistent-job").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "nonexistent-job")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkJobProcessing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE jobs SET status = 'processing'`).
		WithArgs("job-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.MarkJobProcessing(context.Background(), "job-1", now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkJobProcessing_GuardMiss(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE jobs SET status = 'processing'`).
		WithArgs("job-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))

	err := s.MarkJobProcessing(context.Background(), "job-1", now)
	var ite *model.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "completed", ite.From)
	assert.Equal(t, "processing", ite.To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkJobProcessing_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE jobs SET status = 'processing'`).
		WithArgs("job-x", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).
		WithArgs("job-x").
		WillReturnError(pgx.ErrNoRows)

	err := s.MarkJobProcessing(context.Background(), "job-x", now)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkJobCompleted(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	counts := model.StatusCounts{Enriched: 8, Failed: 2}

	mock.ExpectExec(`UPDATE jobs SET status = 'completed'`).
		WithArgs("job-1", 10, 2, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.MarkJobCompleted(context.Background(), "job-1", counts, now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementJobProgress(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET processed_records = processed_records \+ 1`).
		WithArgs("job-1", 1, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.IncrementJobProgress(context.Background(), "job-1", true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimRecord_LostRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE records SET status = 'processing'`).
		WithArgs("rec-1", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT status FROM records WHERE id = \$1`).
		WithArgs("rec-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("enriched"))

	_, err := s.ClaimRecord(context.Background(), "rec-1")
	var ite *model.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "enriched", ite.From)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SkipPendingRecords(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE records SET status = 'skipped'`).
		WithArgs("job-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 7))

	n, err := s.SkipPendingRecords(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountRecordStatuses(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, count\(\*\) FROM records WHERE job_id = \$1 GROUP BY status`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("enriched", 12).
			AddRow("failed", 3).
			AddRow("pending", 5))

	counts, err := s.CountRecordStatuses(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 12, counts.Enriched)
	assert.Equal(t, 3, counts.Failed)
	assert.Equal(t, 5, counts.Pending)
	assert.Equal(t, 15, counts.Terminal())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordTimingStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	avg := 250.5
	minMs := int64(90)
	maxMs := int64(800)
	mock.ExpectQuery(`SELECT count\(\*\), avg\(processing_time_ms\)`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"count", "avg", "min", "max"}).
			AddRow(4, &avg, &minMs, &maxMs))

	stats, err := s.RecordTimingStats(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Count)
	assert.InDelta(t, 250.5, stats.AvgMs, 0.001)
	assert.Equal(t, int64(90), stats.MinMs)
	assert.Equal(t, int64(800), stats.MaxMs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
