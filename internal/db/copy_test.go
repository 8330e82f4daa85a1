package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRowsIsNoOp(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "records", []string{"id", "job_id"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_LoadsRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"records"}, []string{"id", "job_id"}).WillReturnResult(3)

	rows := [][]any{{"r1", "j1"}, {"r2", "j1"}, {"r3", "j1"}}
	n, err := CopyFrom(context.Background(), mock, "records", []string{"id", "job_id"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_WrapsError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"records"}, []string{"id", "job_id"}).WillReturnError(fmt.Errorf("copy failed"))

	rows := [][]any{{"r1", "j1"}}
	_, err = CopyFrom(context.Background(), mock, "records", []string{"id", "job_id"}, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO records")
	assert.NoError(t, mock.ExpectationsWereMet())
}
