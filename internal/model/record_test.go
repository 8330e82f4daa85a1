package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingRecord() *Record {
	return &Record{
		ID:           "rec-1",
		JobID:        "job-1",
		Status:       RecordStatusPending,
		OriginalData: map[string]string{"company_name": "Acme Corp"},
		CreatedAt:    time.Now().UTC().Add(-2 * time.Second),
	}
}

func TestRecordBegin(t *testing.T) {
	r := newPendingRecord()
	require.NoError(t, r.Begin())
	assert.Equal(t, RecordStatusProcessing, r.Status)

	// Idempotent on processing so an interrupted run can resume.
	require.NoError(t, r.Begin())
	assert.Equal(t, RecordStatusProcessing, r.Status)
}

func TestRecordBegin_TerminalRejected(t *testing.T) {
	for _, status := range []RecordStatus{RecordStatusEnriched, RecordStatusFailed, RecordStatusSkipped} {
		r := newPendingRecord()
		r.Status = status

		err := r.Begin()
		require.Error(t, err)
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, "record", ite.Entity)
		assert.Equal(t, string(status), ite.From)
	}
}

func TestRecordMarkEnriched(t *testing.T) {
	r := newPendingRecord()
	require.NoError(t, r.Begin())

	now := time.Now().UTC()
	fields := map[string]any{"industry": "Manufacturing"}
	require.NoError(t, r.MarkEnriched(fields, `{"industry":"Manufacturing"}`, now))

	assert.Equal(t, RecordStatusEnriched, r.Status)
	assert.Equal(t, fields, r.EnrichedData)
	assert.NotEmpty(t, r.LLMResponse)
	assert.Empty(t, r.ErrorMessage)
	require.NotNil(t, r.ProcessedAt)
	require.NotNil(t, r.ProcessingTimeMs)
	assert.GreaterOrEqual(t, *r.ProcessingTimeMs, int64(0))
}

func TestRecordMarkEnriched_RequiresProcessing(t *testing.T) {
	r := newPendingRecord()
	err := r.MarkEnriched(map[string]any{"a": 1}, "raw", time.Now())
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, RecordStatusPending, r.Status)
	assert.Empty(t, r.EnrichedData)
}

func TestRecordMarkFailed(t *testing.T) {
	r := newPendingRecord()
	require.NoError(t, r.Begin())

	require.NoError(t, r.MarkFailed("provider timeout", time.Now().UTC()))
	assert.Equal(t, RecordStatusFailed, r.Status)
	assert.Equal(t, "provider timeout", r.ErrorMessage)
	assert.Equal(t, 1, r.RetryCount)
	assert.NotNil(t, r.ProcessedAt)
	// No enriched data on a failed record.
	assert.Empty(t, r.EnrichedData)
}

func TestRecordMarkFailed_RequiresProcessing(t *testing.T) {
	r := newPendingRecord()
	err := r.MarkFailed("nope", time.Now())
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, 0, r.RetryCount)
}

func TestRecordSkip(t *testing.T) {
	r := newPendingRecord()
	require.NoError(t, r.Skip())
	assert.Equal(t, RecordStatusSkipped, r.Status)
	assert.Empty(t, r.ErrorMessage)
}

func TestRecordSkip_OnlyFromPending(t *testing.T) {
	r := newPendingRecord()
	require.NoError(t, r.Begin())

	err := r.Skip()
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
}

func TestRecordRequeue(t *testing.T) {
	r := newPendingRecord()
	require.NoError(t, r.Begin())
	require.NoError(t, r.MarkFailed("boom", time.Now().UTC()))

	require.NoError(t, r.Requeue())
	assert.Equal(t, RecordStatusPending, r.Status)
	assert.Empty(t, r.ErrorMessage)
	assert.Nil(t, r.ProcessedAt)
	// Retry history survives the re-queue.
	assert.Equal(t, 1, r.RetryCount)
}

func TestRecordRequeue_OnlyFromFailed(t *testing.T) {
	r := newPendingRecord()
	err := r.Requeue()
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
}

func TestRecordStatusTerminal(t *testing.T) {
	assert.False(t, RecordStatusPending.Terminal())
	assert.False(t, RecordStatusProcessing.Terminal())
	assert.True(t, RecordStatusEnriched.Terminal())
	assert.True(t, RecordStatusFailed.Terminal())
	assert.True(t, RecordStatusSkipped.Terminal())
}
