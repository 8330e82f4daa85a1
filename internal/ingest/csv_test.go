package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valkyrie-data/enrich-cli/internal/model"
	"github.com/valkyrie-data/enrich-cli/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestImport_CreatesJobAndRecords(t *testing.T) {
	st := newTestStore(t)
	im := NewImporter(st, nil)
	ctx := context.Background()

	input := strings.Join([]string{
		"Company Name,Website,Employee Count",
		"Acme Corp,acme.com,50",
		"Globex,globex.io,",
		"Initech,,120",
	}, "\n")

	job, err := im.Import(ctx, strings.NewReader(input), "leads.csv", model.JobConfig{})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, "leads.csv", job.InputFile)
	assert.Equal(t, 3, job.TotalRecords)
	// Import fills unset knobs from defaults.
	assert.Equal(t, model.DefaultJobConfig().Concurrency, job.Configuration.Concurrency)

	recs, err := st.ListRecords(ctx, job.ID, store.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 3)

	byName := make(map[string]model.Record)
	for _, r := range recs {
		assert.Equal(t, model.RecordStatusPending, r.Status)
		byName[r.OriginalData["company_name"]] = r
	}
	assert.Equal(t, "acme.com", byName["Acme Corp"].OriginalData["website"])
	assert.Equal(t, "120", byName["Initech"].OriginalData["employee_count"])

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	headers := got.Metadata[metaCSVHeaders]
	require.NotNil(t, headers)
	assert.Equal(t, "leads.csv", got.Metadata[metaSourceFile])
}

func TestImport_NormalizesHeaders(t *testing.T) {
	got := normalizeHeaders([]string{" Company Name ", "EMPLOYEE  COUNT", "domain"})
	assert.Equal(t, []string{"company_name", "employee_count", "domain"}, got)
}

func TestImport_RejectsMissingNameColumn(t *testing.T) {
	st := newTestStore(t)
	im := NewImporter(st, nil)

	input := "website,industry\nacme.com,Tech\n"
	_, err := im.Import(context.Background(), strings.NewReader(input), "bad.csv", model.JobConfig{})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "header", verr.Field)
}

func TestImport_RejectsEmptyInput(t *testing.T) {
	st := newTestStore(t)
	im := NewImporter(st, nil)

	_, err := im.Import(context.Background(), strings.NewReader(""), "empty.csv", model.JobConfig{})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = im.Import(context.Background(), strings.NewReader("company_name\n"), "headeronly.csv", model.JobConfig{})
	require.ErrorAs(t, err, &verr)
}

func TestImport_DropsEmptyRows(t *testing.T) {
	st := newTestStore(t)
	im := NewImporter(st, nil)
	ctx := context.Background()

	input := "company_name,website\nAcme,acme.com\n,\n\nGlobex,globex.io\n"
	job, err := im.Import(ctx, strings.NewReader(input), "gaps.csv", model.JobConfig{})
	require.NoError(t, err)
	assert.Equal(t, 2, job.TotalRecords)
}

func TestImport_KeepsRowsWithBlankName(t *testing.T) {
	st := newTestStore(t)
	im := NewImporter(st, nil)
	ctx := context.Background()

	// A blank name with other data present is a per-record problem, not an
	// import failure.
	input := "company_name,website\n,acme.com\n"
	job, err := im.Import(ctx, strings.NewReader(input), "anon.csv", model.JobConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, job.TotalRecords)
}
