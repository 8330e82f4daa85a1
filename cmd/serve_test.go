package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valkyrie-data/enrich-cli/internal/audit"
	"github.com/valkyrie-data/enrich-cli/internal/config"
	"github.com/valkyrie-data/enrich-cli/internal/enrich"
	"github.com/valkyrie-data/enrich-cli/internal/ingest"
	"github.com/valkyrie-data/enrich-cli/internal/model"
	"github.com/valkyrie-data/enrich-cli/internal/monitoring"
	"github.com/valkyrie-data/enrich-cli/internal/scheduler"
	"github.com/valkyrie-data/enrich-cli/internal/store"
)

// stubEnricher always succeeds; enough to drive jobs to completed.
type stubEnricher struct{}

func (stubEnricher) Enrich(ctx context.Context, req enrich.Request) (*enrich.Result, error) {
	return &enrich.Result{
		Fields: map[string]any{"industry": "Technology"},
		Raw:    `{"industry": "Technology"}`,
	}, nil
}

func newTestAPI(t *testing.T) (*apiServer, *store.SQLiteStore) {
	t.Helper()

	cfg = &config.Config{}
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Scheduler.Concurrency = 2
	cfg.Scheduler.CallTimeoutSecs = 5
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialBackoffMs = 1

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	sink := audit.NewStoreSink(st)
	return &apiServer{
		store:   st,
		sched:   scheduler.New(st, stubEnricher{}, sink, scheduler.Config{}),
		im:      ingest.NewImporter(st, sink),
		monitor: monitoring.NewReconciler(st, sink, 0),
	}, st
}

func doRequest(api *apiServer, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	api.routes().ServeHTTP(rr, r)
	return rr
}

const testCSV = "company_name,website\nAcme Corp,acme.com\nGlobex,globex.io\n"

func createJobViaAPI(t *testing.T, api *apiServer) model.Job {
	t.Helper()
	rr := doRequest(api, http.MethodPost, "/jobs?filename=leads.csv", testCSV)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var job model.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	return job
}

func TestServe_Health(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(api, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServe_CreateJob(t *testing.T) {
	api, _ := newTestAPI(t)

	job := createJobViaAPI(t, api)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, "leads.csv", job.InputFile)
	assert.Equal(t, 2, job.TotalRecords)
}

func TestServe_CreateJob_BadInput(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(api, http.MethodPost, "/jobs", "website\nacme.com\n")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "company name column")
}

func TestServe_CreateJob_QueryOverrides(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(api, http.MethodPost, "/jobs?concurrency=7&max_attempts=4&fields=industry&fields=competitors", testCSV)
	require.Equal(t, http.StatusCreated, rr.Code)

	var job model.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	assert.Equal(t, 7, job.Configuration.Concurrency)
	assert.Equal(t, 4, job.Configuration.MaxAttempts)
	assert.Equal(t, []string{"industry", "competitors"}, job.Configuration.Fields)
}

func TestServe_GetJob_NotFound(t *testing.T) {
	api, _ := newTestAPI(t)

	rr := doRequest(api, http.MethodGet, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServe_StartJob_RunsToCompletion(t *testing.T) {
	api, st := newTestAPI(t)
	job := createJobViaAPI(t, api)

	rr := doRequest(api, http.MethodPost, "/jobs/"+job.ID+"/start", "")
	require.Equal(t, http.StatusAccepted, rr.Code)

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := st.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		if got.Status == model.JobStatusCompleted {
			assert.Equal(t, 2, got.ProcessedRecords)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete, status %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Stats reflect the finished job.
	rr = doRequest(api, http.MethodGet, "/jobs/"+job.ID+"/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats monitoring.JobStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Counts.Enriched)
	assert.InDelta(t, 100.0, stats.Completion, 0.001)

	// Audit trail is exposed.
	rr = doRequest(api, http.MethodGet, "/jobs/"+job.ID+"/audit", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), audit.ActionJobCompleted)
}

func TestServe_StartJob_TerminalConflict(t *testing.T) {
	api, st := newTestAPI(t)
	job := createJobViaAPI(t, api)

	now := time.Now().UTC()
	require.NoError(t, st.MarkJobProcessing(context.Background(), job.ID, now))
	require.NoError(t, st.MarkJobCancelled(context.Background(), job.ID, now))

	rr := doRequest(api, http.MethodPost, "/jobs/"+job.ID+"/start", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestServe_CancelPendingJob(t *testing.T) {
	api, st := newTestAPI(t)
	job := createJobViaAPI(t, api)

	rr := doRequest(api, http.MethodPost, "/jobs/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rr.Code)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	counts, err := st.CountRecordStatuses(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Skipped)
}

func TestServe_CancelTerminalJob_Conflict(t *testing.T) {
	api, _ := newTestAPI(t)
	job := createJobViaAPI(t, api)

	require.Equal(t, http.StatusAccepted, doRequest(api, http.MethodPost, "/jobs/"+job.ID+"/cancel", "").Code)
	assert.Equal(t, http.StatusConflict, doRequest(api, http.MethodPost, "/jobs/"+job.ID+"/cancel", "").Code)
}

func TestServe_ExportCSV(t *testing.T) {
	api, _ := newTestAPI(t)
	job := createJobViaAPI(t, api)

	rr := doRequest(api, http.MethodGet, "/jobs/"+job.ID+"/export", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rr.Body.String(), "company_name")
	assert.Contains(t, rr.Body.String(), "Acme Corp")
}

func TestServe_DeleteJob(t *testing.T) {
	api, _ := newTestAPI(t)
	job := createJobViaAPI(t, api)

	rr := doRequest(api, http.MethodDelete, "/jobs/"+job.ID, "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(api, http.MethodGet, "/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServe_ListJobs(t *testing.T) {
	api, _ := newTestAPI(t)
	createJobViaAPI(t, api)
	createJobViaAPI(t, api)

	rr := doRequest(api, http.MethodGet, "/jobs?status=pending", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var jobs []model.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 2)
}
