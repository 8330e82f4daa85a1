package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/valkyrie-data/enrich-cli/internal/ingest"
	"github.com/valkyrie-data/enrich-cli/internal/model"
	"github.com/valkyrie-data/enrich-cli/internal/monitoring"
	"github.com/valkyrie-data/enrich-cli/internal/scheduler"
	"github.com/valkyrie-data/enrich-cli/internal/store"
)

// reconcileSweepInterval is the period of the background counter sweep in
// serve mode.
const reconcileSweepInterval = 30 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for job management",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		api := &apiServer{
			store:   st,
			sched:   initScheduler(st),
			im:      ingest.NewImporter(st, initSink(st)),
			monitor: monitoring.NewReconciler(st, initSink(st), reconcileSweepInterval),
		}

		go func() {
			if err := api.monitor.Run(ctx); err != nil && !eris.Is(err, context.Canceled) {
				zap.L().Warn("reconcile loop stopped", zap.Error(err))
			}
		}()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(),
				time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

type apiServer struct {
	store   store.Store
	sched   *scheduler.Scheduler
	im      *ingest.Importer
	monitor *monitoring.Reconciler
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Post("/", s.handleCreateJob)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleDeleteJob)
			r.Post("/start", s.handleStartJob)
			r.Post("/cancel", s.handleCancelJob)
			r.Post("/retry", s.handleRetryJob)
			r.Get("/stats", s.handleJobStats)
			r.Get("/records", s.handleJobRecords)
			r.Get("/audit", s.handleJobAudit)
			r.Get("/export", s.handleExportJob)
		})
	})
	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateJob imports a CSV request body as a new pending job.
// Job knobs come from query parameters; unset knobs use server defaults.
func (s *apiServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	jobCfg := jobConfigFromGlobal()
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("concurrency")); err == nil && v > 0 {
		jobCfg.Concurrency = v
	}
	if v, err := strconv.Atoi(q.Get("max_attempts")); err == nil && v > 0 {
		jobCfg.MaxAttempts = v
	}
	if fields, ok := q["fields"]; ok {
		jobCfg.Fields = fields
	}
	name := q.Get("filename")
	if name == "" {
		name = "upload.csv"
	}

	job, err := s.im.Import(r.Context(), r.Body, name, jobCfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	jobs, err := s.store.ListJobs(r.Context(), store.JobFilter{
		Status: model.JobStatus(q.Get("status")),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *apiServer) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if s.sched.Running(jobID) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job is running; cancel it first"})
		return
	}
	if err := s.store.DeleteJob(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartJob kicks off processing in the background and returns
// immediately. Progress is observable through GET /jobs/{id} and /stats.
func (s *apiServer) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	switch job.Status {
	case model.JobStatusPending, model.JobStatusProcessing:
	default:
		writeError(w, model.NewInvalidTransition("job", jobID, string(job.Status), string(model.JobStatusProcessing)))
		return
	}
	if s.sched.Running(jobID) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job is already running"})
		return
	}

	// The run outlives this request.
	go func() {
		if err := s.sched.Run(context.Background(), jobID); err != nil {
			zap.L().Error("background job run failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "job_id": jobID})
}

func (s *apiServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.sched.Cancel(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "job_id": jobID})
}

func (s *apiServer) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	requeued, err := s.sched.Retry(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "requeued_records": requeued})
}

func (s *apiServer) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.monitor.JobStats(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *apiServer) handleJobRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	records, err := s.store.ListRecords(r.Context(), chi.URLParam(r, "jobID"), store.RecordFilter{
		Status: model.RecordStatus(q.Get("status")),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *apiServer) handleJobAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	entries, err := s.store.ListAudit(r.Context(), chi.URLParam(r, "jobID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleExportJob streams the job's records in the requested format.
func (s *apiServer) handleExportJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = ingest.FormatCSV
	}

	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.store.ListRecords(r.Context(), jobID, store.RecordFilter{})
	if err != nil {
		writeError(w, err)
		return
	}

	switch format {
	case ingest.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".csv"))
		if err := ingest.WriteRecordsCSV(w, job, records); err != nil {
			zap.L().Error("export stream failed", zap.String("job_id", jobID), zap.Error(err))
		}
	case ingest.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
		if err := ingest.WriteRecordsJSON(w, records); err != nil {
			zap.L().Error("export stream failed", zap.String("job_id", jobID), zap.Error(err))
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown format: " + format})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		ite  *model.InvalidTransitionError
		verr *model.ValidationError
	)
	switch {
	case eris.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case eris.As(err, &ite):
		status = http.StatusConflict
	case eris.As(err, &verr):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
