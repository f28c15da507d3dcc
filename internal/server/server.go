// Package server runs optimization jobs behind an HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ciresnave/candle-bhop/internal/config"
	"github.com/ciresnave/candle-bhop/internal/store"
)

// Server represents the HTTP server
type Server struct {
	jobManager *JobManager
	addr       string
	server     *http.Server

	// checkpoints is nil when persistence is disabled.
	checkpoints store.Store
	traceDir    string

	jobCtx    context.Context
	cancelAll context.CancelFunc
	workers   sync.WaitGroup
}

// NewServer creates a new HTTP server. fs may be nil, which disables
// checkpoints and traces.
func NewServer(addr string, fs *store.FSStore) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		jobManager: NewJobManager(),
		addr:       addr,
		jobCtx:     ctx,
		cancelAll:  cancel,
	}
	if fs != nil {
		s.checkpoints = fs
		s.traceDir = fs.BaseDir()
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// UI routes
	mux.HandleFunc("/", s.handleIndex)

	// API routes
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/checkpoints", s.handleCheckpoints)
	mux.HandleFunc("/api/v1/checkpoints/", s.handleCheckpointsWithID)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr, "checkpoints", s.checkpoints != nil)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, cancels running jobs and waits for
// their workers to record the final state.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	s.cancelAll()

	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// startJob launches the worker for a registered job.
func (s *Server) startJob(jobID string) {
	ctx, cancel := context.WithCancel(s.jobCtx)
	s.jobManager.setCancel(jobID, cancel)

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer cancel()
		if err := runJob(ctx, s.jobManager, s.checkpoints, s.traceDir, jobID); err != nil {
			slog.Debug("Worker exited with error", "job_id", jobID, "error", err)
		}
	}()
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "job ID required")
		return
	}
	if len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	jobID := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	if sub == "cancel" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleCancelJob(w, r, jobID)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch sub {
	case "", "status":
		s.handleGetJobStatus(w, r, jobID)
	case "params":
		s.handleGetJobParams(w, r, jobID)
	case "trace":
		s.handleGetJobTrace(w, r, jobID)
	case "stream":
		s.handleJobStream(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleCreateJob handles POST /api/v1/jobs. Omitted fields take the
// defaults of a config file.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	cfg := config.Default()
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.Validate(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := s.jobManager.CreateJob(cfg)
	s.startJob(job.ID)

	slog.Info("Job created", "job_id", job.ID, "problem", cfg.Problem, "dim", cfg.Dim)
	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	elapsed := job.Elapsed()
	response := map[string]interface{}{
		"id":          job.ID,
		"state":       job.State,
		"config":      job.Config,
		"loss":        job.Loss,
		"initialLoss": job.InitialLoss,
		"step":        job.Step,
		"fnEvals":     job.FnEvals,
		"converged":   job.Converged,
		"testMetric":  job.TestMetric,
		"resumedFrom": job.ResumedFrom,
		"elapsed":     elapsed.Seconds(),
		"evalsPerSec": evalsPerSecond(job.FnEvals, elapsed),
		"startTime":   job.StartTime,
		"endTime":     job.EndTime,
		"error":       job.Error,
	}
	writeJSON(w, http.StatusOK, response)
}

// handleGetJobParams handles GET /api/v1/jobs/:id/params
func (s *Server) handleGetJobParams(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if len(job.Params) == 0 {
		writeError(w, http.StatusNotFound, "no parameters yet")
		return
	}
	writeJSON(w, http.StatusOK, job.Params)
}

// handleGetJobTrace handles GET /api/v1/jobs/:id/trace
func (s *Server) handleGetJobTrace(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if s.traceDir == "" {
		writeError(w, http.StatusNotFound, "tracing disabled")
		return
	}

	entries, err := store.ReadTrace(s.traceDir, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleCancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	err := s.jobManager.CancelJob(jobID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrJobFinished):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "status": "cancelling"})
	}
}

// handleCheckpoints handles GET /api/v1/checkpoints
func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.checkpoints == nil {
		writeJSON(w, http.StatusOK, []store.CheckpointInfo{})
		return
	}

	infos, err := s.checkpoints.ListCheckpoints()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleCheckpointsWithID handles /api/v1/checkpoints/:id[/resume]
func (s *Server) handleCheckpointsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/checkpoints/")
	parts := strings.Split(path, "/")
	if parts[0] == "" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if s.checkpoints == nil {
		writeError(w, http.StatusNotFound, "checkpoints disabled")
		return
	}

	jobID := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == "resume" && r.Method == http.MethodPost:
		s.handleResumeCheckpoint(w, r, jobID)
	case len(parts) == 1 && r.Method == http.MethodGet:
		cp, err := s.checkpoints.LoadCheckpoint(jobID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cp)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if job, ok := s.jobManager.GetJob(jobID); ok && !job.State.Finished() {
			writeError(w, http.StatusConflict, "job is still "+string(job.State))
			return
		}
		if err := s.checkpoints.DeleteCheckpoint(jobID); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleResumeCheckpoint handles POST /api/v1/checkpoints/:id/resume. The
// optional body overrides fields of the checkpoint's config.
func (s *Server) handleResumeCheckpoint(w http.ResponseWriter, r *http.Request, jobID string) {
	cp, err := s.checkpoints.LoadCheckpoint(jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	cfg := cp.Config
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.Validate(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.jobManager.ResumeJob(cp, cfg)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.startJob(job.ID)

	slog.Info("Job resumed", "job_id", job.ID, "step", cp.Step, "loss", cp.Loss)
	writeJSON(w, http.StatusCreated, job)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
