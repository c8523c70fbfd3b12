package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/drover-io/drover/pkg/engine"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/queue"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
)

// Server is the admin HTTP surface: Prometheus metrics, fleet status
// and the job/workflow/schedule management API.
type Server struct {
	e   *engine.Engine
	srv *http.Server
}

// New creates an admin server over the engine.
func New(e *engine.Engine) *Server {
	return &Server{e: e}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/robots", s.handleListRobots)
	mux.HandleFunc("GET /api/robots/health", s.handleRobotHealth)

	mux.HandleFunc("POST /api/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)

	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)

	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules/{id}/toggle", s.handleToggleSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	mux.HandleFunc("POST /api/tokens", s.handleIssueToken)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/recovery", s.handleRecovery)

	return mux
}

// Start serves the admin API on addr until Stop.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("admin API listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the admin API down gracefully.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	dash, err := s.e.Dashboard()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) handleListRobots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.e.Robots())
}

func (s *Server) handleRobotHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.e.HealthReports())
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	job, err := s.e.SubmitJob(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if days := r.URL.Query().Get("history_days"); days != "" {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid history_days"))
			return
		}
		jobs, err := s.e.JobHistory(n)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobs)
		return
	}

	jobs, err := s.e.Jobs()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.e.Job(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via API"
	}
	if err := s.e.CancelJob(r.PathValue("id"), reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string          `json:"name"`
		Definition json.RawMessage `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	wf, err := s.e.CreateWorkflow(req.Name, req.Definition)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	wfs, err := s.e.Workflows()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.e.DeleteWorkflow(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sched types.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if err := s.e.CreateSchedule(&sched); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.e.Schedules())
}

func (s *Server) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if err := s.e.ToggleSchedule(r.PathValue("id"), req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.e.DeleteSchedule(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RobotID string   `json:"robot_id"`
		Scopes  []string `json:"scopes,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RobotID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("robot_id required"))
		return
	}
	tok, err := s.e.IssueRobotToken(req.RobotID, req.Scopes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.e.DispatchStats())
}

func (s *Server) handleRecovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.e.RecoveryActions())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, queue.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrDuplicateJob):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
