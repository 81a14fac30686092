package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hourwatch/internal/core"
	"hourwatch/internal/store"
)

type updateJobRequest struct {
	Cron   *string `json:"cron"`
	Paused *bool   `json:"paused"`
}

type jobResponse struct {
	Name      string  `json:"name"`
	Cron      string  `json:"cron"`
	Status    string  `json:"status"`
	Scheduled bool    `json:"scheduled"`
	LastRunAt *string `json:"last_run_at,omitempty"`
	NextRunAt *string `json:"next_run_at,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		s.logger.Error("list jobs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}
	res := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		res = append(res, s.jobToResponse(j))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.jobToResponse(job))
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	cronChanged := false
	if req.Cron != nil {
		cronExpr := strings.TrimSpace(*req.Cron)
		if _, err := core.ParseCron(cronExpr); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
			return
		}
		job.Cron = cronExpr
		cronChanged = true
	}

	statusChanged := false
	if req.Paused != nil {
		if *req.Paused && job.Status != core.JobStatusPaused {
			job.Status = core.JobStatusPaused
			statusChanged = true
		}
		if !*req.Paused && job.Status != core.JobStatusActive {
			job.Status = core.JobStatusActive
			statusChanged = true
		}
	}

	if job.Status == core.JobStatusActive && (cronChanged || statusChanged) {
		job.NextRunAt = core.NextRun(job.Cron, time.Now().In(s.location))
	}
	if job.Status == core.JobStatusPaused {
		job.NextRunAt = nil
	}

	if err := s.store.UpdateJob(r.Context(), job); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		s.logger.Error("update job", "job", job.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update job")
		return
	}

	if err := s.scheduler.AddOrUpdateJob(r.Context(), job); err != nil {
		s.logger.Error("reschedule job", "job", job.Name, "err", err)
	}

	writeJSON(w, http.StatusOK, s.jobToResponse(job))
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	run, err := s.scheduler.RunJobNow(r.Context(), job)
	if err != nil {
		if errors.Is(err, core.ErrJobRunning) {
			writeError(w, http.StatusConflict, "conflict", "job is already running")
			return
		}
		s.logger.Error("run job now", "job", job.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	runs, err := s.store.ListRuns(r.Context(), job.Name, limit, offset)
	if err != nil {
		s.logger.Error("list runs", "job", job.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*core.Job, bool) {
	name := chi.URLParam(r, "name")
	job, err := s.store.GetJob(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
		} else {
			s.logger.Error("get job", "job", name, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load job")
		}
		return nil, false
	}
	return job, true
}

func (s *Server) jobToResponse(job *core.Job) jobResponse {
	return jobResponse{
		Name:      job.Name,
		Cron:      job.Cron,
		Status:    string(job.Status),
		Scheduled: s.scheduler.IsScheduled(job.Name),
		LastRunAt: formatTimePtr(job.LastRunAt),
		NextRunAt: formatTimePtr(job.NextRunAt),
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
