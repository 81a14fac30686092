package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"hourwatch/internal/core"
	"hourwatch/internal/store"
)

// cronPreviewRequest previews either an explicit expression or the stored
// schedule of a job.
type cronPreviewRequest struct {
	Expr  string `json:"expr,omitempty"`
	Job   string `json:"job,omitempty"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	Expr      string   `json:"expr,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 10
)

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "invalid JSON payload"})
		return
	}

	expr := strings.TrimSpace(req.Expr)
	if expr == "" && req.Job != "" {
		job, err := s.store.GetJob(r.Context(), req.Job)
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			s.logger.Error("load job for preview", "job", req.Job, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load job")
			return
		}
		expr = job.Cron
	}
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "expr or job is required"})
		return
	}

	base := time.Now()
	if req.Now != "" {
		parsed, err := core.ParseTimestamp(req.Now)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Expr: expr, Message: "now must be an RFC 3339 time"})
			return
		}
		base = parsed
	}

	schedule, err := core.ParseCron(expr)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Expr: expr, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > maxPreviewCount {
		count = defaultPreviewCount
	}
	times := core.NextOccurrences(schedule, base.In(s.location), count)
	resp := cronPreviewResponse{
		Valid:     true,
		Expr:      expr,
		Timezone:  s.location.String(),
		NextTimes: make([]string, 0, len(times)),
	}
	for _, t := range times {
		resp.NextTimes = append(resp.NextTimes, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, resp)
}
