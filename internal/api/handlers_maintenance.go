package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hourwatch/internal/catalog"
	"hourwatch/internal/core"
)

type catalogResponse struct {
	Machines []catalog.Machine `json:"machines"`
	Devices  []catalog.Device  `json:"devices"`
	Warnings []string          `json:"warnings"`
}

type runtimesResponse struct {
	Runtimes    core.RuntimeSnapshot `json:"runtimes"`
	Unavailable []string             `json:"unavailable"`
}

type acknowledgeRequest struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	c := s.engine.Catalog()
	warnings := c.Warnings()
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, catalogResponse{Machines: c.Machines, Devices: c.Devices, Warnings: warnings})
}

func (s *Server) handleRuntimes(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Runtimes(r.Context())
	unavailable := []string{}
	for _, name := range s.engine.Catalog().MachineNames() {
		if _, ok := snap[name]; !ok {
			unavailable = append(unavailable, name)
		}
	}
	writeJSON(w, http.StatusOK, runtimesResponse{Runtimes: snap, Unavailable: unavailable})
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.DueReport(r.Context())
	if err != nil {
		s.logger.Error("compute due tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to compute due tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at": report.GeneratedAt.UTC().Format(time.RFC3339),
		"count":        report.Due.Count(),
		"due":          report.Due,
	})
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := core.ParseTimestamp(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}
	records, err := s.engine.Completions(r.Context(), since)
	if err != nil {
		s.logger.Error("load completions", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load completion log")
		return
	}
	if records == nil {
		records = []core.CompletionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Sender = strings.TrimSpace(req.Sender)
	if req.Sender == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "sender is required")
		return
	}
	outcome, err := s.engine.Acknowledge(r.Context(), req.Sender, req.Body, nil)
	if err != nil {
		s.logger.Error("acknowledge", "sender", req.Sender, "err", err)
		writeError(w, http.StatusServiceUnavailable, "log_write_failed", "completion log could not be written; nothing was recorded")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleDueReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.DueReport(r.Context())
	if err != nil {
		s.logger.Error("due report", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build due report")
		return
	}
	s.writeReport(w, r, report)
}

func (s *Server) handleSummaryReport(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now()
	if raw := strings.TrimSpace(r.URL.Query().Get("as_of")); raw != "" {
		parsed, err := core.ParseTimestamp(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "as_of must be an RFC 3339 timestamp")
			return
		}
		asOf = parsed
	}
	report, err := s.engine.SummaryReport(r.Context(), asOf)
	if err != nil {
		s.logger.Error("summary report", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build summary report")
		return
	}
	s.writeReport(w, r, report)
}

func (s *Server) handleSendReport(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	var (
		report *core.Report
		err    error
	)
	switch kind {
	case core.KindDue:
		report, err = s.engine.SendDueReport(r.Context())
	case core.KindSummary:
		report, err = s.engine.SendSummaryReport(r.Context())
	default:
		writeError(w, http.StatusNotFound, "not_found", "report kind must be due or summary")
		return
	}
	if err != nil {
		s.logger.Error("send report", "kind", kind, "err", err)
		writeError(w, http.StatusBadGateway, "send_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeReport answers with the plain-text body when the client asks for
// text/plain, JSON otherwise.
func (s *Server) writeReport(w http.ResponseWriter, r *http.Request, report *core.Report) {
	if strings.Contains(r.Header.Get("Accept"), "text/plain") || r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(report.Body))
		return
	}
	writeJSON(w, http.StatusOK, report)
}
