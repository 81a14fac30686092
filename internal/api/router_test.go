package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hourwatch/internal/catalog"
	"hourwatch/internal/core"
	"hourwatch/internal/notify"
	"hourwatch/internal/store"
)

const testToken = "s3cret"

var fixedNow = time.Date(2024, 5, 6, 14, 15, 0, 0, time.UTC)

type staticRuntimes core.RuntimeSnapshot

func (s staticRuntimes) Runtimes(context.Context) (core.RuntimeSnapshot, error) {
	out := core.RuntimeSnapshot{}
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

type apiFixture struct {
	server    *Server
	scheduler *core.Scheduler
	due       *notify.FakeNotifier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cat, err := catalog.New([]catalog.Machine{
		{Name: "Compressor", Tasks: []catalog.Task{{Name: "Drain Water", IntervalHours: 40}}},
		{Name: "Motor", Tasks: []catalog.Task{{Name: "Oil Change", IntervalHours: 40}}},
	}, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	st, err := store.Open(ctx, dir, 10)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	due := notify.NewFakeNotifier()
	engine, err := core.NewEngine(core.EngineConfig{
		Catalog:     cat,
		Runtimes:    staticRuntimes{"Compressor": 12, "Motor": 125},
		Log:         store.NewJSONLog(filepath.Join(dir, "completions.json"), logger),
		DueNotifier: due,
		Logger:      logger,
		Now:         func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	exec := core.NewJobExecutor(st, engine.Jobs(nil), time.Second, logger)
	sched := core.NewScheduler(st, exec, logger, time.UTC)
	require.NoError(t, sched.Register(ctx, map[string]string{
		core.JobDueReport:     "15 14 * * 1-5",
		core.JobSummaryReport: "17 14 * * 1-5",
	}))

	srv, err := NewServer(ServerConfig{
		AuthToken: testToken,
		Engine:    engine,
		Store:     st,
		Scheduler: sched,
		Logger:    logger,
		Location:  time.UTC,
	})
	require.NoError(t, err)
	return &apiFixture{server: srv, scheduler: sched, due: due}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealthAndAuth(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/catalog", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[errorBody](t, rec).Error.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/catalog?token="+testToken, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCatalogAndRuntimes(t *testing.T) {
	f := newAPIFixture(t)

	cat := decode[catalogResponse](t, f.do(t, http.MethodGet, "/v1/catalog", nil))
	require.Len(t, cat.Machines, 2)
	assert.Equal(t, "Compressor", cat.Machines[0].Name)

	rt := decode[runtimesResponse](t, f.do(t, http.MethodGet, "/v1/runtimes", nil))
	assert.Equal(t, 125.0, rt.Runtimes["Motor"])
	assert.Empty(t, rt.Unavailable)
}

func TestAcknowledgmentFlow(t *testing.T) {
	f := newAPIFixture(t)

	due := decode[struct {
		Count int         `json:"count"`
		Due   core.DueSet `json:"due"`
	}](t, f.do(t, http.MethodGet, "/v1/due", nil))
	assert.Equal(t, 1, due.Count)
	assert.Equal(t, []core.DueTask{{Task: "Oil Change", RuntimeWhenDue: 120}}, due.Due["Motor"])

	rec := f.do(t, http.MethodPost, "/v1/acknowledgments", acknowledgeRequest{
		Sender: "dave@example.com",
		Body:   "Oil Change on Motor completed\nPolish on Motor completed\nhello",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	outcome := decode[core.AckOutcome](t, rec)
	assert.Equal(t, []string{"Oil Change on Motor"}, outcome.Result.Accepted)
	assert.Equal(t, []string{"hello"}, outcome.Malformed)
	assert.Contains(t, outcome.Confirmation, "Polish on Motor - Invalid task")

	records := decode[[]core.CompletionRecord](t, f.do(t, http.MethodGet, "/v1/completions", nil))
	require.Len(t, records, 1)
	assert.Equal(t, "dave@example.com", records[0].User)
	assert.Equal(t, core.KnownRuntime(125), records[0].RuntimeAtCompletion)

	recent := decode[[]core.CompletionRecord](t, f.do(t, http.MethodGet, "/v1/completions?since=2030-01-01T00:00:00Z", nil))
	assert.Empty(t, recent)

	rec = f.do(t, http.MethodGet, "/v1/completions?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/acknowledgments", acknowledgeRequest{Body: "Oil Change on Motor completed"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReports(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/reports/due", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Accept", "text/plain")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.True(t, strings.HasPrefix(rec.Body.String(), core.DueReportTitle))
	assert.Contains(t, rec.Body.String(), "    - Oil Change (due at 120 hours)")

	summary := decode[core.Report](t, f.do(t, http.MethodGet, "/v1/reports/summary?as_of=2024-05-06T14:17:00Z", nil))
	assert.Equal(t, core.KindSummary, summary.Kind)
	assert.Contains(t, summary.Body, "Tasks Completed in Last 24 Hours:\n  - None")

	rec = f.do(t, http.MethodPost, "/v1/reports/due/send", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.due.Messages(), 1)
	assert.Equal(t, core.DueReportTitle, f.due.Messages()[0].Title)

	rec = f.do(t, http.MethodPost, "/v1/reports/weekly/send", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	jobs := decode[[]jobResponse](t, f.do(t, http.MethodGet, "/v1/jobs", nil))
	require.Len(t, jobs, 2)
	assert.Equal(t, core.JobDueReport, jobs[0].Name)
	assert.True(t, jobs[0].Scheduled)
	require.NotNil(t, jobs[0].NextRunAt)

	paused := true
	rec := f.do(t, http.MethodPatch, "/v1/jobs/"+core.JobSummaryReport, updateJobRequest{Paused: &paused})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decode[jobResponse](t, rec)
	assert.Equal(t, "paused", job.Status)
	assert.False(t, job.Scheduled)
	assert.Nil(t, job.NextRunAt)

	bad := "@hourly"
	rec = f.do(t, http.MethodPatch, "/v1/jobs/"+core.JobDueReport, updateJobRequest{Cron: &bad})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_cron", decode[errorBody](t, rec).Error.Code)

	rec = f.do(t, http.MethodGet, "/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+core.JobDueReport+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	runID := decode[map[string]string](t, rec)["run_id"]
	f.scheduler.Wait()

	runs := decode[[]runResponse](t, f.do(t, http.MethodGet, "/v1/jobs/"+core.JobDueReport+"/runs", nil))
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, "succeeded", runs[0].Status)
	assert.Len(t, f.due.Messages(), 1)

	run := decode[runResponse](t, f.do(t, http.MethodGet, "/v1/runs/"+runID, nil))
	assert.Equal(t, core.JobDueReport, run.Job)
}

func TestCronPreview(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/cron/preview", cronPreviewRequest{Expr: "15 14 * * 1-5", Now: "2024-05-10T15:00:00Z", Count: 2})
	resp := decode[cronPreviewResponse](t, rec)
	assert.True(t, resp.Valid)
	assert.Equal(t, []string{"2024-05-13T14:15:00Z", "2024-05-14T14:15:00Z"}, resp.NextTimes)

	resp = decode[cronPreviewResponse](t, f.do(t, http.MethodPost, "/v1/cron/preview", cronPreviewRequest{Expr: "99 * * * *"}))
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Message)

	resp = decode[cronPreviewResponse](t, f.do(t, http.MethodPost, "/v1/cron/preview", cronPreviewRequest{Job: core.JobSummaryReport, Now: "2024-05-10T15:00:00Z", Count: 1}))
	assert.True(t, resp.Valid)
	assert.Equal(t, "17 14 * * 1-5", resp.Expr)
	assert.Equal(t, []string{"2024-05-13T14:17:00Z"}, resp.NextTimes)

	rec = f.do(t, http.MethodPost, "/v1/cron/preview", cronPreviewRequest{Job: "weekly_report"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/cron/preview", cronPreviewRequest{Expr: "15 14 * * 1-5", Now: "friday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
