package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"hourwatch/internal/catalog"
	"hourwatch/internal/core"
	"hourwatch/internal/store"
)

// MCPServer exposes maintenance operations as MCP tools.
type MCPServer struct {
	srv       *server.MCPServer
	engine    *core.Engine
	store     *store.Store
	scheduler *core.Scheduler
	logger    *slog.Logger
	location  *time.Location
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(engine *core.Engine, store *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) *MCPServer {
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		srv: server.NewMCPServer(
			"hourwatch",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		engine:    engine,
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		location:  location,
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.srv)
}

// Handler returns the streamable HTTP transport for mounting at /mcp.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.srv)
}

func (s *MCPServer) registerTools() {
	s.srv.AddTool(mcp.NewTool("maint_catalog",
		mcp.WithDescription("List machines with their maintenance tasks and service intervals in runtime hours"),
	), s.handleCatalog)

	s.srv.AddTool(mcp.NewTool("maint_due",
		mcp.WithDescription("Show current machine runtimes and the maintenance tasks that are due now"),
	), s.handleDue)

	s.srv.AddTool(mcp.NewTool("maint_summary",
		mcp.WithDescription("Daily summary: tasks completed in the last 24 hours and tasks still pending"),
		mcp.WithString("as_of",
			mcp.Description("RFC 3339 time the 24 hour window ends at, default now"),
		),
	), s.handleSummary)

	s.srv.AddTool(mcp.NewTool("maint_completions",
		mcp.WithDescription("List logged task completions"),
		mcp.WithNumber("hours",
			mcp.Description("Only completions from the last N hours, default 24; 0 lists the whole log"),
			mcp.Min(0),
		),
	), s.handleCompletions)

	s.srv.AddTool(mcp.NewTool("maint_acknowledge",
		mcp.WithDescription("Record completed maintenance. Each line of body reads '[task] on [machine] completed'"),
		mcp.WithString("sender",
			mcp.Required(),
			mcp.Description("Who performed the work"),
		),
		mcp.WithString("body",
			mcp.Required(),
			mcp.Description("Acknowledgment text, one task per line"),
		),
	), s.handleAcknowledge)

	s.srv.AddTool(mcp.NewTool("maint_list_jobs",
		mcp.WithDescription("List scheduled jobs with their cron expression, status and next run"),
	), s.handleListJobs)

	s.srv.AddTool(mcp.NewTool("maint_run_job",
		mcp.WithDescription("Run a scheduled job immediately"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Job name"),
			mcp.Enum(core.JobDueReport, core.JobSummaryReport, core.JobAckPoll),
		),
	), s.handleRunJob)

	s.srv.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a 5-field cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '15 14 * * 1-5' for weekdays at 14:15"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Info("MCP tools registered", "count", 8)
}

func (s *MCPServer) handleCatalog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c := s.engine.Catalog()
	var b strings.Builder
	for _, m := range c.Machines {
		fmt.Fprintf(&b, "%s:\n", m.Name)
		for _, t := range m.Tasks {
			fmt.Fprintf(&b, "  - %s every %s hours\n", t.Name, core.FormatHours(t.IntervalHours))
		}
	}
	for _, w := range c.Warnings() {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleDue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.engine.DueReport(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compute due tasks: %v", err)), nil
	}
	return mcp.NewToolResultText(report.Body), nil
}

func (s *MCPServer) handleSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	asOf := time.Now()
	if raw := mcp.ParseString(request, "as_of", ""); raw != "" {
		parsed, err := core.ParseTimestamp(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid as_of: %v", err)), nil
		}
		asOf = parsed
	}
	report, err := s.engine.SummaryReport(ctx, asOf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build summary: %v", err)), nil
	}
	return mcp.NewToolResultText(report.Body), nil
}

func (s *MCPServer) handleCompletions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hours := mcp.ParseFloat64(request, "hours", 24)
	var since time.Time
	if hours > 0 {
		since = time.Now().Add(-time.Duration(hours * float64(time.Hour)))
	}
	records, err := s.engine.Completions(ctx, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load completion log: %v", err)), nil
	}
	if len(records) == 0 {
		return mcp.NewToolResultText("No completions found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d completions:\n\n", len(records))
	for _, r := range records {
		fmt.Fprintf(&b, "- %s on %s by %s at %s hours (due at %s, completed %s)\n",
			catalog.Canonical(r.Task), catalog.Canonical(r.Machine), r.User,
			r.RuntimeAtCompletion, core.FormatHours(r.RuntimeWhenDue),
			formatTime(&r.Timestamp, s.location))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleAcknowledge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sender := strings.TrimSpace(mcp.ParseString(request, "sender", ""))
	body := mcp.ParseString(request, "body", "")
	if sender == "" {
		return mcp.NewToolResultError("sender is required"), nil
	}
	outcome, err := s.engine.Acknowledge(ctx, sender, body, nil)
	if err != nil {
		var perr *core.PersistenceError
		if errors.As(err, &perr) {
			return mcp.NewToolResultError("The completion log could not be written; nothing was recorded. The operator has been alerted."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("acknowledgment failed: %v", err)), nil
	}
	return mcp.NewToolResultText(outcome.Confirmation), nil
}

func (s *MCPServer) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		s.logger.Error("list jobs", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list jobs: %v", err)), nil
	}
	if len(jobs) == 0 {
		return mcp.NewToolResultText("No jobs registered"), nil
	}
	var b strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s [%s]\n", j.Name, j.Status)
		fmt.Fprintf(&b, "  Cron: %s\n", j.Cron)
		fmt.Fprintf(&b, "  Last run: %s\n", formatTime(j.LastRunAt, s.location))
		fmt.Fprintf(&b, "  Next run: %s\n", formatTime(j.NextRunAt, s.location))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(request, "name", "")
	job, err := s.store.GetJob(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("job not found: %s", name)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load job: %v", err)), nil
	}
	run, err := s.scheduler.RunJobNow(ctx, job)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start job: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Job started\nJob: %s\nRun ID: %s", job.Name, run.ID)), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")

	schedule, err := core.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	count := int(mcp.ParseFloat64(request, "count", 5))
	if count < 1 || count > 10 {
		count = 5
	}

	nextTimes := core.NextOccurrences(schedule, time.Now().In(s.location), count)

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n", cronExpr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.location)
	b.WriteString("Next fire times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}
