package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"hourwatch/internal/api"
	"hourwatch/internal/catalog"
	"hourwatch/internal/config"
	"hourwatch/internal/core"
	"hourwatch/internal/logging"
	hourwatchmcp "hourwatch/internal/mcp"
	"hourwatch/internal/store"
	"hourwatch/internal/telemetry"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if cfg.Mode != config.ModeHTTP {
		logger = logging.NewWithWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("hourwatchd exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	for _, w := range cat.Warnings() {
		logger.Warn("catalog", "warning", w)
	}

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.Schedule.RunRetention)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer storeInst.Close()

	if err := writePIDFile(cfg.PIDPath()); err != nil {
		return err
	}
	defer os.Remove(cfg.PIDPath())

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	chans, err := buildChannels(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer chans.Close()

	var completions core.LogStore
	switch cfg.Store.LogBackend {
	case config.BackendSQLite:
		completions = store.NewSQLiteLog(storeInst, logger)
	default:
		completions = store.NewJSONLog(cfg.Store.LogPath, logger)
	}

	engine, err := core.NewEngine(core.EngineConfig{
		Catalog: cat,
		Runtimes: telemetry.NewPoller(cat.Devices, telemetry.Options{
			Timeout:     cfg.Telemetry.Timeout,
			Concurrency: cfg.Telemetry.Concurrency,
		}, logger),
		Log:              completions,
		DueNotifier:      chans.due,
		SummaryNotifier:  chans.summary,
		OperatorNotifier: chans.alert,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	crons := map[string]string{
		core.JobDueReport:     cfg.Schedule.DueReport,
		core.JobSummaryReport: cfg.Schedule.SummaryReport,
	}
	if chans.email != nil {
		crons[core.JobAckPoll] = cfg.Schedule.AckPoll
	}
	executor := core.NewJobExecutor(storeInst, engine.Jobs(chans.email), cfg.Schedule.JobTimeout, logger)
	scheduler := core.NewScheduler(storeInst, executor, logger, location)

	scheduler.Start(ctx)
	if err := scheduler.Register(ctx, crons); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}

	if chans.matrix != nil {
		go runInboundLoop(ctx, engine, *chans.matrix, logger)
	}

	if cfg.ReportOnStart {
		go sendStartupReports(ctx, engine, logger)
	}

	mcpServer := hourwatchmcp.NewMCPServer(engine, storeInst, scheduler, logger, location)

	// Run based on mode
	switch cfg.Mode {
	case config.ModeMCP:
		err = runMCPMode(mcpServer)
	case config.ModeBoth:
		err = runBothMode(cfg, engine, storeInst, scheduler, mcpServer, logger, location)
	default:
		err = runHTTPMode(cfg, engine, storeInst, scheduler, mcpServer, logger, location)
	}

	cancel()
	stopScheduler(scheduler, cfg.ShutdownGrace, logger)
	logger.Info("shutdown complete")
	return err
}

func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func sendStartupReports(ctx context.Context, engine *core.Engine, logger *slog.Logger) {
	if _, err := engine.SendDueReport(ctx); err != nil {
		logger.Error("startup due report", "err", err)
	}
	if _, err := engine.SendSummaryReport(ctx); err != nil {
		logger.Error("startup summary report", "err", err)
	}
}

func newAPIServer(cfg *config.Config, engine *core.Engine, store *store.Store, scheduler *core.Scheduler, mcpServer *hourwatchmcp.MCPServer, logger *slog.Logger, location *time.Location) (*api.Server, error) {
	return api.NewServer(api.ServerConfig{
		Addr:      cfg.Server.Addr,
		AuthToken: cfg.Server.AuthToken,
		Engine:    engine,
		Store:     store,
		Scheduler: scheduler,
		MCP:       mcpServer.Handler(),
		Logger:    logger,
		Location:  location,
	})
}

// runHTTPMode serves the HTTP API, with MCP mounted at /mcp, until a signal
// arrives.
func runHTTPMode(cfg *config.Config, engine *core.Engine, store *store.Store, scheduler *core.Scheduler, mcpServer *hourwatchmcp.MCPServer, logger *slog.Logger, location *time.Location) error {
	server, err := newAPIServer(cfg, engine, store, scheduler, mcpServer, logger, location)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case runErr = <-serverErr:
		logger.Error("server error", "err", runErr)
	}

	shutdownServer(server, cfg.ShutdownGrace, logger)
	return runErr
}

// runMCPMode serves MCP on stdio. ServeStdio returns on SIGINT/SIGTERM or
// when stdin closes.
func runMCPMode(mcpServer *hourwatchmcp.MCPServer) error {
	if err := mcpServer.Run(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// runBothMode serves the HTTP API and MCP on stdio.
func runBothMode(cfg *config.Config, engine *core.Engine, store *store.Store, scheduler *core.Scheduler, mcpServer *hourwatchmcp.MCPServer, logger *slog.Logger, location *time.Location) error {
	mcpErr := make(chan error, 1)
	go func() {
		mcpErr <- runMCPMode(mcpServer)
	}()

	server, err := newAPIServer(cfg, engine, store, scheduler, mcpServer, logger, location)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case runErr = <-serverErr:
		logger.Error("server error", "err", runErr)
	case runErr = <-mcpErr:
		if runErr != nil {
			logger.Error("mcp server error", "err", runErr)
		} else {
			logger.Info("mcp stdio closed")
		}
	}

	shutdownServer(server, cfg.ShutdownGrace, logger)
	return runErr
}

func shutdownServer(server *api.Server, grace time.Duration, logger *slog.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}

func stopScheduler(scheduler *core.Scheduler, grace time.Duration, logger *slog.Logger) {
	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(grace):
		logger.Warn("scheduler stop timed out")
		return
	}

	done := make(chan struct{})
	go func() {
		scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn("job runs still in flight at shutdown")
	}
}
