package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hourwatch/internal/core"
	"hourwatch/internal/store"
)

// ServerConfig wires the HTTP API to the rest of the daemon.
type ServerConfig struct {
	Addr      string
	AuthToken string
	Engine    *core.Engine
	Store     *store.Store
	Scheduler *core.Scheduler
	// MCP is mounted at /mcp when non-nil.
	MCP      http.Handler
	Logger   *slog.Logger
	Location *time.Location
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	engine     *core.Engine
	store      *store.Store
	scheduler  *core.Scheduler
	mcp        http.Handler
	logger     *slog.Logger
	location   *time.Location
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		engine:    cfg.Engine,
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		mcp:       cfg.MCP,
		logger:    cfg.Logger,
		location:  cfg.Location,
		authToken: cfg.AuthToken,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.location == nil {
		s.location = time.Local
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	// Mount MCP endpoint with optional authentication
	if s.mcp != nil {
		var mcpHandler = s.mcp
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		// Apply authentication to all API endpoints
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Get("/catalog", s.handleCatalog)
		r.Get("/runtimes", s.handleRuntimes)
		r.Get("/due", s.handleDue)
		r.Get("/completions", s.handleCompletions)
		r.Post("/acknowledgments", s.handleAcknowledge)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/due", s.handleDueReport)
			r.Get("/summary", s.handleSummaryReport)
			r.Post("/{kind}/send", s.handleSendReport)
		})

		r.Post("/cron/preview", s.handleCronPreview)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Patch("/", s.handleUpdateJob)
				r.Post("/run", s.handleRunJob)
				r.Get("/runs", s.handleListRuns)
			})
		})

		r.Get("/runs/{runID}", s.handleGetRun)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
