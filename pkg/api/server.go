// Package api exposes the run engine over HTTP: synchronous run and
// suite execution, run history, evidence listings, and live event
// streams (SSE and WebSocket) fed by the lifecycle bus.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/odvcencio/checkride/pkg/bus"
	"github.com/odvcencio/checkride/pkg/run"
	"github.com/odvcencio/checkride/pkg/runner"
	"github.com/odvcencio/checkride/pkg/storage"
	"github.com/odvcencio/checkride/pkg/telemetry"
)

// RunService is the slice of the coordinator the API depends on.
type RunService interface {
	Run(ctx context.Context, caseID string, vars map[string]string, opts runner.RunOptions) (*run.Result, error)
	RunSuite(ctx context.Context, suiteID string, vars map[string]string) (*run.SuiteResult, error)
	GetRun(ctx context.Context, runID string) (*run.Run, error)
}

// Config configures the API server.
type Config struct {
	// Bind is the listen address (default 127.0.0.1:4640).
	Bind string

	// AuthSecret enables bearer auth when non-empty. Without it every
	// endpoint is open, the platform-internal default.
	AuthSecret string

	// AllowedOrigins restricts CORS and WebSocket origins. Empty allows
	// same-host requests only.
	AllowedOrigins []string

	Runner RunService
	Store  *storage.Store
	Bus    bus.MessageBus
}

// Server is the checkride API server.
type Server struct {
	cfg        Config
	runner     RunService
	store      *storage.Store
	bus        bus.MessageBus
	auth       *authenticator
	logger     *log.Logger
	httpServer *http.Server
}

// NewServer creates the API server. Routes are assembled immediately so
// Handler is usable without Start, which tests rely on.
func NewServer(cfg Config) *Server {
	if cfg.Bind == "" {
		cfg.Bind = "127.0.0.1:4640"
	}

	s := &Server{
		cfg:    cfg,
		runner: cfg.Runner,
		store:  cfg.Store,
		bus:    cfg.Bus,
		auth:   newAuthenticator(cfg.AuthSecret),
		logger: log.New(log.Writer(), "api: ", log.LstdFlags),
	}

	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(securityHeadersMiddleware)
	router.Use(s.requestLogMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)
	router.With(s.auth.require(ScopeViewer)).Get("/metrics", telemetry.MetricsHandler().ServeHTTP)

	router.Route("/api/v1", func(r chi.Router) {
		r.With(s.auth.require(ScopeRunner)).Post("/runs", s.handleCreateRun)
		r.With(s.auth.require(ScopeRunner)).Post("/suites/{id}/runs", s.handleRunSuite)

		r.With(s.auth.require(ScopeViewer)).Get("/runs", s.handleListRuns)
		r.With(s.auth.require(ScopeViewer)).Get("/runs/{id}", s.handleGetRun)
		r.With(s.auth.require(ScopeViewer)).Get("/runs/{id}/evidence", s.handleListEvidence)
		r.With(s.auth.require(ScopeAdmin)).Delete("/runs/{id}", s.handleDeleteRun)

		r.With(s.auth.require(ScopeViewer)).Get("/events", s.handleEvents)
		r.With(s.auth.require(ScopeViewer)).Get("/ws", s.handleWebSocket)
	})

	// h2c keeps HTTP/2 available behind reverse proxies that terminate
	// TLS and forward cleartext.
	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:              cfg.Bind,
		Handler:           h2c.NewHandler(router, h2s),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	return s
}

// Handler returns the root handler, h2c wrapping included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s", s.cfg.Bind)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
