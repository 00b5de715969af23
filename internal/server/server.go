// Package server exposes the position engine over a JSON HTTP API and serves
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/metrics"
	"github.com/alanyoungcy/exitpilot/internal/server/handler"
	"github.com/alanyoungcy/exitpilot/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimit       int    // requests per RateLimitWindow per client; 0 disables
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Status, Archives and Events are optional.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Archives  *handler.ArchiveHandler
	Events    *handler.EventsHandler
}

// Server is the headless HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on a ServeMux and
// the middleware chain applied. limiter and m may be nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      newHandler(cfg, handlers, limiter, m, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

func newHandler(cfg Config, handlers Handlers, limiter domain.RateLimiter, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/history", handlers.Positions.History)
	mux.HandleFunc("POST /api/positions", handlers.Positions.Open)
	mux.HandleFunc("POST /api/positions/close-all", handlers.Positions.CloseAll)
	mux.HandleFunc("DELETE /api/positions/{asset}", handlers.Positions.Close)

	if handlers.Archives != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archives.List)
	}
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.List)
	}
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	// Outermost first: CORS, logging, rate limit, auth.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	h = middleware.Logging(logger, m)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
