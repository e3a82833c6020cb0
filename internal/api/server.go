package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/texgw/internal/auth"
	"github.com/mattjoyce/texgw/internal/dispatch"
	"github.com/mattjoyce/texgw/internal/events"
	"github.com/mattjoyce/texgw/internal/pool"
)

// RenderService runs one render request.
type RenderService interface {
	Render(ctx context.Context, req dispatch.Request) ([]byte, error)
}

// PoolReporter exposes pool statistics for /healthz.
type PoolReporter interface {
	Stats() pool.Stats
}

// EventSource feeds GET /events.
type EventSource interface {
	Since(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
	LastID() int64
}

// DefaultMaxBodySize caps POST /render bodies when Config leaves it unset.
const DefaultMaxBodySize = 1 << 20

// Config holds API server configuration
type Config struct {
	Listen      string
	MaxBodySize int64
	// KeepAlive is the SSE keep-alive interval. Defaults to 15s.
	KeepAlive time.Duration
	// OperatorToken guards /healthz and /events when set.
	OperatorToken string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	renderer  RenderService
	pools     map[string]PoolReporter
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. pools is keyed by pool name.
func New(config Config, renderer RenderService, pools map[string]PoolReporter, events EventSource, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	return &Server{
		config:    config,
		renderer:  renderer,
		pools:     pools,
		events:    events,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: /events streams for as long as the client stays.
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.operatorMiddleware)
		r.Get("/healthz", s.handleHealthz)
		r.Get("/events", s.handleEvents)
	})

	r.Post("/render", s.handleRenderBody)
	// Wildcard so documents may contain slashes.
	r.Get("/render/*", s.handleRenderPath)

	return r
}

// operatorMiddleware requires the operator bearer token when one is
// configured.
func (s *Server) operatorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.OperatorToken != "" {
			if err := auth.Authenticate(r, s.config.OperatorToken); err != nil {
				s.logger.Debug("operator authentication failed", "path", r.URL.Path, "error", err)
				s.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests. Paths under /render carry the
// document, so only the route pattern is logged.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
