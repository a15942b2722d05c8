package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/specnet-ai/specviz/internal/engine"
	"github.com/specnet-ai/specviz/internal/health"
	"github.com/specnet-ai/specviz/internal/history"
	"github.com/specnet-ai/specviz/internal/live"
	"github.com/specnet-ai/specviz/internal/ratelimit"
)

// Server is the specviz HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Bridge, Prober, History, Limiter.
type ServerConfig struct {
	// Required dependencies.
	Engine *engine.Engine
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Bridge  *live.Client
	Prober  *health.Prober
	History *history.Store
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	Version            string
	MaxBodyBytes       int64
	CORSAllowedOrigins []string

	// UIFS serves the embedded visualization frontend at the root path
	// when non-nil (builds with -tags ui).
	UIFS fs.FS

	// OpenAPISpec is the embedded OpenAPI YAML served at /openapi.yaml.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:       cfg.Engine,
		Bridge:       cfg.Bridge,
		Prober:       cfg.Prober,
		History:      cfg.History,
		Logger:       cfg.Logger,
		Version:      cfg.Version,
		MaxBodyBytes: cfg.MaxBodyBytes,
		OpenAPISpec:  cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Only submissions are rate limited; reads serve from the snapshot.
	submitRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	mux.Handle("POST /v1/inference", submitRL(http.HandlerFunc(h.HandleSubmit)))
	mux.HandleFunc("GET /v1/state", h.HandleState)
	mux.HandleFunc("GET /v1/state/stream", h.HandleStateStream)
	mux.HandleFunc("POST /v1/packets/{id}/ack", h.HandlePacketAck)
	mux.HandleFunc("GET /v1/runs", h.HandleRuns)
	mux.HandleFunc("GET /v1/nodes", h.HandleNodes)
	mux.HandleFunc("GET /v1/stats", h.HandleStats)

	// Health and API docs (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// SPA: serve the embedded frontend at the root path. API routes are
	// registered first so they take priority.
	if cfg.UIFS != nil {
		mux.Handle("/", newSPAHandler(cfg.UIFS))
		cfg.Logger.Info("ui enabled, serving SPA at /")
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
