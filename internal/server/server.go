package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/gougi-ai/gougi/internal/auth"
	"github.com/gougi-ai/gougi/internal/engine"
	"github.com/gougi-ai/gougi/internal/quota"
	"github.com/gougi-ai/gougi/internal/ratelimit"
	"github.com/gougi-ai/gougi/internal/store"
)

// Server is the Gougi HTTP server.
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

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Engine  *engine.Engine
	Tracker *quota.Tracker
	Keyring *auth.Keyring
	JWTMgr  *auth.JWTManager
	Store   store.Store
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter     ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Tracker:             cfg.Tracker,
		Keyring:             cfg.Keyring,
		JWTMgr:              cfg.JWTMgr,
		Store:               cfg.Store,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Authenticated routes account bursts per caller; the daily quota is
	// enforced separately inside the engine.
	callerFn := func(r *http.Request) ratelimit.Caller {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			return ratelimit.Caller{}
		}
		return ratelimit.Caller{ID: claims.CallerID, Plan: claims.Plan}
	}
	submitRL := ratelimit.Middleware(cfg.Limiter, ratelimit.ClassSubmit, callerFn, reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, ratelimit.ClassQuery, callerFn, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.ClassAuth, ratelimit.IPCaller, reqIDFunc)

	mux := http.NewServeMux()

	// Token issuance (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Query lifecycle.
	mux.Handle("POST /v1/queries", submitRL(http.HandlerFunc(h.HandleSubmitQuery)))
	mux.Handle("GET /v1/queries/{id}", queryRL(http.HandlerFunc(h.HandleGetQuery)))

	// Terminal event stream (no rate limit — long-lived connection).
	mux.Handle("GET /v1/queries/{id}/events", http.HandlerFunc(h.HandleQueryEvents))

	// Usage endpoint.
	mux.Handle("GET /v1/usage", queryRL(http.HandlerFunc(h.HandleUsage)))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// OpenAPI specification (no auth).
	if len(cfg.OpenAPISpec) > 0 {
		spec := cfg.OpenAPISpec
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(spec)
		})
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
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
