package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiai/internal/ratelimit"
	"github.com/ashita-ai/kiai/internal/service/ingest"
	"github.com/ashita-ai/kiai/internal/service/registry"
	"github.com/ashita-ai/kiai/internal/service/session"
	"github.com/ashita-ai/kiai/internal/storage"
)

// Server is the kiai HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Verifier, Limiter, Broker, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store    storage.Store
	Registry *registry.Registry
	Sessions *session.Service
	Pipeline *ingest.Pipeline
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Verifier  CallbackVerifier
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Registry:            cfg.Registry,
		Sessions:            cfg.Sessions,
		Pipeline:            cfg.Pipeline,
		Verifier:            cfg.Verifier,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Provider callbacks (token-checked when configured, never rate limited).
	mux.HandleFunc("POST /callback", h.HandleCallback)
	mux.HandleFunc("POST /callback/memories-ai", h.HandleCallback)

	// Session control.
	mux.HandleFunc("POST /v1/streams", h.HandleStartStream)
	mux.HandleFunc("POST /v1/streams/{task_id}/stop", h.HandleStopStream)

	// Queries.
	mux.HandleFunc("GET /v1/streams", h.HandleListStreams)
	mux.HandleFunc("GET /v1/streams/{task_id}", h.HandleGetStream)
	mux.HandleFunc("GET /v1/streams/{task_id}/events", h.HandleStreamEvents)
	mux.HandleFunc("GET /v1/events/recent", h.HandleRecentEvents)
	mux.HandleFunc("GET /v1/users/{user_id}/stats", h.HandleUserStats)
	mux.HandleFunc("GET /v1/users/{user_id}/messages", h.HandleUserMessages)

	// Long-lived connection, exempt from rate limiting.
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → rate limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.Limiter != nil {
		reqIDFunc := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
		handler = ratelimit.Middleware(cfg.Limiter, apiKeyFunc, reqIDFunc, cfg.Logger)(handler)
	}
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// apiKeyFunc limits /v1 requests by client IP. Everything else (callbacks,
// health, MCP) and the SSE stream are exempt.
func apiKeyFunc(r *http.Request) string {
	if !strings.HasPrefix(r.URL.Path, "/v1/") || r.URL.Path == "/v1/subscribe" {
		return ""
	}
	return ratelimit.IPKeyFunc(r)
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
