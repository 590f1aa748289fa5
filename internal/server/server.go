package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server is the Hibiki HTTP server.
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
// Optional fields (nil-safe): Engine, Retrieval, Analysis, NLQuery, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB     conversationStore
	Logger *slog.Logger

	// Optional dependencies (nil = route disabled).
	Engine    syncRunner
	Retrieval searcher
	Analysis  analyzer
	NLQuery   questionAnswerer
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	APIToken            string
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Engine:              cfg.Engine,
		Retrieval:           cfg.Retrieval,
		Analysis:            cfg.Analysis,
		NLQuery:             cfg.NLQuery,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Structured queries over the stored corpus.
	mux.HandleFunc("GET /v1/conversations", h.HandleListConversations)
	mux.HandleFunc("GET /v1/conversations/{external_id}", h.HandleGetConversation)

	// Semantic search.
	if cfg.Retrieval != nil {
		mux.HandleFunc("POST /v1/search", h.HandleSearch)
	}

	// LLM analytics.
	if cfg.Analysis != nil {
		mux.HandleFunc("POST /v1/analysis", h.HandleAnalysis)
	}

	// Natural-language queries.
	if cfg.NLQuery != nil {
		mux.HandleFunc("POST /v1/query", h.HandleNLQuery)
	}

	// Sync control.
	if cfg.Engine != nil {
		mux.HandleFunc("POST /v1/sync", h.HandleSync)
	}
	mux.HandleFunc("GET /v1/sync/cursors", h.HandleListCursors)
	mux.HandleFunc("DELETE /v1/sync/cursors/{agent_id}", h.HandleResetCursor)

	// MCP StreamableHTTP transport (behind the same bearer token).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.APIToken, handler)
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
