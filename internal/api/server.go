// Package api exposes the chat endpoint and conversation history over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xleven/ask-sspai/internal/chat"
	"github.com/xleven/ask-sspai/internal/history"
	"github.com/xleven/ask-sspai/internal/ratelimit"
)

// Responder runs the retrieval and generation pipeline for one question,
// relaying tokens as they arrive.
type Responder interface {
	Respond(ctx context.Context, req chat.Request, relay chat.TokenRelay) error
}

// ConversationStore persists and serves saved conversations.
type ConversationStore interface {
	Save(ctx context.Context, conv *chat.Conversation) error
	List(ctx context.Context, ownerID string, limit int) ([]history.Summary, error)
	Get(ctx context.Context, id, ownerID string) (*chat.Conversation, error)
	Delete(ctx context.Context, id, ownerID string) error
}

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger            *slog.Logger
	Responder         Responder          // Required
	History           ConversationStore  // Required
	Registered        ratelimit.Limiter  // Required: quota for authenticated users
	Anonymous         ratelimit.Limiter  // Required: quota for preview-token users
	ResolveCredential func(previewToken string) (string, error) // Required
	Pool              *pgxpool.Pool      // Optional: nil disables pool ping in /ready
	HMACSecret        []byte             // Required: 32+ bytes, verifies uid cookies
	CORSOrigins       []string           // Allowed origins for CORS
	TrustProxy        bool               // Trust X-Real-IP/X-Forwarded-For headers
	SaveTimeout       time.Duration      // Budget for post-stream persistence (default 10s)
}

// Server is the JSON/streaming API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Responder == nil {
		return nil, errors.New("responder is required")
	}
	if cfg.History == nil {
		return nil, errors.New("history store is required")
	}
	if cfg.Registered == nil || cfg.Anonymous == nil {
		return nil, errors.New("both rate limiters are required")
	}
	if cfg.ResolveCredential == nil {
		return nil, errors.New("credential resolver is required")
	}
	if len(cfg.HMACSecret) < 32 {
		return nil, errors.New("hmac secret must be at least 32 bytes")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	saveTimeout := cfg.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = 10 * time.Second
	}

	ch := &chatHandler{
		logger:            logger,
		responder:         cfg.Responder,
		history:           cfg.History,
		registered:        cfg.Registered,
		anonymous:         cfg.Anonymous,
		resolveCredential: cfg.ResolveCredential,
		hmacSecret:        cfg.HMACSecret,
		trustProxy:        cfg.TrustProxy,
		saveTimeout:       saveTimeout,
	}

	hh := &historyHandler{
		logger:     logger,
		store:      cfg.History,
		hmacSecret: cfg.HMACSecret,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", ch.respond)

	mux.HandleFunc("GET /api/chats", hh.list)
	mux.HandleFunc("GET /api/chats/{id}", hh.get)
	mux.HandleFunc("DELETE /api/chats/{id}", hh.delete)

	// Middleware stack, outermost first: Recovery → RequestID → Logging → CORS → Routes
	// RequestID must be before Logging so request_id is available in log attributes.
	var handler http.Handler = mux
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Top-level mux keeps health probes outside the middleware stack
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
