// Package server wires the companion HTTP API and manages its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/companion/internal/config"
	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/internal/memory"
	"github.com/scrypster/companion/web/handlers"
)

// Deps are the collaborators the API serves.
type Deps struct {
	Flow      handlers.TurnProcessor
	Store     memory.Store
	Machines  handlers.Machines
	Generator llm.TextGenerator
	Logger    *zap.Logger
}

// Server is the companion HTTP server.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	hub     *handlers.WebSocketHub
	logger  *zap.Logger
}

// New builds the routes. Nothing listens until Serve.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	hub := handlers.NewWebSocketHub(logger)
	chat := handlers.NewChatHandlers(deps.Flow, deps.Store, deps.Machines, handlers.ChatConfig{
		Names:          cfg.Memory.Names(),
		RecordSessions: cfg.Server.RecordSessions,
		Generator:      deps.Generator,
		Events:         hub,
		Logger:         logger,
	})

	// API routes (require auth in production mode)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/chat", chat.Chat)
	apiMux.HandleFunc("/api/chat/stream", chat.ChatStream)
	apiMux.HandleFunc("/api/chat/ws", chat.ChatSocket)
	apiMux.HandleFunc("/api/state", chat.Companions)
	apiMux.HandleFunc("/api/state/{companion}", chat.State)
	apiMux.HandleFunc("/api/collections", chat.Collections)
	apiMux.Handle("/api/events", hub)

	mux := http.NewServeMux()
	// Health endpoint, no auth required
	mux.HandleFunc("/api/health", chat.Health)
	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg.Security))

	var rl *handlers.RateLimiter
	if cfg.Server.RateLimit > 0 {
		rl = handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	handler := handlers.RateLimitMiddleware(mux, rl)
	handler = handlers.SecurityHeaders(handler)
	handler = handlers.AccessLog(handler, logger)

	return &Server{cfg: cfg, handler: handler, hub: hub, logger: logger}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully within
// the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// WriteTimeout stays unset: streamed turns outlive any fixed bound.
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go s.hub.Run()
	defer s.hub.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("server shutdown error", zap.Error(err))
		return err
	}
	<-errCh
	return nil
}
