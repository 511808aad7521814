// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/shineum/compose-relay/internal/relay"
	"github.com/shineum/compose-relay/internal/transport"
)

// shutdownTimeout is the maximum time to wait for in-flight requests
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an HTTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":3000").
	ListenAddr string

	// Acquirer supplies the transport for each send.
	Acquirer transport.Acquirer

	// Relay configures the send-email endpoint.
	Relay relay.Config

	// TLSConfig enables HTTPS when set.
	TLSConfig *tls.Config

	Logger *slog.Logger
}

// Server serves the relay endpoint until its context is cancelled.
type Server struct {
	config  ServerConfig
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		config:  cfg,
		handler: NewRouter(cfg.Acquirer, cfg.Relay, cfg.Logger),
	}
}

// Handler returns the routed handler, for mounting elsewhere or testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts the HTTP server and blocks until the context is
// cancelled. On cancellation it stops accepting connections and waits up to
// 30 seconds for in-flight requests to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := s.config.Logger

	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	logger.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"transport", s.config.Acquirer.Name(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	errCh := make(chan error, 1)
	go func() {
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

	logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown timeout reached, forcing close", "error", err)
		srv.Close()
		return nil
	}

	logger.Info("all requests completed")
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
