// Package server constructs and starts the relay's HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// CreateServer creates and configures an HTTP server for addr and handler.
// WriteTimeout is left unset because websocket handlers hold the connection
// for the life of the session.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer starts the HTTP server and begins listening for connections.
// It returns nil once the server has been shut down.
func StartServer(server *http.Server, logger zerolog.Logger) error {
	logger.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger zerolog.Logger) error {
	logger.Info().Msg("shutting down http server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
		return err
	}

	logger.Info().Msg("http server shutdown completed")
	return nil
}
