// Package server exposes HTTP handlers, including token issuance, WebSocket
// upgrades and health checks.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Tyrowin/gorelay/internal/credential"
	"github.com/Tyrowin/gorelay/internal/observability"
)

const apiKeyHeader = "x-api-key"

// TokenHandler issues a short-lived websocket credential to callers that
// present the configured API key in the x-api-key header.
func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) {
	cred, err := s.credentials.Issue(r.Header.Get(apiKeyHeader))
	if err != nil {
		s.metrics.Incr(observability.TokensRejected, 1)
		if !errors.Is(err, credential.ErrUnauthorized) {
			s.logger.Error().Err(err).Msg("failed to issue token")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("token request with invalid api key")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.metrics.Incr(observability.TokensIssued, 1)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(cred); err != nil {
		s.logger.Error().Err(err).Msg("error writing token response")
	}
}

// WebSocketHandler validates the token query parameter, upgrades the
// connection and runs a session on it until the client goes away.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.credentials.Validate(r.URL.Query().Get("token")); err != nil {
		s.metrics.Incr(observability.TokensRejected, 1)
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("websocket request with invalid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if s.ctx.Err() != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	s.ServeSession(conn, r.RemoteAddr)
}

// HelloHandler answers the plain text greeting used as a liveness probe by
// clients.
func HelloHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, "Hello, World!")
}

// HealthHandler reports that the relay is up along with a few gauges.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := struct {
		Status   string `json:"status"`
		Version  uint64 `json:"version"`
		Sessions int    `json:"sessions"`
		Clients  int    `json:"clients"`
	}{
		Status:   "ok",
		Version:  s.cfg.Version,
		Sessions: s.hub.SubscriberCount(),
		Clients:  s.registry.Len(),
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error().Err(err).Msg("error writing health response")
	}
}
