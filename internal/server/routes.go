// Package server wires HTTP handlers into a gorilla/mux router for the relay
// via routing helpers.
package server

import (
	"net/http"

	"github.com/Tyrowin/gorelay/internal/observability"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns a router with all application routes.
// Every route answers GET only; other methods get 405.
func SetupRoutes(s *Server) *mux.Router {
	observability.RegisterMetrics()

	r := mux.NewRouter()
	r.Use(observability.RequestMiddleware(s.logger.With().Str("component", "http").Logger()))
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	r.HandleFunc("/token", s.TokenHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.WebSocketHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/", s.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/hello", HelloHandler).Methods(http.MethodGet)

	return r
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
