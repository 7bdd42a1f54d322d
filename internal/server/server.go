// Package server wires the relay's shared services together and owns their
// lifetime.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Tyrowin/gorelay/internal/credential"
	"github.com/Tyrowin/gorelay/internal/observability"
	"github.com/Tyrowin/gorelay/internal/registry"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server holds the process-wide state shared by every session: the hub, the
// client registry and the credential store.
type Server struct {
	cfg         Config
	hub         *Hub
	registry    *registry.Registry
	credentials *credential.Store
	metrics     *observability.Metrics
	logger      zerolog.Logger
	origins     originPolicy
	upgrader    websocket.Upgrader

	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	started  sync.Once
	workers  sync.WaitGroup

	// mu orders sessions.Add against Shutdown's Wait.
	mu     sync.Mutex
	closed bool
}

// Option customizes a Server.
type Option func(*options)

type options struct {
	clock   credential.Clock
	metrics *observability.Metrics
}

// WithClock sets the clock used for credential expiry.
func WithClock(clock credential.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithMetrics sets the counter set the server records into.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds a Server from cfg. Call Start before serving requests.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Server, error) {
	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetrics()
	}

	store, err := credential.NewStore(cfg.APIKey, credential.Options{
		TTL:       cfg.TokenTTL,
		SingleUse: cfg.SingleUseTokens,
		Clock:     o.clock,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		hub:         NewHub(cfg.BusBufferSize, cfg.SendBufferSize, logger, o.metrics),
		registry:    registry.New(),
		credentials: store,
		metrics:     o.metrics,
		logger:      logger,
		origins:     newOriginPolicy(cfg.AllowedOrigins, logger.With().Str("component", "origin").Logger()),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s, nil
}

// Config returns the sanitized configuration the server runs with.
func (s *Server) Config() Config { return s.cfg }

// Hub returns the broadcast hub.
func (s *Server) Hub() *Hub { return s.hub }

// Registry returns the client registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Credentials returns the credential store.
func (s *Server) Credentials() *credential.Store { return s.credentials }

// Metrics returns the server's counters.
func (s *Server) Metrics() *observability.Metrics { return s.metrics }

// Start launches the hub and the background maintenance loops. It is safe to
// call more than once.
func (s *Server) Start() {
	s.started.Do(func() {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.hub.Run()
		}()

		if s.cfg.TokenPruneInterval > 0 {
			s.workers.Add(1)
			go func() {
				defer s.workers.Done()
				s.pruneTokens(s.cfg.TokenPruneInterval)
			}()
		}

		if s.cfg.MetricsInterval > 0 {
			s.workers.Add(1)
			go func() {
				defer s.workers.Done()
				s.metrics.Report(s.ctx, s.logger.With().Str("component", "metrics").Logger(), s.cfg.MetricsInterval)
			}()
		}

		s.logger.Info().Uint64("version", s.cfg.Version).Msg("hub started and ready to manage websocket connections")
	})
}

func (s *Server) pruneTokens(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.credentials.Prune(); n > 0 {
				s.logger.Debug().Int("pruned", n).Msg("expired tokens pruned")
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return SetupRoutes(s)
}

// ServeSession runs a session on an already upgraded connection and blocks
// until it ends. Connections arriving after Shutdown has started are closed
// immediately.
func (s *Server) ServeSession(conn Conn, addr string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	session := NewSession(conn, addr, SessionConfig{
		Hub:            s.hub,
		Registry:       s.registry,
		Metrics:        s.metrics,
		Logger:         s.logger,
		Version:        s.cfg.Version,
		MaxMessageSize: s.cfg.MaxMessageSize,
		RateLimit:      s.cfg.RateLimit,
	})
	session.Run(s.ctx)
}

// Shutdown ends every session, stops the hub and the background loops, and
// waits for them up to timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info().Msg("shutting down relay")
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	hubErr := s.hub.Shutdown(timeout)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return hubErr
	case <-time.After(time.Until(deadline)):
		s.logger.Warn().Msg("shutdown timeout reached, some sessions may still be running")
		return errors.Join(hubErr, context.DeadlineExceeded)
	}
}
