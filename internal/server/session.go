// Package server drives individual relay sessions: the name handshake, the
// outbound forwarder and inbound receiver pair, and teardown.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/gorelay/internal/observability"
	"github.com/Tyrowin/gorelay/internal/protocol"
	"github.com/Tyrowin/gorelay/internal/registry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Session owns one client connection from its first frame to teardown.
type Session struct {
	conn     Conn
	addr     string
	hub      *Hub
	registry *registry.Registry
	router   router
	limiter  *rateLimiter
	metrics  *observability.Metrics
	logger   zerolog.Logger

	version        uint64
	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration

	state atomic.Int32
	id    uuid.UUID
	name  string
}

// SessionConfig carries the dependencies a Session is built with.
type SessionConfig struct {
	Hub            *Hub
	Registry       *registry.Registry
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	Version        uint64
	MaxMessageSize int64
	RateLimit      RateLimitConfig
}

// NewSession creates a session for conn. Nothing is sent until Run.
func NewSession(conn Conn, addr string, cfg SessionConfig) *Session {
	s := &Session{
		conn:           conn,
		addr:           addr,
		hub:            cfg.Hub,
		registry:       cfg.Registry,
		router:         router{registry: cfg.Registry},
		limiter:        newRateLimiter(cfg.RateLimit, nil),
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With().Str("component", "session").Str("remote", addr).Logger(),
		version:        cfg.Version,
		maxMessageSize: cfg.MaxMessageSize,
		writeWait:      writeWait,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
	s.logger.Debug().Stringer("state", state).Msg("session state changed")
}

// ID returns the session's routing identity. It is stable once Run has
// entered the active state.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Run drives the session until the client goes away or ctx is cancelled.
// The connection is closed when Run returns.
func (s *Session) Run(ctx context.Context) {
	s.metrics.Incr(observability.Websockets, 1)
	defer func() {
		s.metrics.Decr(observability.Websockets, 1)
		s.closeConnection()
		s.setState(StateClosed)
	}()

	if s.maxMessageSize > 0 {
		s.conn.SetReadLimit(s.maxMessageSize)
	}
	s.setupReadConnection()

	if err := s.connect(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send connect messages")
		return
	}

	s.setState(StateAwaitingName)
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	err := s.awaitName()
	stop()
	if err != nil {
		s.logger.Info().Str("client_id", s.id.String()).Err(err).Msg("connection ended before a name was set")
		return
	}

	s.setState(StateActive)
	s.active(ctx)
}

// connect assigns the session identity and tells the client who is present.
func (s *Session) connect() error {
	s.id = uuid.New()
	s.logger = s.logger.With().Str("client_id", s.id.String()).Logger()
	s.logger.Info().Msg("client connected")

	if err := s.writeEnvelope(protocol.Envelope{
		Content: protocol.Connect{Version: s.version, ID: s.id},
	}); err != nil {
		return err
	}

	for id, name := range s.registry.Snapshot() {
		if err := s.writeEnvelope(protocol.Envelope{
			Content: protocol.Joined{ID: id, Name: name},
		}); err != nil {
			return err
		}
	}
	return nil
}

// awaitName reads frames until a name is claimed. Protocol mistakes are
// answered and the wait continues; only transport errors end it.
func (s *Session) awaitName() error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		s.extendReadDeadline()
		if messageType != websocket.TextMessage {
			s.logger.Debug().Int("type", messageType).Msg("ignoring non-text frame")
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Bytes("frame", data).Msg("invalid command during handshake")
			if err := s.replyError(protocol.InvalidCommand, fmt.Sprintf("%s: %v", msgInvalidCommand, err)); err != nil {
				return err
			}
			continue
		}

		done, err := s.handleHandshake(env)
		if err != nil || done {
			return err
		}
	}
}

func (s *Session) handleHandshake(env protocol.Envelope) (bool, error) {
	if !env.IsBroadcast() {
		s.logger.Warn().Msg("addressed message before name was set")
		return false, s.replyError(protocol.MissingName, msgMissingName)
	}

	switch c := env.Content.(type) {
	case protocol.SetClientID:
		if c.ID == protocol.ServerID {
			return false, s.replyError(protocol.InvalidCommand, msgInvalidCommand+": reserved client id")
		}
		// Early answer only; Join makes the binding decision.
		if _, taken := s.registry.Name(c.ID); taken && c.ID != s.id {
			return false, s.replyError(protocol.InvalidCommand, msgInvalidCommand+": client id in use")
		}
		s.id = c.ID
		s.logger = s.logger.With().Str("client_id", s.id.String()).Logger()
		s.logger.Debug().Msg("client id replaced")
		return false, nil

	case protocol.SetName:
		if c.Name == "" {
			return false, s.replyError(protocol.MissingName, msgMissingName)
		}
		if err := s.registry.Join(s.id, c.Name); err != nil {
			if errors.Is(err, registry.ErrIdentityInUse) {
				s.logger.Warn().Msg("client id claimed by another session")
				return false, s.replyError(protocol.InvalidCommand, msgInvalidCommand+": client id in use")
			}
			s.metrics.Incr(observability.NamesRejected, 1)
			s.logger.Debug().Str("name", c.Name).Msg("name already in use")
			return false, s.replyError(protocol.NameUnavailable, msgNameUnavailable)
		}
		s.name = c.Name
		s.logger = s.logger.With().Str("name", s.name).Logger()
		s.logger.Debug().Msg("name set")
		return true, nil

	case protocol.Connect, protocol.Sync, protocol.Joined, protocol.Left, protocol.ErrorMsg:
		s.logger.Warn().Str("type", string(c.Tag())).Msg("command before name was set")
		return false, s.replyError(protocol.MissingName, msgMissingName)

	default:
		return false, s.replyError(protocol.MissingName, msgMissingName)
	}
}

// active runs the forwarder and receiver until either stops, then tears the
// session down. The registry already holds this session's name.
func (s *Session) active(ctx context.Context) {
	sub, err := s.hub.Subscribe(s.id)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not subscribe to hub")
		s.registry.Release(s.id)
		return
	}
	s.metrics.Incr(observability.SessionsActive, 1)
	defer s.metrics.Decr(observability.SessionsActive, 1)

	if err := s.hub.Publish(protocol.Envelope{
		Content: protocol.Joined{ID: s.id, Name: s.name},
	}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish joined")
	}

	s.extendReadDeadline()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		task string
		err  error
	}
	results := make(chan result, 2)
	go func() { results <- result{"forwarder", s.forward(ctx, sub)} }()
	go func() { results <- result{"receiver", s.receive(ctx)} }()

	first := <-results
	cancel()
	s.closeConnection()
	s.hub.Unsubscribe(sub)
	second := <-results

	s.setState(StateClosing)
	s.logger.Info().
		Str("ended_by", first.task).
		AnErr("reason", first.err).
		AnErr("other", second.err).
		Msg("client disconnected")

	name, ok := s.registry.Release(s.id)
	if !ok {
		name = s.name
	}
	if err := s.hub.Publish(protocol.Envelope{
		Content: protocol.Left{ID: s.id, Name: name},
	}); err != nil {
		s.logger.Debug().Err(err).Msg("left not published")
	}
}

// forward drains the subscription, writing envelopes meant for this session
// and keeping the connection alive with pings.
func (s *Session) forward(ctx context.Context, sub *Subscription) error {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-sub.C():
			if !ok {
				return s.subscriptionEnded(sub)
			}
			if !env.DeliverableTo(s.id) {
				continue
			}
			if err := s.writeEnvelope(env); err != nil {
				return err
			}

		case <-ticker.C:
			if err := s.writePing(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) subscriptionEnded(sub *Subscription) error {
	err := sub.Err()
	if err == nil {
		err = ErrHubClosed
	}
	code, text := websocket.CloseGoingAway, "server shutting down"
	if errors.Is(err, ErrSlowConsumer) {
		code, text = websocket.ClosePolicyViolation, "slow consumer"
	}
	s.writeCloseMessage(code, text)
	return err
}

// receive reads client frames and routes them until the connection fails.
func (s *Session) receive(ctx context.Context) error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.handleReadError(err)
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		s.metrics.Incr(observability.ConnRecv, 1)
		s.extendReadDeadline()

		if messageType != websocket.TextMessage {
			s.logger.Debug().Int("type", messageType).Msg("ignoring non-text frame")
			continue
		}
		if !s.checkRateLimit() {
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Bytes("frame", data).Msg("invalid command")
			continue
		}
		env.From = s.id
		s.handleEnvelope(env)
	}
}

func (s *Session) handleEnvelope(env protocol.Envelope) {
	result := s.router.route(s.id, s.name, env)
	if result.Ignored != "" {
		s.logger.Debug().Str("type", string(env.Content.Tag())).Str("reason", result.Ignored).Msg("not handling message")
	}
	if result.Name != s.name {
		s.logger.Debug().Str("old_name", s.name).Str("new_name", result.Name).Msg("renamed")
		s.name = result.Name
	}
	for _, out := range result.Publish {
		if e, ok := out.Content.(protocol.ErrorMsg); ok && e.Kind == protocol.NameUnavailable {
			s.metrics.Incr(observability.NamesRejected, 1)
		}
		if err := s.hub.Publish(out); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish")
			return
		}
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (s *Session) checkRateLimit() bool {
	if s.limiter != nil && !s.limiter.allow() {
		s.metrics.Incr(observability.Drops, 1)
		s.logger.Warn().Msg("rate limit exceeded; discarding message")
		return false
	}
	return true
}

// setupReadConnection configures read deadlines and pong handler for the connection
func (s *Session) setupReadConnection() {
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})
}

// extendReadDeadline gives the client another pongWait to send something.
func (s *Session) extendReadDeadline() {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWait)); err != nil {
		s.logger.Warn().Err(err).Msg("error setting read deadline")
	}
}

// handleReadError logs read failures at a level matching how expected they are.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn().Int64("limit", s.maxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		s.logger.Debug().Err(err).Msg("client closed connection")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.logger.Debug().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		s.logger.Warn().Err(err).Msg("unexpected websocket close")
	default:
		s.logger.Warn().Err(err).Msg("websocket read error")
	}
}

func (s *Session) replyError(kind protocol.ErrorKind, message string) error {
	return s.writeEnvelope(protocol.Envelope{
		To:      s.id,
		Content: protocol.ErrorMsg{Kind: kind, Message: message},
	})
}

// writeEnvelope encodes env for this client. Recipient filtering has already
// happened, so the recipient is not sent.
func (s *Session) writeEnvelope(env protocol.Envelope) error {
	env.To = uuid.Nil
	data, err := protocol.Encode(env)
	if err != nil {
		s.logger.Error().Err(err).Msg("error encoding envelope")
		return nil
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Warn().Err(err).Msg("error writing message")
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	s.metrics.Incr(observability.ConnSend, 1)
	return nil
}

// writePing sends a ping message to keep the connection alive
func (s *Session) writePing() error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// writeCloseMessage sends a close frame; failures are only logged.
func (s *Session) writeCloseMessage(code int, text string) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return
	}
	if err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text)); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Debug().Err(err).Msg("error writing close message")
		}
	}
}

// closeConnection safely closes the connection with proper error handling
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug().Err(err).Msg("error closing connection")
	}
}
