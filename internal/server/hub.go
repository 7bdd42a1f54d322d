// Package server coordinates subscription, fan-out and shutdown for the
// relay's broadcast bus via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/gorelay/internal/observability"
	"github.com/Tyrowin/gorelay/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Subscription receives every envelope the hub fans out after registering
// it. Envelopes still queued in the hub when Subscribe is called may be
// delivered too, so a subscriber can see a few envelopes published just
// before it joined. Its channel is closed when the subscriber is removed; Err
// then reports why.
type Subscription struct {
	id   uuid.UUID
	send chan protocol.Envelope
	err  error // written by the hub before send is closed
}

// C returns the subscription's delivery channel.
func (s *Subscription) C() <-chan protocol.Envelope {
	return s.send
}

// Err reports why the subscription ended. It is only meaningful after C is
// closed.
func (s *Subscription) Err() error {
	return s.err
}

// Hub is the single fan-out channel shared by every active session. Envelopes
// reach subscribers in publish order. A subscriber whose buffer is full is
// dropped rather than allowed to stall the others.
type Hub struct {
	subscribers map[*Subscription]bool
	broadcast   chan protocol.Envelope
	register    chan *Subscription
	unregister  chan *Subscription
	mutex       sync.RWMutex
	bufferSize  int
	logger      zerolog.Logger
	metrics     *observability.Metrics
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewHub creates a hub whose publish queue holds busSize envelopes and whose
// subscribers buffer sendSize envelopes each.
func NewHub(busSize, sendSize int, logger zerolog.Logger, metrics *observability.Metrics) *Hub {
	if busSize <= 0 {
		busSize = 100
	}
	if sendSize <= 0 {
		sendSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		subscribers: make(map[*Subscription]bool),
		broadcast:   make(chan protocol.Envelope, busSize),
		register:    make(chan *Subscription),
		unregister:  make(chan *Subscription),
		bufferSize:  sendSize,
		logger:      logger.With().Str("component", "hub").Logger(),
		metrics:     metrics,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (h *Hub) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Subscribe registers a new subscriber for id. The subscription is live when
// Subscribe returns, so anything published afterwards reaches it. Earlier
// publishes still waiting in the queue may reach it as well.
func (h *Hub) Subscribe(id uuid.UUID) (*Subscription, error) {
	if h.closed() {
		return nil, ErrHubClosed
	}
	sub := &Subscription{id: id, send: make(chan protocol.Envelope, h.bufferSize)}
	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, ErrHubClosed
	}
}

// Unsubscribe removes sub and closes its channel. Removing an unknown or
// already dropped subscription is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil || h.closed() {
		return
	}
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish queues env for every subscriber. It blocks only while the publish
// queue is full, which the hub drains without blocking.
func (h *Hub) Publish(env protocol.Envelope) error {
	if h.closed() {
		return ErrHubClosed
	}
	select {
	case h.broadcast <- env:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subscribers)
}

// Run starts the hub's main event loop, handling subscription changes and
// fan-out. It should be called in its own goroutine and returns after
// Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSubscribers()
			return

		case sub := <-h.register:
			h.mutex.Lock()
			h.subscribers[sub] = true
			count := len(h.subscribers)
			h.mutex.Unlock()
			h.logger.Debug().Str("client_id", sub.id.String()).Int("subscribers", count).Msg("subscriber registered")

		case sub := <-h.unregister:
			h.remove(sub, nil)

		case env := <-h.broadcast:
			h.handleBroadcast(env)
		}
	}
}

// handleBroadcast offers env to every subscriber without blocking.
func (h *Hub) handleBroadcast(env protocol.Envelope) {
	h.mutex.RLock()
	var overflowed []*Subscription
	for sub := range h.subscribers {
		select {
		case sub.send <- env:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	h.mutex.RUnlock()

	for _, sub := range overflowed {
		h.metrics.Incr(observability.Drops, 1)
		h.logger.Warn().Str("client_id", sub.id.String()).Msg("subscriber removed due to full send buffer")
		h.remove(sub, ErrSlowConsumer)
	}
}

// remove deletes sub and closes its channel once.
func (h *Hub) remove(sub *Subscription, reason error) {
	h.mutex.Lock()
	_, ok := h.subscribers[sub]
	if ok {
		delete(h.subscribers, sub)
	}
	count := len(h.subscribers)
	h.mutex.Unlock()

	if !ok {
		return
	}
	sub.err = reason
	close(sub.send)
	h.logger.Debug().Str("client_id", sub.id.String()).Int("subscribers", count).Msg("subscriber removed")
}

// shutdownSubscribers closes every remaining subscription.
func (h *Hub) shutdownSubscribers() {
	h.mutex.Lock()
	subs := make([]*Subscription, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mutex.Unlock()

	for _, sub := range subs {
		h.remove(sub, ErrHubClosed)
	}
	h.logger.Info().Int("subscribers", len(subs)).Msg("closed all subscriptions")
}

// Shutdown stops the hub and waits for Run to return, up to timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")
	h.cancel()

	select {
	case <-h.done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
