// Package push delivers alerts to connected clients over the event bus.
//
// Each connected client holds a subscription on its user's alert topic.
// Presence is tracked per process: IsConnected only knows clients attached
// to this Hub.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

const defaultBuffer = 16

// Hub publishes alert payloads and tracks connected clients.
type Hub struct {
	bus    domain.EventBus
	buffer int

	mu    sync.RWMutex
	conns map[string]int
}

// NewHub creates a hub over bus. buffer bounds each client's queue.
func NewHub(bus domain.EventBus, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		bus:    bus,
		buffer: buffer,
		conns:  make(map[string]int),
	}
}

// Conn is one connected client.
type Conn struct {
	C <-chan []byte

	userID string
	hub    *Hub
	sub    domain.Subscription
	once   sync.Once
}

// Connect attaches a client for userID. The client receives every payload
// sent to the user until Close.
func (h *Hub) Connect(ctx context.Context, userID string) (*Conn, error) {
	if userID == "" {
		return nil, domain.Validationf("user id is required")
	}

	ch := make(chan []byte, h.buffer)
	sub, err := h.bus.Subscribe(ctx, domain.UserAlertTopic(userID), func(ctx context.Context, msg *domain.Message) error {
		select {
		case ch <- msg.Payload:
		default:
			slog.Warn("push client lagging, dropping alert", "user_id", userID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe alerts: %w", err)
	}

	h.mu.Lock()
	h.conns[userID]++
	h.mu.Unlock()

	slog.Debug("push client connected", "user_id", userID)
	return &Conn{C: ch, userID: userID, hub: h, sub: sub}, nil
}

// Close detaches the client. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.sub.Unsubscribe()

		c.hub.mu.Lock()
		if c.hub.conns[c.userID]--; c.hub.conns[c.userID] <= 0 {
			delete(c.hub.conns, c.userID)
		}
		c.hub.mu.Unlock()

		slog.Debug("push client disconnected", "user_id", c.userID)
	})
	return err
}

// IsConnected reports whether userID has a client attached.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[userID] > 0
}

// Connections returns the number of attached clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.conns {
		n += c
	}
	return n
}

// Send publishes payload to the user's clients.
func (h *Hub) Send(ctx context.Context, userID string, payload []byte) error {
	return h.bus.Publish(ctx, domain.UserAlertTopic(userID), payload)
}
