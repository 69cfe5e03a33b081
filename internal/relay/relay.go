// Package relay streams the agent event bus to authenticated websocket
// clients.
package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/conductor/pkg/models"
)

// clientBuffer is the per-client send queue depth. A client that falls
// behind by this many events starts losing them.
const clientBuffer = 64

// Hub fans agent events out to connected clients. Slow clients drop
// events rather than stall the engine or their peers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

type client struct {
	subject string
	send    chan models.AgentEvent
}

func (h *Hub) register(subject string) *client {
	c := &client{
		subject: subject,
		send:    make(chan models.AgentEvent, clientBuffer),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast queues the event on every client, dropping for clients
// whose queue is full.
func (h *Hub) Broadcast(e models.AgentEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the total number of events dropped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Emit implements agent.EventSink, so the relay plugs into a turn as
// one more sink.
func (h *Hub) Emit(ctx context.Context, e models.AgentEvent) {
	h.Broadcast(e)
}
