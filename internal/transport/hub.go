// ABOUTME: In-process index of live connections by connection id
// ABOUTME: Lets the bridge find sockets and the handler close superseded ones

package transport

import (
	"sync"

	"github.com/2389/netra-gateway/internal/bridge"
)

// Hub maps connection ids to the live connections held by this process.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
}

func (h *Hub) get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Conn implements bridge.Conns.
func (h *Hub) Conn(id string) (bridge.Conn, bool) {
	c, ok := h.get(id)
	if !ok {
		return nil, false
	}
	return c, true
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every connection with code and reason.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.CloseWith(code, reason)
	}
}
