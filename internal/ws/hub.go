// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"sync"

	"github.com/Hyper-Int/devbridge/internal/metrics"
)

// Hub is the connection table of one server. Connections are kept in
// accept order so "first verified runtime" is well defined.
type Hub struct {
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns []*Conn
	byID  map[string]*Conn
}

// NewHub creates an empty connection table. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		metrics: m,
		byID:    make(map[string]*Conn),
	}
}

// Register adds c to the table.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = append(h.conns, c)
	h.byID[c.ID()] = c
	h.gauge(c.Role().Kind, 1)
}

// Unregister removes c and clears every runtime back-reference that points
// at it. It reports whether c was present.
func (h *Hub) Unregister(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.byID[c.ID()]; !ok {
		return false
	}
	delete(h.byID, c.ID())
	for i, other := range h.conns {
		if other == c {
			h.conns = append(h.conns[:i], h.conns[i+1:]...)
			break
		}
	}
	for _, other := range h.conns {
		other.clearPeerIf(c)
	}
	h.gauge(c.Role().Kind, -1)
	return true
}

// SetRole changes c's role and keeps the per-role gauge in step.
func (h *Hub) SetRole(c *Conn, r Role) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := c.setRole(r)
	if _, ok := h.byID[c.ID()]; ok {
		h.gauge(prev.Kind, -1)
		h.gauge(r.Kind, 1)
	}
}

// FirstVerifiedRuntime returns the earliest-accepted verified runtime, or
// nil when there is none.
func (h *Hub) FirstVerifiedRuntime() *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if c.IsVerifiedRuntime() {
			return c
		}
	}
	return nil
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every connection with the given close code.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	conns := append([]*Conn(nil), h.conns...)
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close(code, reason)
	}
}

func (h *Hub) gauge(k RoleKind, delta float64) {
	if h.metrics == nil {
		return
	}
	h.metrics.Connections.WithLabelValues(k.String()).Add(delta)
}
