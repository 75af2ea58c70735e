// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Hyper-Int/devbridge/internal/id"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024 * 1024 // screenshots travel inline as base64
	outputBuffer   = 256
)

// RoleKind tags what a connection turned out to be.
type RoleKind int

const (
	RoleUnclassified RoleKind = iota
	RoleController
	RoleRuntime
)

func (k RoleKind) String() string {
	switch k {
	case RoleController:
		return "controller"
	case RoleRuntime:
		return "runtime"
	default:
		return "unclassified"
	}
}

// RuntimeIdentity is what a runtime declared in browser-client-ready.
type RuntimeIdentity struct {
	AppPort   int
	URL       string
	UserAgent string
	Verified  bool
}

// Role is resolved from the first message a connection sends. Runtime is
// set only for RoleRuntime.
type Role struct {
	Kind    RoleKind
	Runtime *RuntimeIdentity
}

// Conn is one accepted websocket connection.
type Conn struct {
	id        string
	ws        *websocket.Conn
	origin    string
	flagged   bool
	createdAt time.Time
	limiter   *rate.Limiter
	logger    *slog.Logger

	output chan []byte

	mu          sync.Mutex
	role        Role
	peer        *Conn // controller awaiting this runtime's next reply
	closed      bool
	closeCode   int
	closeReason string
}

func newConn(ws *websocket.Conn, origin string, flagged bool, limiter *rate.Limiter, logger *slog.Logger) *Conn {
	connID := id.Conn()
	return &Conn{
		id:        connID,
		ws:        ws,
		origin:    origin,
		flagged:   flagged,
		createdAt: time.Now(),
		limiter:   limiter,
		logger:    logger.With("conn", connID),
		output:    make(chan []byte, outputBuffer),
		closeCode: websocket.CloseNormalClosure,
	}
}

// ID returns the connection's identifier.
func (c *Conn) ID() string {
	return c.id
}

// Origin returns the declared Origin header, if any.
func (c *Conn) Origin() string {
	return c.origin
}

// Flagged reports whether the origin port differed from the app port.
func (c *Conn) Flagged() bool {
	return c.flagged
}

// Role returns the current role.
func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Conn) setRole(r Role) Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.role
	c.role = r
	return prev
}

// IsVerifiedRuntime reports whether this connection may receive commands.
func (c *Conn) IsVerifiedRuntime() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role.Kind == RoleRuntime && c.role.Runtime != nil && c.role.Runtime.Verified && !c.closed
}

// SetPeer points the single back-reference slot at ctrl, replacing any
// previous controller.
func (c *Conn) SetPeer(ctrl *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = ctrl
}

// TakePeer returns and clears the back-reference.
func (c *Conn) TakePeer() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.peer
	c.peer = nil
	return p
}

// clearPeerIf drops the back-reference when it points at target.
func (c *Conn) clearPeerIf(target *Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == target {
		c.peer = nil
		return true
	}
	return false
}

// Send queues a frame without blocking. It returns false when the
// connection is closed or its queue is full.
func (c *Conn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.output <- data:
		return true
	default:
		c.logger.Warn("output queue full, dropping frame")
		return false
	}
}

// SendJSON encodes v and queues it.
func (c *Conn) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode frame", "error", err)
		return false
	}
	return c.Send(data)
}

// Close stops the write pump, which sends a close frame with code and
// reason. Only the first call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.output)
}

func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// readPump delivers inbound text frames to handle until the socket fails,
// then calls release.
func (c *Conn) readPump(handle func(*Conn, []byte), release func(*Conn)) {
	defer func() {
		release(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		// any traffic proves liveness
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "type", messageType)
			continue
		}
		handle(c, data)
	}
}

// writePump is the only writer on the socket, which keeps per-connection
// order intact.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.output:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.mu.Lock()
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				c.mu.Unlock()
				c.ws.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
