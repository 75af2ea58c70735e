// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 32 * 1024 * 1024
	outputBuffer   = 64
)

// session is one dialed connection to a server.
type session struct {
	conn   *websocket.Conn
	port   int
	logger *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, port int, logger *slog.Logger) *session {
	conn.SetReadLimit(maxMessageSize)
	return &session{
		conn:   conn,
		port:   port,
		logger: logger,
		out:    make(chan []byte, outputBuffer),
		done:   make(chan struct{}),
	}
}

// send queues a frame. It never blocks and returns false once the session
// is closed or its queue is full.
func (s *session) send(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- data:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("output queue full, dropping frame")
		return false
	}
}

func (s *session) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode frame", "error", err)
		return false
	}
	return s.send(data)
}

// close sends a close frame and tears the socket down. Safe to call more
// than once.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		s.conn.Close()
	})
}

// readPump feeds inbound text frames to frames and closes it when the
// socket fails.
func (s *session) readPump(frames chan<- []byte) {
	defer close(frames)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case frames <- data:
		case <-s.done:
			return
		}
	}
}

// writePump is the only data writer on the socket.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}
