// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package server runs one devbridge server: it binds a port, serves the
// status document, health and metrics endpoints, and accepts controller and
// runtime websocket connections on the same path.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/devbridge/internal/config"
	"github.com/Hyper-Int/devbridge/internal/listener"
	"github.com/Hyper-Int/devbridge/internal/metrics"
	"github.com/Hyper-Int/devbridge/internal/pending"
	"github.com/Hyper-Int/devbridge/internal/protocol"
	"github.com/Hyper-Int/devbridge/internal/screenshots"
	"github.com/Hyper-Int/devbridge/internal/subscriptions"
	"github.com/Hyper-Int/devbridge/internal/ws"
)

var (
	ErrNotInitialized = errors.New("server not initialized")
	ErrClosed         = errors.New("server closed")
)

// Server owns the listener and every connection table of one instance.
// Several servers may run in one process.
type Server struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	hub      *ws.Hub
	registry *subscriptions.Registry
	ledger   *pending.Ledger

	mu        sync.Mutex
	listener  net.Listener
	identity  protocol.Identity
	router    *ws.Router
	http      *http.Server
	startedAt time.Time
	closed    bool
}

// New creates an unbound server.
func New(cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New()
	return &Server{
		cfg:      cfg,
		logger:   logger.With("component", "server"),
		metrics:  m,
		hub:      ws.NewHub(m),
		registry: subscriptions.NewRegistry(logger),
		ledger:   pending.New(cfg.RequestTimeout, ws.ScreenshotTimeout(m), logger),
	}
}

// Initialize binds the first free port starting at the configured one.
// Calling it again returns the existing listener without rebinding.
func (s *Server) Initialize(ctx context.Context) (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.listener != nil {
		return s.listener, nil
	}

	ln, port, err := listener.Listen(ctx, s.cfg.Host, s.cfg.ServerPort(), s.cfg.MaxPortRetries, s.logger)
	if err != nil {
		return nil, err
	}

	root := s.cfg.Root
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			ln.Close()
			return nil, fmt.Errorf("resolve root: %w", err)
		}
	}

	s.identity = protocol.Identity{Port: port, AppPort: s.cfg.AppPort, Root: root}
	s.router = ws.NewRouter(ws.Options{
		Identity:       s.identity,
		Hub:            s.hub,
		Registry:       s.registry,
		Ledger:         s.ledger,
		Metrics:        s.metrics,
		Screenshots:    s.screenshotStore(root),
		Logger:         s.logger,
		RequestTimeout: s.cfg.RequestTimeout,
		RateLimit:      s.cfg.RateLimit,
		RateBurst:      s.cfg.RateBurst,
		APIKeyEnv:      s.cfg.APIKeyEnv,
	})
	s.listener = ln
	s.startedAt = time.Now()

	s.logger.Info("listening", "port", port, "app_port", s.cfg.AppPort, "root", root)
	return ln, nil
}

func (s *Server) screenshotStore(root string) *screenshots.Store {
	dir := s.cfg.ScreenshotDir
	if dir == "" {
		return nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	return screenshots.NewStore(dir)
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.listener == nil {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.http != nil {
		s.mu.Unlock()
		return errors.New("server already serving")
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv, ln := s.http, s.listener
	s.mu.Unlock()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting, closes every websocket with going-away and
// stops pending request timers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv, ln := s.http, s.listener
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	} else if ln != nil {
		err = ln.Close()
	}
	s.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
	s.ledger.Close()
	s.logger.Info("server stopped")
	return err
}

// Identity returns the bound identity. It is zero before Initialize.
func (s *Server) Identity() protocol.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Port returns the bound port, or zero before Initialize.
func (s *Server) Port() int {
	return s.Identity().Port
}

// Metrics exposes the server's collectors.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Status reports what GET / returns.
func (s *Server) Status() protocol.Status {
	s.mu.Lock()
	id, started := s.identity, s.startedAt
	s.mu.Unlock()

	st := protocol.Status{
		Name:                 protocol.ServerName,
		Version:              protocol.Version,
		Status:               "running",
		Port:                 id.Port,
		ConnectedClientCount: s.hub.Count(),
	}
	if id.AppPort != 0 {
		appPort := id.AppPort
		st.AssociatedApplicationPort = &appPort
	}
	if !started.IsZero() {
		st.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	return st
}

// Handler returns the HTTP routes of this server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Status document and websocket endpoint share the root path.
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.mu.Lock()
		router := s.router
		s.mu.Unlock()
		if router == nil {
			http.Error(w, ErrNotInitialized.Error(), http.StatusServiceUnavailable)
			return
		}
		router.HandleWebSocket(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Warn("write status", "error", err)
	}
}
