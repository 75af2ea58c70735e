// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package bridge is the runtime half of devbridge. A Bridge dials the
// server, identifies itself, answers forwarded commands with its handler
// set, streams console logs and sends auto-captures after source changes.
//
// Connection policy: an established connection that drops is retried
// against the base port after ReconnectDelay. A server whose identity does
// not match sends the bridge to the next port; after MaxPortRetries ports
// the scan restarts from the base port once ScanCooldown has passed. The
// bridge never gives up while Run is active.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/devbridge/internal/protocol"
)

var (
	ErrAlreadyRunning = errors.New("bridge already running")
)

// State is the client side of the identity handshake.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingIdentity
	StateVerified
	StateMismatchedRetryNext
	StateMismatchedRestartScan
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingIdentity:
		return "awaiting-identity"
	case StateVerified:
		return "verified"
	case StateMismatchedRetryNext:
		return "mismatched-retry-next"
	case StateMismatchedRestartScan:
		return "mismatched-restart-scan"
	default:
		return "disconnected"
	}
}

// Config controls connection and capture behavior.
type Config struct {
	Host            string
	BasePort        int
	MaxPortRetries  int
	AppPort         int // zero accepts any server
	PageURL         string
	UserAgent       string
	VerifyTimeout   time.Duration
	ReconnectDelay  time.Duration
	ScanCooldown    time.Duration
	CaptureDebounce time.Duration
	HandlerTimeout  time.Duration
	LogCapacity     int
	AutoCapture     bool
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.BasePort == 0 {
		c.BasePort = protocol.DefaultServerPort(c.AppPort)
	}
	if c.MaxPortRetries < 1 {
		c.MaxPortRetries = protocol.DefaultMaxPortRetries
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 2 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ScanCooldown <= 0 {
		c.ScanCooldown = 10 * time.Second
	}
	if c.CaptureDebounce <= 0 {
		c.CaptureDebounce = 500 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.LogCapacity < 1 {
		c.LogCapacity = 1000
	}
}

// Bridge maintains one connection to a devbridge server.
type Bridge struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger
	logs     *Ring[protocol.LogEntry]
	capture  *autoCapture
	dialer   websocket.Dialer

	// OnStateChange, when set before Run, observes every transition.
	OnStateChange func(State)

	mu      sync.Mutex
	state   State
	current *session // set only while verified
	server  *protocol.ServerInfo
	cancel  context.CancelFunc
	running bool
}

// New creates a bridge. Call Run to connect.
func New(cfg Config, handlers Handlers, logger *slog.Logger) *Bridge {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With("component", "bridge"),
		logs:     NewRing[protocol.LogEntry](cfg.LogCapacity),
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		},
	}
	b.capture = newAutoCapture(cfg.CaptureDebounce, b.captureOnce)
	return b
}

// State returns the current handshake state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Port returns the port of the verified connection, or zero.
func (b *Bridge) Port() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return 0
	}
	return b.current.port
}

// Server returns the identity the connected server announced, if any.
func (b *Bridge) Server() (protocol.ServerInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server == nil {
		return protocol.ServerInfo{}, false
	}
	return *b.server, true
}

// Sequence returns the number of completed auto-captures.
func (b *Bridge) Sequence() uint64 {
	return b.capture.sequence()
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()

	if prev == s {
		return
	}
	b.logger.Debug("state changed", "from", prev.String(), "to", s.String())
	if b.OnStateChange != nil {
		b.OnStateChange(s)
	}
}

func (b *Bridge) verifiedSession() *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Run connects and keeps reconnecting until ctx is done or Stop is called.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	b.running = true
	b.cancel = cancel
	b.mu.Unlock()
	b.capture.start()

	defer func() {
		cancel()
		b.capture.stop()
		b.mu.Lock()
		b.running = false
		b.cancel = nil
		b.mu.Unlock()
		b.setState(StateDisconnected)
	}()

	offset := 0
	for ctx.Err() == nil {
		port := b.cfg.BasePort + offset
		switch b.connect(ctx, port) {
		case outcomeMismatch, outcomeDialFailed:
			// a port that refuses the upgrade is skipped like a foreign server
			offset = b.advance(ctx, offset)

		case outcomeClosed:
			b.setState(StateDisconnected)
			offset = 0
			sleep(ctx, b.cfg.ReconnectDelay)
		}
	}
	return nil
}

// advance moves the scan to the next port, or back to the base port after
// the cooldown once the range is used up.
func (b *Bridge) advance(ctx context.Context, offset int) int {
	offset++
	if offset < b.cfg.MaxPortRetries {
		b.setState(StateMismatchedRetryNext)
		return offset
	}
	b.setState(StateMismatchedRestartScan)
	b.logger.Info("no matching server in range, restarting scan",
		"base_port", b.cfg.BasePort, "ports", b.cfg.MaxPortRetries, "cooldown", b.cfg.ScanCooldown)
	sleep(ctx, b.cfg.ScanCooldown)
	return 0
}

// Stop cancels Run, its timers and the open connection.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.capture.stop()
}

// maxEarlyFrames bounds the frames held while awaiting server-info.
const maxEarlyFrames = outputBuffer

type outcome int

const (
	outcomeDialFailed outcome = iota
	outcomeMismatch
	outcomeClosed
	outcomeStopped
)

func (b *Bridge) endpoint(port int) string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(b.cfg.Host, strconv.Itoa(port)), Path: "/"}
	return u.String()
}

// connect runs one connection from dial to close.
func (b *Bridge) connect(ctx context.Context, port int) outcome {
	b.setState(StateConnecting)

	header := http.Header{}
	if b.cfg.AppPort > 0 {
		header.Set("Origin", fmt.Sprintf("http://localhost:%d", b.cfg.AppPort))
	}
	conn, _, err := b.dialer.DialContext(ctx, b.endpoint(port), header)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeStopped
		}
		b.logger.Debug("dial failed", "port", port, "error", err)
		return outcomeDialFailed
	}

	s := newSession(conn, port, b.logger.With("port", port))
	defer s.close(websocket.CloseNormalClosure, "")
	defer b.clearSession(s)

	frames := make(chan []byte, 16)
	go s.readPump(frames)
	go s.writePump()

	s.sendJSON(protocol.ClientReady{
		Type:          protocol.TypeClientReady,
		AppPort:       b.cfg.AppPort,
		URL:           b.cfg.PageURL,
		UserAgent:     b.cfg.UserAgent,
		BridgeVersion: protocol.Version,
	})
	b.setState(StateAwaitingIdentity)

	verify := time.NewTimer(b.cfg.VerifyTimeout)
	defer verify.Stop()
	verifyC := verify.C

	// commands that overtake server-info wait for the verdict
	var early [][]byte

	for {
		select {
		case <-ctx.Done():
			return outcomeStopped

		case <-verifyC:
			verifyC = nil
			b.logger.Info("server did not identify itself, accepting connection", "port", port)
			b.verify(s, nil)
			for _, data := range early {
				b.handleFrame(ctx, s, data)
			}
			early = nil

		case data, ok := <-frames:
			if !ok {
				b.logger.Info("connection closed", "port", port)
				return outcomeClosed
			}
			if verifyC == nil {
				b.handleFrame(ctx, s, data)
				continue
			}

			h, err := protocol.Peek(data)
			if err != nil || h.Type != protocol.TypeServerInfo {
				if len(early) >= maxEarlyFrames {
					b.logger.Warn("dropping frame received before identification", "port", port, "pending", len(early))
					continue
				}
				early = append(early, data)
				continue
			}
			var info protocol.ServerInfo
			if err := json.Unmarshal(data, &info); err != nil {
				b.logger.Warn("invalid server-info", "error", err)
				continue
			}
			verify.Stop()
			verifyC = nil

			if !(protocol.Identity{AppPort: info.AppPort}).Matches(b.cfg.AppPort) {
				b.logger.Info("server belongs to another application",
					"port", port, "server_app_port", info.AppPort, "app_port", b.cfg.AppPort, "root", info.Root)
				s.close(websocket.CloseNormalClosure, "identity mismatch")
				return outcomeMismatch
			}
			b.verify(s, &info)
			for _, data := range early {
				b.handleFrame(ctx, s, data)
			}
			early = nil
		}
	}
}

func (b *Bridge) verify(s *session, info *protocol.ServerInfo) {
	b.mu.Lock()
	b.current = s
	b.server = info
	b.mu.Unlock()
	b.setState(StateVerified)

	if info != nil {
		b.logger.Info("connected", "port", s.port, "server_version", info.Version, "root", info.Root)
	}
}

func (b *Bridge) clearSession(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == s {
		b.current = nil
		b.server = nil
	}
}

// handleFrame routes a frame received on a verified session.
func (b *Bridge) handleFrame(ctx context.Context, s *session, data []byte) {
	h, err := protocol.Peek(data)
	if err != nil {
		s.sendJSON(protocol.Failuref("invalid message: %v", err))
		return
	}

	switch h.Type {
	case "":
		// failure envelopes from the server carry no type; anything else
		// without one is a malformed command
		var fields map[string]json.RawMessage
		_ = json.Unmarshal(data, &fields)
		_, hasSuccess := fields["success"]
		_, hasError := fields["error"]
		if !hasSuccess && !hasError {
			b.dispatch(ctx, s, data)
			return
		}
		var resp protocol.Response
		if json.Unmarshal(data, &resp) == nil && !resp.Success && resp.Error != "" {
			b.logger.Warn("server reported an error", "error", resp.Error)
		}
	case protocol.TypeServerInfo:
	case protocol.TypeHMRScreenshotSaved:
		var saved protocol.HMRScreenshotSaved
		if json.Unmarshal(data, &saved) == nil {
			b.logger.Debug("auto-capture stored", "sequence", saved.Sequence, "path", saved.Path)
		}
	default:
		b.dispatch(ctx, s, data)
	}
}

// Log records a console entry and streams it to the server when
// connected.
func (b *Bridge) Log(entry protocol.LogEntry) {
	if entry.Timestamp == 0 {
		entry.Timestamp = protocol.NowMillis()
	}
	b.logs.Push(entry)

	if s := b.verifiedSession(); s != nil {
		s.sendJSON(protocol.LogEvent{Type: protocol.TypeLogEvent, LogEntry: entry})
	}
}

// TriggerHMR reports a hot update. With auto-capture enabled, bursts of
// triggers collapse into one capture once the debounce window passes.
func (b *Bridge) TriggerHMR() {
	if !b.cfg.AutoCapture {
		return
	}
	b.capture.trigger()
}

// captureOnce takes one auto-capture and reports whether it completed.
func (b *Bridge) captureOnce() bool {
	s := b.verifiedSession()
	if s == nil || b.handlers.Capturer == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()
	capture, err := b.safeCapture(ctx)
	if err != nil {
		b.logger.Warn("auto-capture failed", "error", err)
		return false
	}

	s.sendJSON(protocol.HMRScreenshot{
		Type:      protocol.TypeHMRScreenshot,
		Sequence:  b.capture.next(),
		Data:      capture.Data,
		Format:    capture.Format,
		URL:       b.cfg.PageURL,
		Timestamp: protocol.NowMillis(),
	})
	return true
}

func (b *Bridge) safeCapture(ctx context.Context) (c Capture, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("capture panicked: %v", p)
		}
	}()
	return b.handlers.Capturer.Capture(ctx, CaptureRequest{FullPage: true})
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
