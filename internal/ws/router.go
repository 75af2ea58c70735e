// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ws accepts controller and runtime websocket connections and
// routes messages between them.
//
// Routing model: a controller's non-reserved message goes to the first
// verified runtime, which remembers that controller in a single slot. The
// runtime's next non-reserved message goes back to whoever is in the slot.
// A second command sent before the first is answered overwrites the slot,
// so the first controller never sees its reply. request-screenshot uses the
// pending ledger instead and is correlated per request ID.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Hyper-Int/devbridge/internal/auth"
	"github.com/Hyper-Int/devbridge/internal/id"
	"github.com/Hyper-Int/devbridge/internal/metrics"
	"github.com/Hyper-Int/devbridge/internal/pending"
	"github.com/Hyper-Int/devbridge/internal/protocol"
	"github.com/Hyper-Int/devbridge/internal/screenshots"
	"github.com/Hyper-Int/devbridge/internal/subscriptions"
)

const errNoRuntime = "no browser runtime connected"

// The gatekeeper runs after the upgrade so that rejected origins get a
// proper close code instead of an HTTP 403.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Options configures a Router. Identity, Hub, Registry and Ledger are
// required; the rest have usable zero values.
type Options struct {
	Identity    protocol.Identity
	Gatekeeper  *auth.Gatekeeper
	Hub         *Hub
	Registry    *subscriptions.Registry
	Ledger      *pending.Ledger
	Metrics     *metrics.Metrics
	Screenshots *screenshots.Store
	Logger      *slog.Logger

	// RequestTimeout bounds request-screenshot round trips.
	RequestTimeout time.Duration
	// RateLimit is the per-connection inbound message rate. Zero disables it.
	RateLimit float64
	RateBurst int
	// APIKeyEnv lists environment variables checked by check-api-key.
	APIKeyEnv []string
	LookupEnv func(string) (string, bool)
}

// Router handles websocket connections for one server.
type Router struct {
	identity    protocol.Identity
	gate        *auth.Gatekeeper
	hub         *Hub
	registry    *subscriptions.Registry
	ledger      *pending.Ledger
	metrics     *metrics.Metrics
	screenshots *screenshots.Store
	logger      *slog.Logger

	requestTimeout time.Duration
	rateLimit      float64
	rateBurst      int
	apiKeyEnv      []string
	lookupEnv      func(string) (string, bool)
}

// NewRouter creates a router over the injected tables.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := opts.Gatekeeper
	if gate == nil {
		gate = auth.NewGatekeeper(opts.Identity.AppPort)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = int(opts.RateLimit * 2)
	}
	return &Router{
		identity:       opts.Identity,
		gate:           gate,
		hub:            opts.Hub,
		registry:       opts.Registry,
		ledger:         opts.Ledger,
		metrics:        m,
		screenshots:    opts.Screenshots,
		logger:         logger.With("component", "ws"),
		requestTimeout: opts.RequestTimeout,
		rateLimit:      opts.RateLimit,
		rateBurst:      burst,
		apiKeyEnv:      opts.APIKeyEnv,
		lookupEnv:      opts.LookupEnv,
	}
}

// ScreenshotTimeout answers an expired request-screenshot with a failure
// envelope. It is meant to be passed to pending.New.
func ScreenshotTimeout(m *metrics.Metrics) pending.TimeoutFunc {
	return func(requestID string, origin pending.Recipient) {
		if m != nil {
			m.RequestTimeouts.Inc()
		}
		resp := protocol.Failure("request timed out")
		resp.Type = protocol.TypeScreenshotResponse
		resp.RequestID = requestID
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		origin.Send(data)
	}
}

// HandleWebSocket upgrades the request and starts the connection pumps.
func (rt *Router) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	verdict := rt.gate.CheckRequest(req)

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		rt.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if !verdict.Accept {
		rt.metrics.OriginRejected.Inc()
		rt.logger.Warn("rejecting connection", "origin", verdict.Origin, "reason", verdict.Reason)
		msg := websocket.FormatCloseMessage(protocol.CloseOriginRejected, protocol.CloseReasonOrigin)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	if verdict.Flagged {
		rt.metrics.OriginFlagged.Inc()
		rt.logger.Info("accepting origin from another application port", "origin", verdict.Origin, "app_port", rt.identity.AppPort)
	}

	var limiter *rate.Limiter
	if rt.rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(rt.rateLimit), rt.rateBurst)
	}
	c := newConn(conn, verdict.Origin, verdict.Flagged, limiter, rt.logger)
	rt.hub.Register(c)
	rt.logger.Debug("connection accepted", "conn", c.ID(), "origin", verdict.Origin)

	go c.writePump()
	go c.readPump(rt.handleMessage, rt.release)
}

// release purges everything the closed connection owned.
func (rt *Router) release(c *Conn) {
	if !rt.hub.Unregister(c) {
		return
	}
	rt.registry.Purge(c)
	c.Close(websocket.CloseNormalClosure, "")
	rt.logger.Debug("connection closed", "conn", c.ID(), "role", c.Role().Kind.String())
}

func (rt *Router) handleMessage(c *Conn, data []byte) {
	if !c.allow() {
		rt.metrics.RateLimited.Inc()
		c.SendJSON(protocol.Failure("rate limit exceeded"))
		return
	}

	h, err := protocol.Peek(data)
	if err != nil {
		rt.metrics.MalformedMessages.Inc()
		c.SendJSON(protocol.Failuref("invalid message: %v", err))
		return
	}

	if h.Type == protocol.TypeClientReady {
		rt.handleClientReady(c, data)
		return
	}
	if c.Role().Kind == RoleUnclassified {
		rt.hub.SetRole(c, Role{Kind: RoleController})
	}

	if protocol.IsReserved(h.Type) {
		rt.handleReserved(c, h, data)
		return
	}
	if c.Role().Kind == RoleRuntime {
		rt.relayToController(c, data)
		return
	}
	rt.forwardToRuntime(c, data)
}

// forwardToRuntime sends a controller's command verbatim to the first
// verified runtime and takes over that runtime's reply slot.
func (rt *Router) forwardToRuntime(c *Conn, data []byte) {
	runtime := rt.hub.FirstVerifiedRuntime()
	if runtime == nil {
		rt.metrics.NoRuntime.Inc()
		c.SendJSON(protocol.Failure(errNoRuntime))
		return
	}
	runtime.SetPeer(c)
	if !runtime.Send(data) {
		runtime.clearPeerIf(c)
		c.SendJSON(protocol.Failure("browser runtime unavailable"))
		return
	}
	rt.metrics.Forwarded.WithLabelValues("to_runtime").Inc()
}

// relayToController sends a runtime's reply to the controller in its slot.
// Without one the reply is dropped.
func (rt *Router) relayToController(runtime *Conn, data []byte) {
	ctrl := runtime.TakePeer()
	if ctrl == nil {
		rt.logger.Debug("runtime reply with no waiting controller", "conn", runtime.ID())
		return
	}
	if !ctrl.Send(data) {
		rt.logger.Warn("controller went away before reply", "conn", ctrl.ID())
		return
	}
	rt.metrics.Forwarded.WithLabelValues("to_controller").Inc()
}

func (rt *Router) handleReserved(c *Conn, h protocol.Header, data []byte) {
	switch h.Type {
	case protocol.TypeCheckAPIKey:
		rt.handleCheckAPIKey(c)
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe, protocol.TypeBroadcast:
		rt.handleChannel(c, h.Type, data)
	case protocol.TypeLogSubscribe:
		rt.handleLogSubscribe(c, data)
	case protocol.TypeLogUnsubscribe:
		rt.handleLogUnsubscribe(c, data)
	case protocol.TypeLogEvent:
		rt.handleLogEvent(c, data)
	case protocol.TypeRequestScreenshot:
		rt.handleRequestScreenshot(c, data)
	case protocol.TypeScreenshotResponse:
		rt.handleScreenshotResponse(h, data)
	case protocol.TypeHMRScreenshot:
		rt.handleHMRScreenshot(c, data)
	default:
		c.SendJSON(protocol.Failuref("unexpected message type: %s", h.Type))
	}
}

func (rt *Router) handleCheckAPIKey(c *Conn) {
	lookup := rt.lookupEnv
	if lookup == nil {
		lookup = lookupEnv
	}
	status := protocol.APIKeyStatus{Type: protocol.TypeAPIKeyStatus}
	for _, name := range rt.apiKeyEnv {
		if v, ok := lookup(name); ok && v != "" {
			status.Configured = true
			status.Source = name
			break
		}
	}
	c.SendJSON(status)
}

func (rt *Router) handleChannel(c *Conn, typ string, data []byte) {
	var msg protocol.ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		rt.metrics.MalformedMessages.Inc()
		c.SendJSON(protocol.Failuref("invalid %s message: %v", typ, err))
		return
	}
	if msg.Channel == "" {
		c.SendJSON(protocol.Failure("channel is required"))
		return
	}

	switch typ {
	case protocol.TypeSubscribe:
		rt.registry.Subscribe(msg.Channel, c)
		c.SendJSON(protocol.ChannelMessage{Type: protocol.TypeSubscribed, Channel: msg.Channel})
	case protocol.TypeUnsubscribe:
		rt.registry.Unsubscribe(msg.Channel, c)
		c.SendJSON(protocol.ChannelMessage{Type: protocol.TypeUnsubscribed, Channel: msg.Channel})
	case protocol.TypeBroadcast:
		rt.broadcast(msg.Channel, protocol.ChannelMessage{Type: protocol.TypeBroadcast, Channel: msg.Channel, Data: msg.Data})
	}
}

func (rt *Router) broadcast(channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		rt.logger.Error("encode broadcast", "channel", channel, "error", err)
		return
	}
	rt.registry.Broadcast(channel, data)
	rt.metrics.Broadcasts.Inc()
}

func (rt *Router) handleLogSubscribe(c *Conn, data []byte) {
	var msg protocol.LogSubscribe
	if err := json.Unmarshal(data, &msg); err != nil {
		rt.metrics.MalformedMessages.Inc()
		c.SendJSON(protocol.Failuref("invalid log-subscribe message: %v", err))
		return
	}
	filter, err := subscriptions.NewLogFilter(msg.Levels, msg.Pattern, msg.Source)
	if err != nil {
		c.SendJSON(protocol.Failure(err.Error()))
		return
	}
	subID := msg.SubscriptionID
	if subID == "" {
		subID = id.Request()
	}
	if err := rt.registry.SubscribeLogs(subID, c, filter); err != nil {
		c.SendJSON(protocol.Failure(err.Error()))
		return
	}
	c.SendJSON(protocol.LogSubscription{Type: protocol.TypeLogSubscribed, SubscriptionID: subID})
}

func (rt *Router) handleLogUnsubscribe(c *Conn, data []byte) {
	var msg protocol.LogSubscription
	if err := json.Unmarshal(data, &msg); err != nil {
		rt.metrics.MalformedMessages.Inc()
		c.SendJSON(protocol.Failuref("invalid log-unsubscribe message: %v", err))
		return
	}
	if !rt.registry.UnsubscribeLogs(msg.SubscriptionID, c) {
		c.SendJSON(protocol.Failuref("unknown subscription: %s", msg.SubscriptionID))
		return
	}
	c.SendJSON(protocol.LogSubscription{Type: protocol.TypeLogUnsubscribed, SubscriptionID: msg.SubscriptionID})
}

func (rt *Router) handleLogEvent(c *Conn, data []byte) {
	var ev protocol.LogEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		rt.metrics.MalformedMessages.Inc()
		c.SendJSON(protocol.Failuref("invalid log-event message: %v", err))
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = protocol.NowMillis()
	}
	n := rt.registry.PublishLog(ev.LogEntry)
	rt.metrics.LogEvents.Add(float64(n))

	ev.SubscriptionID = ""
	rt.broadcast(protocol.ChannelLogs, ev)
}

func (rt *Router) handleRequestScreenshot(c *Conn, data []byte) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		rt.metrics.MalformedMessages.Inc()
		c.SendJSON(protocol.Failuref("invalid request-screenshot message: %v", err))
		return
	}
	requestID, _ := fields["requestId"].(string)
	if requestID == "" {
		requestID = id.Request()
		fields["requestId"] = requestID
	}

	fail := func(msg string) {
		resp := protocol.Failure(msg)
		resp.Type = protocol.TypeScreenshotResponse
		resp.RequestID = requestID
		c.SendJSON(resp)
	}

	runtime := rt.hub.FirstVerifiedRuntime()
	if runtime == nil {
		rt.metrics.NoRuntime.Inc()
		fail(errNoRuntime)
		return
	}
	if err := rt.ledger.Issue(requestID, c, rt.requestTimeout); err != nil {
		fail(err.Error())
		return
	}
	rt.metrics.PendingRequests.Set(float64(rt.ledger.Len()))

	out, err := json.Marshal(fields)
	if err != nil || !runtime.Send(out) {
		if _, claimed := rt.ledger.Resolve(requestID); claimed {
			fail("browser runtime unavailable")
		}
		rt.metrics.PendingRequests.Set(float64(rt.ledger.Len()))
		return
	}
	rt.metrics.Forwarded.WithLabelValues("to_runtime").Inc()
}

func (rt *Router) handleScreenshotResponse(h protocol.Header, data []byte) {
	origin, ok := rt.ledger.Resolve(h.RequestID)
	rt.metrics.PendingRequests.Set(float64(rt.ledger.Len()))
	if !ok {
		rt.logger.Debug("screenshot response for unknown request", "request_id", h.RequestID)
		return
	}
	if origin.Send(data) {
		rt.metrics.Forwarded.WithLabelValues("to_controller").Inc()
	}
}

func (rt *Router) handleHMRScreenshot(c *Conn, data []byte) {
	var msg protocol.HMRScreenshot
	if err := json.Unmarshal(data, &msg); err != nil {
		rt.metrics.MalformedMessages.Inc()
		c.SendJSON(protocol.Failuref("invalid hmr-screenshot message: %v", err))
		return
	}
	if rt.screenshots == nil {
		c.SendJSON(protocol.Failure("screenshot storage is disabled"))
		return
	}
	path, err := rt.screenshots.Save(msg.Sequence, msg.Format, msg.Data)
	if err != nil {
		rt.logger.Warn("saving hmr screenshot failed", "sequence", msg.Sequence, "error", err)
		c.SendJSON(protocol.Failuref("save screenshot: %v", err))
		return
	}
	saved := protocol.HMRScreenshotSaved{
		Type:      protocol.TypeHMRScreenshotSaved,
		Sequence:  msg.Sequence,
		Path:      path,
		Timestamp: protocol.NowMillis(),
	}
	c.SendJSON(saved)
	rt.broadcast(protocol.ChannelHMRScreenshots, saved)
}
