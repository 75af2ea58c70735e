// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hyper-Int/devbridge/internal/metrics"
	"github.com/Hyper-Int/devbridge/internal/pending"
	"github.com/Hyper-Int/devbridge/internal/protocol"
	"github.com/Hyper-Int/devbridge/internal/screenshots"
	"github.com/Hyper-Int/devbridge/internal/subscriptions"
)

type testServer struct {
	server   *httptest.Server
	router   *Router
	hub      *Hub
	registry *subscriptions.Registry
	ledger   *pending.Ledger
	metrics  *metrics.Metrics
}

func setupTestServer(t *testing.T, appPort int, configure ...func(*Options)) *testServer {
	t.Helper()
	m := metrics.New()
	opts := Options{
		Identity:       protocol.Identity{Port: 9223, AppPort: appPort, Root: "/src/app"},
		Hub:            NewHub(m),
		Registry:       subscriptions.NewRegistry(nil),
		Metrics:        m,
		Screenshots:    screenshots.NewStore(t.TempDir()),
		RequestTimeout: time.Second,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	opts.Ledger = pending.New(opts.RequestTimeout, ScreenshotTimeout(m), nil)
	router := NewRouter(opts)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", router.HandleWebSocket)
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		opts.Ledger.Close()
	})

	return &testServer{
		server:   server,
		router:   router,
		hub:      opts.Hub,
		registry: opts.Registry,
		ledger:   opts.Ledger,
		metrics:  m,
	}
}

func (ts *testServer) dial(t *testing.T, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connectRuntime dials as a runtime and completes the identity exchange.
func (ts *testServer) connectRuntime(t *testing.T, appPort int) *websocket.Conn {
	t.Helper()
	conn := ts.dial(t, "http://localhost:3000")
	send(t, conn, protocol.ClientReady{Type: protocol.TypeClientReady, AppPort: appPort, URL: "http://localhost:3000/"})
	info := readJSON(t, conn)
	require.Equal(t, protocol.TypeServerInfo, info["type"])
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func sendRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	require.NoError(t, json.Unmarshal(readRaw(t, conn), &msg))
	return msg
}

// expectSilence asserts nothing arrives for a short while. The connection
// is unusable for reads afterwards.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

func TestServerInfoOnClientReady(t *testing.T) {
	ts := setupTestServer(t, 3000)
	conn := ts.dial(t, "http://localhost:3000")

	send(t, conn, protocol.ClientReady{Type: protocol.TypeClientReady, AppPort: 3000})
	info := readJSON(t, conn)
	assert.Equal(t, protocol.TypeServerInfo, info["type"])
	assert.Equal(t, float64(9223), info["port"])
	assert.Equal(t, float64(3000), info["appPort"])
	assert.Equal(t, "/src/app", info["root"])

	require.Eventually(t, func() bool { return ts.hub.FirstVerifiedRuntime() != nil }, time.Second, 5*time.Millisecond)
}

func TestControllerWithoutRuntimeFailsImmediately(t *testing.T) {
	ts := setupTestServer(t, 3000)
	ctrl := ts.dial(t, "")

	send(t, ctrl, map[string]any{"type": "query-dom", "selector": "#app"})
	resp := readJSON(t, ctrl)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, errNoRuntime, resp["error"])
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.NoRuntime))
}

func TestForwardAndRelayVerbatim(t *testing.T) {
	ts := setupTestServer(t, 3000)
	runtime := ts.connectRuntime(t, 3000)
	ctrl := ts.dial(t, "")

	command := `{"type":"query-dom","selector":"#app"}`
	sendRaw(t, ctrl, command)
	assert.Equal(t, command, string(readRaw(t, runtime)))

	reply := `{"success":true,"data":{"count":1,"nodes":[{"tag":"div","id":"app"}]},"timestamp":1}`
	sendRaw(t, runtime, reply)
	assert.Equal(t, reply, string(readRaw(t, ctrl)))
}

func TestSecondCommandStealsReplySlot(t *testing.T) {
	ts := setupTestServer(t, 3000)
	runtime := ts.connectRuntime(t, 3000)
	c1 := ts.dial(t, "")
	c2 := ts.dial(t, "")

	sendRaw(t, c1, `{"type":"execute-code","code":"1"}`)
	assert.Contains(t, string(readRaw(t, runtime)), `"code":"1"`)
	sendRaw(t, c2, `{"type":"execute-code","code":"2"}`)
	assert.Contains(t, string(readRaw(t, runtime)), `"code":"2"`)

	sendRaw(t, runtime, `{"success":true,"data":"first"}`)
	assert.Equal(t, `{"success":true,"data":"first"}`, string(readRaw(t, c2)))
	expectSilence(t, c1)
}

func TestRuntimeReplyWithoutControllerIsDropped(t *testing.T) {
	ts := setupTestServer(t, 3000)
	runtime := ts.connectRuntime(t, 3000)
	ctrl := ts.dial(t, "")

	sendRaw(t, runtime, `{"success":true}`)
	expectSilence(t, ctrl)
}

func TestNonLoopbackOriginClosedWithCode(t *testing.T) {
	ts := setupTestServer(t, 3000)
	conn := ts.dial(t, "https://evil.example")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseOriginRejected, closeErr.Code)
	assert.Equal(t, protocol.CloseReasonOrigin, closeErr.Text)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.OriginRejected))
	assert.Equal(t, 0, ts.hub.Count())
}

func TestLoopbackOriginOnOtherPortAccepted(t *testing.T) {
	ts := setupTestServer(t, 3000)
	conn := ts.dial(t, "http://localhost:5173")

	send(t, conn, protocol.ChannelMessage{Type: protocol.TypeSubscribe, Channel: "news"})
	resp := readJSON(t, conn)
	assert.Equal(t, protocol.TypeSubscribed, resp["type"])
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.OriginFlagged))
}

func TestMismatchedRuntimeIsNotCommandTarget(t *testing.T) {
	ts := setupTestServer(t, 3000)
	ts.connectRuntime(t, 5173)
	ctrl := ts.dial(t, "")

	send(t, ctrl, map[string]any{"type": "query-dom"})
	resp := readJSON(t, ctrl)
	assert.Equal(t, errNoRuntime, resp["error"])
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.HandshakeMismatches))
}

func TestFirstVerifiedRuntimeWins(t *testing.T) {
	ts := setupTestServer(t, 3000)
	first := ts.connectRuntime(t, 3000)
	second := ts.connectRuntime(t, 3000)
	ctrl := ts.dial(t, "")

	sendRaw(t, ctrl, `{"type":"get-logs"}`)
	assert.Equal(t, `{"type":"get-logs"}`, string(readRaw(t, first)))
	expectSilence(t, second)
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	ts := setupTestServer(t, 3000)
	conn := ts.dial(t, "")

	sendRaw(t, conn, `{not json`)
	resp := readJSON(t, conn)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["error"], "invalid message")

	send(t, conn, protocol.ChannelMessage{Type: protocol.TypeSubscribe, Channel: "news"})
	assert.Equal(t, protocol.TypeSubscribed, readJSON(t, conn)["type"])
}

func TestBroadcastToChannel(t *testing.T) {
	ts := setupTestServer(t, 3000)
	a := ts.dial(t, "")
	b := ts.dial(t, "")
	publisher := ts.dial(t, "")

	for _, c := range []*websocket.Conn{a, b} {
		send(t, c, protocol.ChannelMessage{Type: protocol.TypeSubscribe, Channel: "news"})
		require.Equal(t, protocol.TypeSubscribed, readJSON(t, c)["type"])
	}

	sendRaw(t, publisher, `{"type":"broadcast","channel":"news","data":{"headline":"hi"}}`)
	for _, c := range []*websocket.Conn{a, b} {
		msg := readJSON(t, c)
		assert.Equal(t, protocol.TypeBroadcast, msg["type"])
		assert.Equal(t, map[string]any{"headline": "hi"}, msg["data"])
	}
}

func TestLogSubscriptionFiltering(t *testing.T) {
	ts := setupTestServer(t, 3000)
	runtime := ts.connectRuntime(t, 3000)
	warnOnly := ts.dial(t, "")
	everything := ts.dial(t, "")

	send(t, warnOnly, protocol.LogSubscribe{Type: protocol.TypeLogSubscribe, SubscriptionID: "w", Levels: []string{"warn"}})
	require.Equal(t, protocol.TypeLogSubscribed, readJSON(t, warnOnly)["type"])
	send(t, everything, protocol.LogSubscribe{Type: protocol.TypeLogSubscribe})
	ack := readJSON(t, everything)
	require.Equal(t, protocol.TypeLogSubscribed, ack["type"])
	assert.NotEmpty(t, ack["subscriptionId"])

	send(t, runtime, protocol.LogEvent{Type: protocol.TypeLogEvent, LogEntry: protocol.LogEntry{Level: "error", Message: "boom"}})
	ev := readJSON(t, everything)
	assert.Equal(t, "boom", ev["message"])
	assert.Equal(t, ack["subscriptionId"], ev["subscriptionId"])

	send(t, runtime, protocol.LogEvent{Type: protocol.TypeLogEvent, LogEntry: protocol.LogEntry{Level: "warn", Message: "slow"}})
	ev = readJSON(t, warnOnly)
	assert.Equal(t, "slow", ev["message"], "error event must not reach the warn-only subscriber")
	assert.Equal(t, "slow", readJSON(t, everything)["message"])
}

func TestLogSubscribeRejectsBadPattern(t *testing.T) {
	ts := setupTestServer(t, 3000)
	ctrl := ts.dial(t, "")

	send(t, ctrl, protocol.LogSubscribe{Type: protocol.TypeLogSubscribe, Pattern: "(["})
	resp := readJSON(t, ctrl)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["error"], "invalid pattern")
}

func TestLogUnsubscribe(t *testing.T) {
	ts := setupTestServer(t, 3000)
	ctrl := ts.dial(t, "")

	send(t, ctrl, protocol.LogSubscription{Type: protocol.TypeLogUnsubscribe, SubscriptionID: "nope"})
	assert.Equal(t, false, readJSON(t, ctrl)["success"])

	send(t, ctrl, protocol.LogSubscribe{Type: protocol.TypeLogSubscribe, SubscriptionID: "s1"})
	require.Equal(t, protocol.TypeLogSubscribed, readJSON(t, ctrl)["type"])
	send(t, ctrl, protocol.LogSubscription{Type: protocol.TypeLogUnsubscribe, SubscriptionID: "s1"})
	assert.Equal(t, protocol.TypeLogUnsubscribed, readJSON(t, ctrl)["type"])
	assert.Equal(t, 0, ts.registry.LogCount())
}

func TestDisconnectPurgesSubscriptions(t *testing.T) {
	ts := setupTestServer(t, 3000)
	ctrl := ts.dial(t, "")

	send(t, ctrl, protocol.ChannelMessage{Type: protocol.TypeSubscribe, Channel: "news"})
	require.Equal(t, protocol.TypeSubscribed, readJSON(t, ctrl)["type"])
	send(t, ctrl, protocol.LogSubscribe{Type: protocol.TypeLogSubscribe})
	require.Equal(t, protocol.TypeLogSubscribed, readJSON(t, ctrl)["type"])

	ctrl.Close()
	require.Eventually(t, func() bool {
		return ts.registry.ChannelCount("news") == 0 && ts.registry.LogCount() == 0 && ts.hub.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestScreenshotCorrelatesByID(t *testing.T) {
	ts := setupTestServer(t, 3000)
	runtime := ts.connectRuntime(t, 3000)
	ctrl := ts.dial(t, "")

	send(t, ctrl, map[string]any{"type": protocol.TypeRequestScreenshot, "selector": "#app"})
	forwarded := readJSON(t, runtime)
	requestID, _ := forwarded["requestId"].(string)
	require.NotEmpty(t, requestID)
	assert.Equal(t, "#app", forwarded["selector"])
	assert.Equal(t, 1, ts.ledger.Len())

	reply := `{"type":"screenshot-response","requestId":"` + requestID + `","success":true,"data":{"image":"abc"}}`
	sendRaw(t, runtime, reply)
	assert.Equal(t, reply, string(readRaw(t, ctrl)))
	assert.Equal(t, 0, ts.ledger.Len())
}

func TestRequestScreenshotTimesOut(t *testing.T) {
	ts := setupTestServer(t, 3000, func(o *Options) { o.RequestTimeout = 50 * time.Millisecond })
	runtime := ts.connectRuntime(t, 3000)
	ctrl := ts.dial(t, "")

	send(t, ctrl, map[string]any{"type": protocol.TypeRequestScreenshot, "requestId": "shot-1"})
	readJSON(t, runtime)

	resp := readJSON(t, ctrl)
	assert.Equal(t, protocol.TypeScreenshotResponse, resp["type"])
	assert.Equal(t, "shot-1", resp["requestId"])
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "request timed out", resp["error"])

	// a late answer has nowhere to go
	sendRaw(t, runtime, `{"type":"screenshot-response","requestId":"shot-1","success":true}`)
	expectSilence(t, ctrl)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.RequestTimeouts))
}

func TestRequestScreenshotWithoutRuntime(t *testing.T) {
	ts := setupTestServer(t, 3000)
	ctrl := ts.dial(t, "")

	send(t, ctrl, map[string]any{"type": protocol.TypeRequestScreenshot, "requestId": "r1"})
	resp := readJSON(t, ctrl)
	assert.Equal(t, protocol.TypeScreenshotResponse, resp["type"])
	assert.Equal(t, "r1", resp["requestId"])
	assert.Equal(t, errNoRuntime, resp["error"])
	assert.Equal(t, 0, ts.ledger.Len())
}

func TestHMRScreenshotSavedAndBroadcast(t *testing.T) {
	ts := setupTestServer(t, 3000)
	runtime := ts.connectRuntime(t, 3000)
	watcher := ts.dial(t, "")

	send(t, watcher, protocol.ChannelMessage{Type: protocol.TypeSubscribe, Channel: protocol.ChannelHMRScreenshots})
	require.Equal(t, protocol.TypeSubscribed, readJSON(t, watcher)["type"])

	send(t, runtime, protocol.HMRScreenshot{
		Type:     protocol.TypeHMRScreenshot,
		Sequence: 3,
		Data:     base64.StdEncoding.EncodeToString([]byte("img")),
	})
	ack := readJSON(t, runtime)
	assert.Equal(t, protocol.TypeHMRScreenshotSaved, ack["type"])
	assert.Equal(t, float64(3), ack["sequence"])
	assert.NotEmpty(t, ack["path"])

	note := readJSON(t, watcher)
	assert.Equal(t, ack["path"], note["path"])
}

func TestCheckAPIKey(t *testing.T) {
	ts := setupTestServer(t, 3000, func(o *Options) {
		o.APIKeyEnv = []string{"MISSING_KEY", "DEVBRIDGE_API_KEY"}
		o.LookupEnv = func(name string) (string, bool) {
			if name == "DEVBRIDGE_API_KEY" {
				return "secret", true
			}
			return "", false
		}
	})
	ctrl := ts.dial(t, "")

	send(t, ctrl, map[string]any{"type": protocol.TypeCheckAPIKey})
	resp := readJSON(t, ctrl)
	assert.Equal(t, protocol.TypeAPIKeyStatus, resp["type"])
	assert.Equal(t, true, resp["configured"])
	assert.Equal(t, "DEVBRIDGE_API_KEY", resp["source"])
}

func TestRateLimit(t *testing.T) {
	ts := setupTestServer(t, 3000, func(o *Options) {
		o.RateLimit = 0.001
		o.RateBurst = 1
	})
	ctrl := ts.dial(t, "")

	send(t, ctrl, protocol.ChannelMessage{Type: protocol.TypeSubscribe, Channel: "a"})
	require.Equal(t, protocol.TypeSubscribed, readJSON(t, ctrl)["type"])
	send(t, ctrl, protocol.ChannelMessage{Type: protocol.TypeSubscribe, Channel: "b"})
	resp := readJSON(t, ctrl)
	assert.Equal(t, "rate limit exceeded", resp["error"])
}

func TestControllerDisconnectClearsReplySlot(t *testing.T) {
	ts := setupTestServer(t, 3000)
	runtime := ts.connectRuntime(t, 3000)
	ctrl := ts.dial(t, "")

	sendRaw(t, ctrl, `{"type":"get-logs"}`)
	readRaw(t, runtime)

	rtConn := ts.hub.FirstVerifiedRuntime()
	require.NotNil(t, rtConn)
	ctrl.Close()
	require.Eventually(t, func() bool { return ts.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, rtConn.TakePeer())
}
