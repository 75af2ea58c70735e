// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package protocol defines the JSON frames exchanged between controllers,
// the devbridge server and application runtimes.
//
// Frames are UTF-8 JSON objects. The "type" field selects reserved handling
// on the server; anything else is opaque and forwarded as-is.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	ServerName = "devbridge"
	Version    = "0.4.0"

	// PortOffset is added to the application port to derive the default
	// server port, so 3000 maps to 9223.
	PortOffset            = 6223
	DefaultPort           = 9223
	DefaultMaxPortRetries = 10

	// CloseOriginRejected is sent when a browser origin is not loopback.
	CloseOriginRejected = 4003
	CloseReasonOrigin   = "origin not allowed"
)

// Reserved message types handled by the server.
const (
	TypeClientReady        = "browser-client-ready"
	TypeServerInfo         = "server-info"
	TypeCheckAPIKey        = "check-api-key"
	TypeAPIKeyStatus       = "api-key-status"
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"
	TypeSubscribed         = "subscribed"
	TypeUnsubscribed       = "unsubscribed"
	TypeBroadcast          = "broadcast"
	TypeLogSubscribe       = "log-subscribe"
	TypeLogUnsubscribe     = "log-unsubscribe"
	TypeLogSubscribed      = "log-subscribed"
	TypeLogUnsubscribed    = "log-unsubscribed"
	TypeLogEvent           = "log-event"
	TypeRequestScreenshot  = "request-screenshot"
	TypeScreenshotResponse = "screenshot-response"
	TypeHMRScreenshot      = "hmr-screenshot"
	TypeHMRScreenshotSaved = "hmr-screenshot-saved"
)

// Commands understood by a runtime. They are not reserved on the server and
// travel through generic forwarding.
const (
	CommandCaptureScreenshot = "capture-screenshot"
	CommandQueryDOM          = "query-dom"
	CommandExecuteCode       = "execute-code"
	CommandGetLogs           = "get-logs"
)

// Well-known broadcast channels.
const (
	ChannelHMRScreenshots = "hmr-screenshots"
	ChannelLogs           = "logs"
)

var reserved = map[string]bool{
	TypeClientReady:        true,
	TypeServerInfo:         true,
	TypeCheckAPIKey:        true,
	TypeAPIKeyStatus:       true,
	TypeSubscribe:          true,
	TypeUnsubscribe:        true,
	TypeSubscribed:         true,
	TypeUnsubscribed:       true,
	TypeBroadcast:          true,
	TypeLogSubscribe:       true,
	TypeLogUnsubscribe:     true,
	TypeLogSubscribed:      true,
	TypeLogUnsubscribed:    true,
	TypeLogEvent:           true,
	TypeRequestScreenshot:  true,
	TypeScreenshotResponse: true,
	TypeHMRScreenshot:      true,
	TypeHMRScreenshotSaved: true,
}

// IsReserved reports whether the server handles t itself instead of
// forwarding it.
func IsReserved(t string) bool {
	return reserved[t]
}

// ErrNotObject is returned by Peek for frames that are valid JSON but not an
// object.
var ErrNotObject = errors.New("message is not a JSON object")

// Header is the routing-relevant prefix of every frame.
type Header struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// Peek decodes only the header of a frame.
func Peek(data []byte) (Header, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Header{}, err
	}
	if raw == nil {
		return Header{}, ErrNotObject
	}
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// DefaultServerPort returns the conventional server port for an application
// port. Zero means no associated application.
func DefaultServerPort(appPort int) int {
	if appPort <= 0 {
		return DefaultPort
	}
	return appPort + PortOffset
}

// NowMillis is the timestamp format used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Response is the envelope returned for commands and failures.
type Response struct {
	Type      string `json:"type,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Success builds a successful envelope.
func Success(data any) Response {
	return Response{Success: true, Data: data, Timestamp: NowMillis()}
}

// Failure builds a failed envelope.
func Failure(msg string) Response {
	return Response{Success: false, Error: msg, Timestamp: NowMillis()}
}

// Failuref builds a failed envelope from a format string.
func Failuref(format string, args ...any) Response {
	return Failure(fmt.Sprintf(format, args...))
}

// Identity describes a server instance. It is fixed at bind time.
type Identity struct {
	Port    int
	AppPort int // zero when the server is not tied to an application
	Root    string
}

// Matches reports whether a runtime expecting appPort belongs to this
// server. Either side leaving the port unset counts as a match.
func (id Identity) Matches(appPort int) bool {
	return id.AppPort == 0 || appPort == 0 || id.AppPort == appPort
}

// Info renders the identity as a server-info frame.
func (id Identity) Info() ServerInfo {
	return ServerInfo{
		Type:    TypeServerInfo,
		Name:    ServerName,
		Version: Version,
		Port:    id.Port,
		AppPort: id.AppPort,
		Root:    id.Root,
	}
}

// ClientReady is the identification frame a runtime sends after connecting.
type ClientReady struct {
	Type          string `json:"type"`
	AppPort       int    `json:"appPort,omitempty"`
	URL           string `json:"url,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	BridgeVersion string `json:"bridgeVersion,omitempty"`
}

// ServerInfo is the server's reply to ClientReady.
type ServerInfo struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Port    int    `json:"port"`
	AppPort int    `json:"appPort,omitempty"`
	Root    string `json:"root"`
}

// APIKeyStatus answers check-api-key.
type APIKeyStatus struct {
	Type       string `json:"type"`
	Configured bool   `json:"configured"`
	Source     string `json:"source,omitempty"`
}

// ChannelMessage covers subscribe, unsubscribe and broadcast frames.
type ChannelMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// LogSubscribe requests a filtered stream of log events.
type LogSubscribe struct {
	Type           string   `json:"type"`
	SubscriptionID string   `json:"subscriptionId,omitempty"`
	Levels         []string `json:"levels,omitempty"`
	Pattern        string   `json:"pattern,omitempty"`
	Source         string   `json:"source,omitempty"`
}

// LogSubscription acknowledges log-subscribe and log-unsubscribe.
type LogSubscription struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscriptionId"`
}

// LogEntry is one console record captured in a runtime.
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source,omitempty"`
	Stack     string `json:"stack,omitempty"`
}

// LogEvent carries a LogEntry. SubscriptionID is set on delivery.
type LogEvent struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	LogEntry
}

// ScreenshotRequest asks the runtime for an on-demand capture.
type ScreenshotRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Selector  string `json:"selector,omitempty"`
	FullPage  bool   `json:"fullPage,omitempty"`
}

// HMRScreenshot is an auto-capture notification from a runtime.
type HMRScreenshot struct {
	Type      string `json:"type"`
	Sequence  uint64 `json:"sequence"`
	Data      string `json:"data"`
	Format    string `json:"format,omitempty"`
	URL       string `json:"url,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// HMRScreenshotSaved reports where an auto-capture was stored.
type HMRScreenshotSaved struct {
	Type      string `json:"type"`
	Sequence  uint64 `json:"sequence"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
}

// Command is the union of fields runtime commands may carry.
type Command struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Selector  string `json:"selector,omitempty"`
	FullPage  bool   `json:"fullPage,omitempty"`
	Code      string `json:"code,omitempty"`
	Level     string `json:"level,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Status is the document served on plain GET requests.
type Status struct {
	Name                      string `json:"name"`
	Version                   string `json:"version"`
	Status                    string `json:"status"`
	Port                      int    `json:"port"`
	AssociatedApplicationPort *int   `json:"associatedApplicationPort"`
	ConnectedClientCount      int    `json:"connectedClientCount"`
	UptimeSeconds             int64  `json:"uptimeSeconds"`
}
