// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hyper-Int/devbridge/internal/bridge"
	"github.com/Hyper-Int/devbridge/internal/config"
	"github.com/Hyper-Int/devbridge/internal/logging"
	"github.com/Hyper-Int/devbridge/internal/protocol"
	"github.com/Hyper-Int/devbridge/internal/server"
)

func noEnv(string) (string, bool) { return "", false }

type fakeRuntime struct{}

func (fakeRuntime) Capture(ctx context.Context, req bridge.CaptureRequest) (bridge.Capture, error) {
	text := "whole screen"
	if req.Selector != "" {
		text = "only " + req.Selector
	}
	return bridge.Capture{Data: base64.StdEncoding.EncodeToString([]byte(text)), Format: "text"}, nil
}

func (fakeRuntime) Query(ctx context.Context, selector string) (any, error) {
	return map[string]any{"count": 1, "selector": selector}, nil
}

func (fakeRuntime) Evaluate(ctx context.Context, code string) (any, error) {
	if code == "false" {
		return map[string]any{"output": "", "exitCode": 1}, nil
	}
	return map[string]any{"output": "ran " + code, "exitCode": 0}, nil
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// startStack runs a server and, when withRuntime is set, a verified bridge.
func startStack(t *testing.T, withRuntime bool) (int, *bridge.Bridge) {
	t.Helper()
	cfg := config.Default().Server
	cfg.Port = freePort(t)
	cfg.Root = t.TempDir()
	cfg.ScreenshotDir = ""

	srv := server.New(cfg, logging.Discard())
	_, err := srv.Initialize(context.Background())
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	if !withRuntime {
		return srv.Port(), nil
	}
	rt := fakeRuntime{}
	b := bridge.New(bridge.Config{Host: "127.0.0.1", BasePort: srv.Port(), MaxPortRetries: 1},
		bridge.Handlers{Capturer: rt, DOMQuerier: rt, Evaluator: rt}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(cancel)
	require.Eventually(t, func() bool { return b.State() == bridge.StateVerified }, 5*time.Second, 10*time.Millisecond)
	return srv.Port(), b
}

func ctlRun(t *testing.T, port int, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"--port", strconv.Itoa(port), "--timeout", "3s"}, args...)
	err := run(context.Background(), full, noEnv, &out, io.Discard)
	return out.String(), err
}

func TestStatus(t *testing.T) {
	port, _ := startStack(t, false)

	out, err := ctlRun(t, port, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "devbridge "+protocol.Version+" running on port "+strconv.Itoa(port))
	assert.Contains(t, out, "app port none")
}

func TestEval(t *testing.T) {
	port, _ := startStack(t, true)

	out, err := ctlRun(t, port, "eval", "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "ran echo hi\n", out)

	_, err = ctlRun(t, port, "eval", "false")
	assert.EqualError(t, err, "exit status 1")
}

func TestQuery(t *testing.T) {
	port, _ := startStack(t, true)

	out, err := ctlRun(t, port, "query", "#app")
	require.NoError(t, err)
	assert.Contains(t, out, `"selector": "#app"`)
}

func TestScreenshot(t *testing.T) {
	port, _ := startStack(t, true)

	out, err := ctlRun(t, port, "screenshot")
	require.NoError(t, err)
	assert.Equal(t, "whole screen\n", out)

	file := filepath.Join(t.TempDir(), "shot.txt")
	out, err = ctlRun(t, port, "screenshot", "-o", file, "--selector", "h1")
	require.NoError(t, err)
	assert.Equal(t, file+"\n", out)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "only h1", string(data))
}

func TestNoRuntime(t *testing.T) {
	port, _ := startStack(t, false)

	_, err := ctlRun(t, port, "eval", "x")
	assert.EqualError(t, err, "no browser runtime connected")

	_, err = ctlRun(t, port, "screenshot")
	assert.EqualError(t, err, "no browser runtime connected")
}

func TestLogs(t *testing.T) {
	port, b := startStack(t, true)
	b.Log(protocol.LogEntry{Level: "info", Message: "booted"})
	b.Log(protocol.LogEntry{Level: "error", Message: "exploded", Source: "app"})

	out, err := ctlRun(t, port, "logs", "--level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "[error] app: exploded")
	assert.NotContains(t, out, "booted")
}

// syncBuffer is a bytes.Buffer safe to read while run writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTail(t *testing.T) {
	port, b := startStack(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"--port", strconv.Itoa(port), "tail", "--level", "warn"}, noEnv, &out, io.Discard)
	}()

	// entries logged before the subscription is acknowledged are not
	// streamed, so keep logging until one arrives
	require.Eventually(t, func() bool {
		b.Log(protocol.LogEntry{Level: "warn", Message: "careful"})
		b.Log(protocol.LogEntry{Level: "info", Message: "chatter"})
		return strings.Contains(out.String(), "[warn] careful")
	}, 5*time.Second, 50*time.Millisecond)
	assert.NotContains(t, out.String(), "chatter")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("tail did not stop")
	}
}

func TestPublishSubscribe(t *testing.T) {
	port, _ := startStack(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"--port", strconv.Itoa(port), "subscribe", "news"}, noEnv, &out, io.Discard)
	}()

	require.Eventually(t, func() bool {
		if _, err := ctlRun(t, port, "publish", "news", `{"n":1}`); err != nil {
			return false
		}
		return strings.Contains(out.String(), `{"n":1}`)
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestAPIKey(t *testing.T) {
	port, _ := startStack(t, false)

	out, err := ctlRun(t, port, "api-key")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "configured") || out == "not configured\n")
}

func TestUnknownCommand(t *testing.T) {
	_, err := ctlRun(t, freePort(t), "frobnicate")
	assert.EqualError(t, err, "unknown command: frobnicate")

	err = run(context.Background(), nil, noEnv, io.Discard, io.Discard)
	assert.EqualError(t, err, "command required")
}
