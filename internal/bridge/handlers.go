// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Hyper-Int/devbridge/internal/protocol"
)

var (
	ErrUnsupported    = errors.New("not supported by this runtime")
	ErrHandlerTimeout = errors.New("handler timed out")
)

// CaptureRequest selects what to capture. An empty selector means the
// whole viewport.
type CaptureRequest struct {
	Selector string
	FullPage bool
}

// Capture is an encoded image, or a text rendering for runtimes without a
// display.
type Capture struct {
	Data   string `json:"data"` // base64
	Format string `json:"format"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Capturer renders the runtime's current view.
type Capturer interface {
	Capture(ctx context.Context, req CaptureRequest) (Capture, error)
}

// DOMQuerier returns a description of the elements matching selector.
type DOMQuerier interface {
	Query(ctx context.Context, selector string) (any, error)
}

// Evaluator runs code inside the runtime.
type Evaluator interface {
	Evaluate(ctx context.Context, code string) (any, error)
}

// Handlers is the runtime's command set. Nil members answer with
// ErrUnsupported.
type Handlers struct {
	Capturer   Capturer
	DOMQuerier DOMQuerier
	Evaluator  Evaluator
}

// LogsResult answers get-logs.
type LogsResult struct {
	Logs    []protocol.LogEntry `json:"logs"`
	Count   int                 `json:"count"`
	Dropped uint64              `json:"dropped"`
}

// execute runs one command and converts every outcome, panics included,
// into a response envelope.
func (b *Bridge) execute(ctx context.Context, cmd protocol.Command) protocol.Response {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()

	type result struct {
		data any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				b.logger.Error("command handler panicked", "command", cmd.Type, "panic", p)
				done <- result{err: fmt.Errorf("handler panicked: %v", p)}
			}
		}()
		data, err := b.handle(ctx, cmd)
		done <- result{data: data, err: err}
	}()

	var resp protocol.Response
	select {
	case r := <-done:
		if r.err != nil {
			resp = protocol.Failure(r.err.Error())
		} else {
			resp = protocol.Success(r.data)
		}
	case <-ctx.Done():
		resp = protocol.Failure(ErrHandlerTimeout.Error())
	}

	if cmd.Type == protocol.TypeRequestScreenshot {
		resp.Type = protocol.TypeScreenshotResponse
	}
	resp.RequestID = cmd.RequestID
	return resp
}

func (b *Bridge) handle(ctx context.Context, cmd protocol.Command) (any, error) {
	switch cmd.Type {
	case protocol.CommandCaptureScreenshot, protocol.TypeRequestScreenshot:
		if b.handlers.Capturer == nil {
			return nil, fmt.Errorf("capture: %w", ErrUnsupported)
		}
		return b.handlers.Capturer.Capture(ctx, CaptureRequest{Selector: cmd.Selector, FullPage: cmd.FullPage})

	case protocol.CommandQueryDOM:
		if b.handlers.DOMQuerier == nil {
			return nil, fmt.Errorf("query: %w", ErrUnsupported)
		}
		return b.handlers.DOMQuerier.Query(ctx, cmd.Selector)

	case protocol.CommandExecuteCode:
		if b.handlers.Evaluator == nil {
			return nil, fmt.Errorf("execute: %w", ErrUnsupported)
		}
		if cmd.Code == "" {
			return nil, errors.New("code is required")
		}
		return b.handlers.Evaluator.Evaluate(ctx, cmd.Code)

	case protocol.CommandGetLogs:
		return b.logsResult(cmd.Level, cmd.Limit), nil
	}
	return nil, fmt.Errorf("unknown command: %s", cmd.Type)
}

func (b *Bridge) logsResult(level string, limit int) LogsResult {
	all := b.logs.All()
	logs := all[:0:0]
	for _, e := range all {
		if level == "" || strings.EqualFold(e.Level, level) {
			logs = append(logs, e)
		}
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return LogsResult{Logs: logs, Count: len(logs), Dropped: b.logs.Dropped()}
}

// dispatch decodes a command frame and answers it on the session it
// arrived on. Handlers run off the read loop.
func (b *Bridge) dispatch(ctx context.Context, s *session, data []byte) {
	var cmd protocol.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.sendJSON(protocol.Failuref("invalid message: %v", err))
		return
	}
	go func() {
		started := time.Now()
		resp := b.execute(ctx, cmd)
		if !s.sendJSON(resp) {
			b.logger.Warn("response dropped, connection gone", "command", cmd.Type)
			return
		}
		b.logger.Debug("command answered", "command", cmd.Type, "success", resp.Success, "elapsed", time.Since(started))
	}()
}
