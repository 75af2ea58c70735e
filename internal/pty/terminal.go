// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package pty

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/Hyper-Int/devbridge/internal/bridge"
	"github.com/Hyper-Int/devbridge/internal/id"
	"github.com/Hyper-Int/devbridge/internal/protocol"
)

const (
	defaultCols       = 120
	defaultRows       = 40
	defaultScrollback = 2000
	markerPrefix      = "__devbridge_done_"
	setupTimeout      = 5 * time.Second
	closeGrace        = 500 * time.Millisecond
)

var ErrExited = errors.New("shell exited")

// Options configures a Terminal.
type Options struct {
	Shell      string
	Cols, Rows uint16
	Scrollback int
	Env        []string
	Logger     *slog.Logger

	// OnLine receives each completed output line as a console entry.
	OnLine func(protocol.LogEntry)
}

// Terminal is a shell session usable as a bridge handler set.
type Terminal struct {
	pty    *PTY
	screen *Screen
	rows   int
	logger *slog.Logger

	evalMu sync.Mutex // one command at a time

	mu      sync.Mutex
	capture *strings.Builder
	notify  chan struct{}
}

// Result answers execute-code.
type Result struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
}

// Match is one screen line matched by a query.
type Match struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// QueryResult answers query-dom.
type QueryResult struct {
	Count int     `json:"count"`
	Nodes []Match `json:"nodes"`
}

// Open starts the shell.
func Open(opts Options) (*Terminal, error) {
	if opts.Shell == "" {
		opts.Shell = DefaultShell()
	}
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}
	if opts.Scrollback == 0 {
		opts.Scrollback = defaultScrollback
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t := &Terminal{
		rows:   int(opts.Rows),
		logger: opts.Logger.With("component", "pty"),
		notify: make(chan struct{}, 1),
	}
	t.screen = NewScreen(opts.Scrollback, func(line string) {
		if opts.OnLine == nil || line == "" || strings.Contains(line, markerPrefix) {
			return
		}
		opts.OnLine(protocol.LogEntry{
			Level:     lineLevel(line),
			Message:   line,
			Timestamp: protocol.NowMillis(),
			Source:    "pty",
		})
	})

	p, err := Start(opts.Shell, shellArgs(opts.Shell), opts.Cols, opts.Rows, append([]string{"PS1=", "PS2="}, opts.Env...))
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Shell, err)
	}
	t.pty = p
	go t.readLoop()

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()
	if _, err := t.Evaluate(ctx, "stty -echo 2>/dev/null; PS1=''; PS2=''"); err != nil {
		p.Close()
		return nil, fmt.Errorf("prepare shell: %w", err)
	}
	return t, nil
}

func (t *Terminal) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			t.screen.Write(chunk)

			t.mu.Lock()
			if t.capture != nil {
				t.capture.Write(chunk)
			}
			t.mu.Unlock()
			select {
			case t.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			t.logger.Debug("terminal read ended", "error", err)
			return
		}
	}
}

// Evaluate runs code as shell input and returns what it printed and its
// exit status.
func (t *Terminal) Evaluate(ctx context.Context, code string) (any, error) {
	t.evalMu.Lock()
	defer t.evalMu.Unlock()

	token := strings.ToLower(id.Request())
	marker := regexp.MustCompile(regexp.QuoteMeta(markerPrefix+token) + ` (\d+)`)

	var out strings.Builder
	t.mu.Lock()
	t.capture = &out
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.capture = nil
		t.mu.Unlock()
	}()

	// the marker is split in the printf so the echoed input never matches
	input := fmt.Sprintf("%s\nprintf '%%s%%s %%d\\n' '%s' '%s' \"$?\"\n", strings.TrimRight(code, "\n"), markerPrefix, token)
	if _, err := t.pty.Write([]byte(input)); err != nil {
		return nil, err
	}

	for {
		t.mu.Lock()
		raw := out.String()
		t.mu.Unlock()

		text := ansi.Strip(raw)
		if loc := marker.FindStringSubmatchIndex(text); loc != nil {
			code, _ := strconv.Atoi(text[loc[2]:loc[3]])
			return Result{Output: trimOutput(text[:loc[0]]), ExitCode: code}, nil
		}

		select {
		case <-ctx.Done():
			t.pty.Interrupt()
			return nil, ctx.Err()
		case <-t.pty.Done():
			return nil, ErrExited
		case <-t.notify:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Capture renders the screen as base64 text. A selector limits the
// capture to matching lines.
func (t *Terminal) Capture(ctx context.Context, req bridge.CaptureRequest) (bridge.Capture, error) {
	lines := t.visibleLines()
	if req.Selector != "" {
		res, err := t.query(req.Selector)
		if err != nil {
			return bridge.Capture{}, err
		}
		lines = lines[:0]
		for _, m := range res.Nodes {
			lines = append(lines, m.Text)
		}
	} else if !req.FullPage && len(lines) > t.rows {
		lines = lines[len(lines)-t.rows:]
	}

	width := 0
	for _, l := range lines {
		if len(l) > width {
			width = len(l)
		}
	}
	text := strings.Join(lines, "\n")
	return bridge.Capture{
		Data:   base64.StdEncoding.EncodeToString([]byte(text)),
		Format: "text",
		Width:  width,
		Height: len(lines),
	}, nil
}

// Query treats selector as a case-insensitive pattern over screen lines.
func (t *Terminal) Query(ctx context.Context, selector string) (any, error) {
	return t.query(selector)
}

func (t *Terminal) query(selector string) (QueryResult, error) {
	re, err := regexp.Compile("(?i)" + selector)
	if err != nil {
		return QueryResult{}, fmt.Errorf("invalid selector: %w", err)
	}
	res := QueryResult{Nodes: []Match{}}
	for i, line := range t.visibleLines() {
		if re.MatchString(line) {
			res.Nodes = append(res.Nodes, Match{Line: i, Text: line})
		}
	}
	res.Count = len(res.Nodes)
	return res, nil
}

// visibleLines is the screen without completion markers.
func (t *Terminal) visibleLines() []string {
	all := t.screen.Lines()
	lines := all[:0]
	for _, line := range all {
		if !strings.Contains(line, markerPrefix) {
			lines = append(lines, line)
		}
	}
	return lines
}

// Handlers exposes the terminal as a bridge handler set.
func (t *Terminal) Handlers() bridge.Handlers {
	return bridge.Handlers{Capturer: t, DOMQuerier: t, Evaluator: t}
}

// Done is closed when the shell exits.
func (t *Terminal) Done() <-chan struct{} {
	return t.pty.Done()
}

// Close asks the shell to exit and kills it if it has not within
// closeGrace.
func (t *Terminal) Close() error {
	if err := t.pty.Signal(SIGTERM); err == nil {
		select {
		case <-t.pty.Done():
		case <-time.After(closeGrace):
		}
	}
	return t.pty.Close()
}

func lineLevel(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"), strings.Contains(lower, "fatal"), strings.Contains(lower, "panic"):
		return "error"
	case strings.Contains(lower, "warn"):
		return "warn"
	default:
		return "info"
	}
}

func trimOutput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Trim(s, "\n")
}
