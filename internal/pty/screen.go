// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package pty

import (
	"bytes"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/Hyper-Int/devbridge/internal/bridge"
)

// Screen keeps the most recent terminal output as plain-text lines.
type Screen struct {
	mu      sync.Mutex
	lines   *bridge.Ring[string]
	partial []byte
	onLine  func(string)
}

// NewScreen keeps up to scrollback lines. onLine, if set, sees every
// completed line.
func NewScreen(scrollback int, onLine func(string)) *Screen {
	return &Screen{
		lines:  bridge.NewRing[string](scrollback),
		onLine: onLine,
	}
}

// Write implements io.Writer for raw terminal output.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.partial = append(s.partial, p...)
	var complete []string
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		line := cleanLine(s.partial[:i])
		s.partial = s.partial[i+1:]
		s.lines.Push(line)
		complete = append(complete, line)
	}
	// detach from the old backing array so it can be collected
	s.partial = append([]byte(nil), s.partial...)
	s.mu.Unlock()

	if s.onLine != nil {
		for _, line := range complete {
			s.onLine(line)
		}
	}
	return len(p), nil
}

// Lines returns the scrollback plus the unterminated current line.
func (s *Screen) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.lines.All()
	if tail := cleanLine(s.partial); tail != "" {
		lines = append(lines, tail)
	}
	return lines
}

// Text renders the screen as one string.
func (s *Screen) Text() string {
	return strings.Join(s.Lines(), "\n")
}

// cleanLine strips escape sequences and resolves carriage returns the way
// a terminal would display the line.
func cleanLine(raw []byte) string {
	line := ansi.Strip(string(raw))
	line = strings.TrimRight(line, "\r")
	if i := strings.LastIndexByte(line, '\r'); i >= 0 {
		line = line[i+1:]
	}
	return line
}
