// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package pty runs a shell in a pseudo-terminal and exposes it as a
// devbridge runtime: execute-code runs shell input, captures render the
// screen as text and queries match screen lines.
package pty

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Signal types for PTY control
type Signal int

const (
	SIGINT  Signal = Signal(syscall.SIGINT)
	SIGTERM Signal = Signal(syscall.SIGTERM)
	SIGKILL Signal = Signal(syscall.SIGKILL)
)

// PTY is a process attached to a pseudo-terminal.
type PTY struct {
	file *os.File
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// Start runs shell with args in a new pseudo-terminal of the given size.
func Start(shell string, args []string, cols, rows uint16, env []string) (*PTY, error) {
	cmd := exec.Command(shell, args...)
	cmd.Env = append(os.Environ(), "TERM=dumb")
	cmd.Env = append(cmd.Env, env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		return nil, err
	}

	p := &PTY{
		file: ptmx,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Read reads terminal output.
func (p *PTY) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	file := p.file
	p.mu.Unlock()

	return file.Read(buf)
}

// Write sends input to the terminal.
func (p *PTY) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	file := p.file
	p.mu.Unlock()

	return file.Write(data)
}

// Signal sends a signal to the shell process.
func (p *PTY) Signal(sig Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return os.ErrClosed
	}
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(syscall.Signal(sig))
}

// Interrupt sends the terminal interrupt character, which signals the
// foreground job rather than the shell itself.
func (p *PTY) Interrupt() error {
	_, err := p.Write([]byte{0x03})
	return err
}

// Close kills the process and releases the terminal.
func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	return p.file.Close()
}

// Done is closed when the process exits.
func (p *PTY) Done() <-chan struct{} {
	return p.done
}
