// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package pending correlates explicit requests with their responses.
//
// Every issued request resolves exactly once: either Resolve claims it when
// the matching response arrives, or its timer fires and the timeout
// callback runs. Whichever removes the entry from the ledger first wins.
package pending

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrDuplicateRequest = errors.New("request already pending")
	ErrLedgerClosed     = errors.New("ledger closed")
)

// Recipient is the connection awaiting a response.
type Recipient interface {
	ID() string
	Send(data []byte) bool
}

// TimeoutFunc runs once for each request that expires unanswered.
type TimeoutFunc func(requestID string, origin Recipient)

type entry struct {
	origin   Recipient
	deadline time.Time
	timer    *time.Timer
}

// Ledger maps request IDs to the connection that issued them.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	timeout   time.Duration
	onTimeout TimeoutFunc
	logger    *slog.Logger
}

// New creates a ledger. timeout applies when Issue is given zero.
func New(timeout time.Duration, onTimeout TimeoutFunc, logger *slog.Logger) *Ledger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		entries:   make(map[string]*entry),
		timeout:   timeout,
		onTimeout: onTimeout,
		logger:    logger.With("component", "pending"),
	}
}

// Issue records requestID for origin. At most one live entry may exist per
// ID.
func (l *Ledger) Issue(requestID string, origin Recipient, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = l.timeout
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLedgerClosed
	}
	if _, ok := l.entries[requestID]; ok {
		return ErrDuplicateRequest
	}
	e := &entry{origin: origin, deadline: time.Now().Add(timeout)}
	e.timer = time.AfterFunc(timeout, func() { l.expire(requestID, e) })
	l.entries[requestID] = e
	return nil
}

// Resolve claims requestID for delivery. It returns false when the request
// is unknown, already resolved, or timed out.
func (l *Ledger) Resolve(requestID string) (Recipient, bool) {
	l.mu.Lock()
	e, ok := l.entries[requestID]
	if ok {
		delete(l.entries, requestID)
	}
	l.mu.Unlock()

	if !ok {
		return nil, false
	}
	e.timer.Stop()
	return e.origin, true
}

func (l *Ledger) expire(requestID string, e *entry) {
	l.mu.Lock()
	current, ok := l.entries[requestID]
	if !ok || current != e {
		// already resolved
		l.mu.Unlock()
		return
	}
	delete(l.entries, requestID)
	l.mu.Unlock()

	l.logger.Warn("request timed out", "request_id", requestID, "conn", e.origin.ID())
	if l.onTimeout != nil {
		l.onTimeout(requestID, e.origin)
	}
}

// Deadline returns when requestID expires.
func (l *Ledger) Deadline(requestID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[requestID]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Len returns the number of outstanding requests.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops all timers without firing timeout callbacks.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, e := range l.entries {
		e.timer.Stop()
		delete(l.entries, id)
	}
}
