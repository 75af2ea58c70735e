// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package bridge

import (
	"sync"
	"time"
)

type captureState int

const (
	captureIdle captureState = iota
	capturePending
	captureCapturing
)

// autoCapture debounces HMR triggers. Each trigger while pending pushes the
// deadline out by a full window; a trigger during a capture schedules
// exactly one follow-up.
type autoCapture struct {
	debounce time.Duration
	run      func() bool

	mu       sync.Mutex
	state    captureState
	deadline time.Time
	timer    *time.Timer
	gen      uint64 // invalidates timers that fired after being replaced
	rerun    bool
	seq      uint64
	stopped  bool
}

func newAutoCapture(debounce time.Duration, run func() bool) *autoCapture {
	return &autoCapture{debounce: debounce, run: run}
}

func (a *autoCapture) trigger() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	switch a.state {
	case captureIdle, capturePending:
		a.scheduleLocked()
	case captureCapturing:
		a.rerun = true
	}
}

func (a *autoCapture) scheduleLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.state = capturePending
	a.deadline = time.Now().Add(a.debounce)
	a.timer = time.AfterFunc(a.debounce, func() { a.fire(gen) })
}

func (a *autoCapture) fire(gen uint64) {
	a.mu.Lock()
	if a.stopped || gen != a.gen || a.state != capturePending {
		a.mu.Unlock()
		return
	}
	a.state = captureCapturing
	a.timer = nil
	a.mu.Unlock()

	a.run()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		a.state = captureIdle
		return
	}
	if a.rerun {
		a.rerun = false
		a.scheduleLocked()
		return
	}
	a.state = captureIdle
}

// next allocates the sequence number of a completed capture.
func (a *autoCapture) next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}

func (a *autoCapture) sequence() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

func (a *autoCapture) pendingDeadline() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deadline, a.state == capturePending
}

func (a *autoCapture) current() captureState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *autoCapture) start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = false
}

// stop cancels any pending capture. Later triggers are ignored.
func (a *autoCapture) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.rerun = false
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.state == capturePending {
		a.state = captureIdle
	}
}
