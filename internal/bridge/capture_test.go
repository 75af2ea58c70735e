// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package bridge

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoCaptureCollapsesBurst(t *testing.T) {
	var runs atomic.Int32
	a := newAutoCapture(40*time.Millisecond, func() bool {
		runs.Add(1)
		return true
	})

	for i := 0; i < 5; i++ {
		a.trigger()
		time.Sleep(5 * time.Millisecond)
	}
	_, pending := a.pendingDeadline()
	assert.True(t, pending)
	assert.Equal(t, int32(0), runs.Load())

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, captureIdle, a.current())
}

func TestAutoCaptureTriggerRestartsWindow(t *testing.T) {
	a := newAutoCapture(time.Hour, func() bool { return true })
	defer a.stop()

	a.trigger()
	first, _ := a.pendingDeadline()
	time.Sleep(2 * time.Millisecond)
	a.trigger()
	second, pending := a.pendingDeadline()

	assert.True(t, pending)
	assert.True(t, second.After(first))
}

func TestAutoCaptureTriggerDuringCaptureRunsOnceMore(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	a := newAutoCapture(10*time.Millisecond, func() bool {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return true
	})

	a.trigger()
	<-started
	assert.Equal(t, captureCapturing, a.current())

	a.trigger()
	a.trigger()
	a.trigger()
	release <- struct{}{}

	<-started
	release <- struct{}{}

	require.Eventually(t, func() bool { return a.current() == captureIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())
}

func TestAutoCaptureStopCancelsPending(t *testing.T) {
	var runs atomic.Int32
	a := newAutoCapture(20*time.Millisecond, func() bool {
		runs.Add(1)
		return true
	})

	a.trigger()
	a.stop()
	a.trigger()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, int32(0), runs.Load())
	assert.Equal(t, captureIdle, a.current())
}

func TestAutoCaptureSequence(t *testing.T) {
	a := newAutoCapture(time.Millisecond, nil)
	assert.Equal(t, uint64(1), a.next())
	assert.Equal(t, uint64(2), a.next())
	assert.Equal(t, uint64(2), a.sequence())
}
