// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package subscriptions

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hyper-Int/devbridge/internal/protocol"
)

type fakeSub struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func newFakeSub(id string) *fakeSub { return &fakeSub{id: id} }

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Send(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.frames = append(f.frames, data)
	return true
}

func (f *fakeSub) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	r := NewRegistry(nil)
	a, b, c := newFakeSub("a"), newFakeSub("b"), newFakeSub("c")
	r.Subscribe("news", a)
	r.Subscribe("news", b)
	r.Subscribe("news", b)
	r.Subscribe("other", c)

	n := r.Broadcast("news", []byte(`{"x":1}`))
	assert.Equal(t, 2, n)
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
	assert.Empty(t, c.received())
	assert.Equal(t, []byte(`{"x":1}`), a.received()[0])
}

func TestBroadcastSkipsFullSubscribers(t *testing.T) {
	r := NewRegistry(nil)
	a, b := newFakeSub("a"), newFakeSub("b")
	b.full = true
	r.Subscribe("news", a)
	r.Subscribe("news", b)

	assert.Equal(t, 1, r.Broadcast("news", []byte(`{}`)))
}

func TestUnsubscribe(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeSub("a")
	r.Subscribe("news", a)
	assert.True(t, r.Unsubscribe("news", a))
	assert.False(t, r.Unsubscribe("news", a))
	assert.Equal(t, 0, r.ChannelCount("news"))
	assert.Equal(t, 0, r.Broadcast("news", []byte(`{}`)))
}

func TestLogFilterLevels(t *testing.T) {
	r := NewRegistry(nil)
	warnOnly, all, errs := newFakeSub("warn"), newFakeSub("all"), newFakeSub("errs")

	f, err := NewLogFilter([]string{"warn"}, "", "")
	require.NoError(t, err)
	require.NoError(t, r.SubscribeLogs("s-warn", warnOnly, f))

	require.NoError(t, r.SubscribeLogs("s-all", all, LogFilter{}))

	f, err = NewLogFilter([]string{"warn", "ERROR"}, "", "")
	require.NoError(t, err)
	require.NoError(t, r.SubscribeLogs("s-errs", errs, f))

	n := r.PublishLog(protocol.LogEntry{Level: "error", Message: "boom", Timestamp: 1})
	assert.Equal(t, 2, n)
	assert.Empty(t, warnOnly.received())
	require.Len(t, all.received(), 1)
	require.Len(t, errs.received(), 1)

	var ev protocol.LogEvent
	require.NoError(t, json.Unmarshal(all.received()[0], &ev))
	assert.Equal(t, protocol.TypeLogEvent, ev.Type)
	assert.Equal(t, "s-all", ev.SubscriptionID)
	assert.Equal(t, "boom", ev.Message)
}

func TestLogFilterPatternAndSource(t *testing.T) {
	f, err := NewLogFilter(nil, "time(d)? out", "network")
	require.NoError(t, err)

	assert.True(t, f.Match(protocol.LogEntry{Level: "info", Message: "request TIMED OUT", Source: "network"}))
	assert.False(t, f.Match(protocol.LogEntry{Level: "info", Message: "request timed out", Source: "console"}))
	assert.False(t, f.Match(protocol.LogEntry{Level: "info", Message: "ok", Source: "network"}))

	_, err = NewLogFilter(nil, "([", "")
	assert.Error(t, err)
}

func TestLogFilterAllTermsRequired(t *testing.T) {
	f, err := NewLogFilter([]string{"error"}, "^fetch", "network")
	require.NoError(t, err)

	tests := []struct {
		name  string
		entry protocol.LogEntry
		want  bool
	}{
		{"all match", protocol.LogEntry{Level: "error", Message: "fetch failed", Source: "network"}, true},
		{"level differs", protocol.LogEntry{Level: "warn", Message: "fetch failed", Source: "network"}, false},
		{"pattern differs", protocol.LogEntry{Level: "error", Message: "xhr fetch failed", Source: "network"}, false},
		{"source differs", protocol.LogEntry{Level: "error", Message: "fetch failed", Source: "console"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Match(tt.entry))
		})
	}
}

func TestLogSubscriptionOwnership(t *testing.T) {
	r := NewRegistry(nil)
	a, b := newFakeSub("a"), newFakeSub("b")
	require.NoError(t, r.SubscribeLogs("s1", a, LogFilter{}))
	assert.ErrorIs(t, r.SubscribeLogs("s1", b, LogFilter{}), ErrSubscriptionTaken)
	assert.False(t, r.UnsubscribeLogs("s1", b))
	assert.True(t, r.UnsubscribeLogs("s1", a))
	assert.Equal(t, 0, r.LogCount())
}

func TestPurgeRemovesEverything(t *testing.T) {
	r := NewRegistry(nil)
	a, b := newFakeSub("a"), newFakeSub("b")
	r.Subscribe("one", a)
	r.Subscribe("two", a)
	r.Subscribe("two", b)
	require.NoError(t, r.SubscribeLogs("s-a", a, LogFilter{}))
	require.NoError(t, r.SubscribeLogs("s-b", b, LogFilter{}))

	r.Purge(a)

	assert.False(t, r.Holds(a))
	assert.True(t, r.Holds(b))
	assert.Equal(t, 0, r.ChannelCount("one"))
	assert.Equal(t, 1, r.ChannelCount("two"))
	assert.Equal(t, 1, r.LogCount())
	assert.Equal(t, 1, r.PublishLog(protocol.LogEntry{Level: "info", Message: "x"}))
	assert.Empty(t, a.received())
}
