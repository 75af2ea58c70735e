// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package subscriptions keeps named-channel and log-stream subscriptions for
// live connections.
package subscriptions

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/Hyper-Int/devbridge/internal/protocol"
)

var (
	ErrSubscriptionTaken = errors.New("subscription id belongs to another connection")
)

// Subscriber is a live connection that can receive frames. Send must not
// block; it reports false when the frame was dropped.
type Subscriber interface {
	ID() string
	Send(data []byte) bool
}

type logSubscription struct {
	id     string
	owner  Subscriber
	filter LogFilter
}

// Registry fans out broadcasts and log events. Entries never outlive their
// subscriber: Purge must be called when a connection closes.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]Subscriber
	logs     map[string]*logSubscription
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		channels: make(map[string]map[string]Subscriber),
		logs:     make(map[string]*logSubscription),
		logger:   logger.With("component", "subscriptions"),
	}
}

// Subscribe adds sub to channel. Subscribing twice is a no-op.
func (r *Registry) Subscribe(channel string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[string]Subscriber)
		r.channels[channel] = subs
	}
	subs[sub.ID()] = sub
}

// Unsubscribe removes sub from channel and reports whether it was present.
func (r *Registry) Unsubscribe(channel string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(channel, sub.ID())
}

func (r *Registry) unsubscribeLocked(channel, subID string) bool {
	subs, ok := r.channels[channel]
	if !ok {
		return false
	}
	if _, ok := subs[subID]; !ok {
		return false
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(r.channels, channel)
	}
	return true
}

// Broadcast delivers data to every subscriber of channel and returns how
// many accepted it. There is no acknowledgement or retry.
func (r *Registry) Broadcast(channel string, data []byte) int {
	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.channels[channel]))
	for _, sub := range r.channels[channel] {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.Send(data) {
			delivered++
		} else {
			r.logger.Warn("broadcast dropped", "channel", channel, "conn", sub.ID())
		}
	}
	return delivered
}

// SubscribeLogs registers a filtered log stream under id. Re-subscribing an
// id the same connection already owns replaces its filter.
func (r *Registry) SubscribeLogs(id string, sub Subscriber, filter LogFilter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.logs[id]; ok && existing.owner.ID() != sub.ID() {
		return ErrSubscriptionTaken
	}
	r.logs[id] = &logSubscription{id: id, owner: sub, filter: filter}
	return nil
}

// UnsubscribeLogs removes the log stream id if sub owns it.
func (r *Registry) UnsubscribeLogs(id string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.logs[id]
	if !ok || existing.owner.ID() != sub.ID() {
		return false
	}
	delete(r.logs, id)
	return true
}

// PublishLog sends entry to every log subscription whose filter matches and
// returns the number of deliveries.
func (r *Registry) PublishLog(entry protocol.LogEntry) int {
	r.mu.RLock()
	matched := make([]*logSubscription, 0, len(r.logs))
	for _, ls := range r.logs {
		if ls.filter.Match(entry) {
			matched = append(matched, ls)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, ls := range matched {
		data, err := json.Marshal(protocol.LogEvent{
			Type:           protocol.TypeLogEvent,
			SubscriptionID: ls.id,
			LogEntry:       entry,
		})
		if err != nil {
			r.logger.Error("encode log event", "error", err)
			continue
		}
		if ls.owner.Send(data) {
			delivered++
		}
	}
	return delivered
}

// Purge drops every channel and log subscription held by sub.
func (r *Registry) Purge(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subID := sub.ID()
	for channel := range r.channels {
		r.unsubscribeLocked(channel, subID)
	}
	for id, ls := range r.logs {
		if ls.owner.ID() == subID {
			delete(r.logs, id)
		}
	}
}

// ChannelCount returns the number of subscribers on channel.
func (r *Registry) ChannelCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// LogCount returns the number of active log subscriptions.
func (r *Registry) LogCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs)
}

// Holds reports whether sub still appears anywhere in the registry.
func (r *Registry) Holds(sub Subscriber) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subID := sub.ID()
	for _, subs := range r.channels {
		if _, ok := subs[subID]; ok {
			return true
		}
	}
	for _, ls := range r.logs {
		if ls.owner.ID() == subID {
			return true
		}
	}
	return false
}
