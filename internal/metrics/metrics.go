// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package metrics holds the Prometheus collectors of one server instance.
// Each server owns its registry so several servers can coexist in a process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devbridge"

// Metrics groups the server's collectors.
type Metrics struct {
	Registry *prometheus.Registry

	Connections         *prometheus.GaugeVec
	OriginRejected      prometheus.Counter
	OriginFlagged       prometheus.Counter
	Forwarded           *prometheus.CounterVec
	NoRuntime           prometheus.Counter
	HandshakeMismatches prometheus.Counter
	Broadcasts          prometheus.Counter
	LogEvents           prometheus.Counter
	PendingRequests     prometheus.Gauge
	RequestTimeouts     prometheus.Counter
	MalformedMessages   prometheus.Counter
	RateLimited         prometheus.Counter
}

// New registers a fresh set of collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections by role.",
		}, []string{"role"}),
		OriginRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_rejected_total",
			Help:      "Connections closed because of a non-loopback origin.",
		}),
		OriginFlagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_flagged_total",
			Help:      "Loopback connections from a port other than the application port.",
		}),
		Forwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_messages_total",
			Help:      "Messages relayed between controllers and runtimes.",
		}, []string{"direction"}),
		NoRuntime: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_runtime_total",
			Help:      "Controller commands rejected because no verified runtime was connected.",
		}),
		HandshakeMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_mismatches_total",
			Help:      "Runtimes that identified with a different application port.",
		}),
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Channel broadcasts fanned out.",
		}),
		LogEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_event_deliveries_total",
			Help:      "Log events delivered to subscribers.",
		}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Outstanding correlated requests.",
		}),
		RequestTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Correlated requests that expired without a response.",
		}),
		MalformedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Frames that could not be parsed.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Frames rejected by the per-connection rate limiter.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
