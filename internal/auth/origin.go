// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package auth implements the origin gatekeeper for inbound websocket
// connections. It is a local-trust check, not a security boundary against
// other processes on the same machine.
package auth

import (
	"net/http"
	"net/url"
	"strconv"
)

// Verdict is the gatekeeper's decision for one connection.
type Verdict struct {
	Accept bool
	// Flagged marks a loopback origin on a port other than the associated
	// application port. Such connections are accepted so that several app
	// instances can be open at once.
	Flagged bool
	Origin  string
	Reason  string
}

// Gatekeeper validates the Origin header of inbound connections.
type Gatekeeper struct {
	appPort int
}

// NewGatekeeper creates a gatekeeper for a server associated with appPort.
// Zero disables the port comparison.
func NewGatekeeper(appPort int) *Gatekeeper {
	return &Gatekeeper{appPort: appPort}
}

// CheckRequest inspects the Origin header of r.
func (g *Gatekeeper) CheckRequest(r *http.Request) Verdict {
	return g.Check(r.Header.Get("Origin"))
}

// Check classifies an origin value. An empty origin comes from a non-browser
// controller and is always accepted.
func (g *Gatekeeper) Check(origin string) Verdict {
	if origin == "" {
		return Verdict{Accept: true}
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return Verdict{Origin: origin, Reason: "unparseable origin"}
	}
	if !isLoopback(u.Hostname()) {
		return Verdict{Origin: origin, Reason: "non-loopback origin"}
	}

	v := Verdict{Accept: true, Origin: origin}
	if g.appPort != 0 && originPort(u) != g.appPort {
		v.Flagged = true
		v.Reason = "origin port differs from application port"
	}
	return v
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1"
}

// originPort returns the explicit port or the scheme default.
func originPort(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return -1
		}
		return n
	}
	switch u.Scheme {
	case "https", "wss":
		return 443
	default:
		return 80
	}
}
