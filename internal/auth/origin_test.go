// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMissingOriginAccepted(t *testing.T) {
	v := NewGatekeeper(3000).Check("")
	assert.True(t, v.Accept)
	assert.False(t, v.Flagged)
}

func TestNonLoopbackOriginRejected(t *testing.T) {
	g := NewGatekeeper(3000)
	for _, origin := range []string{
		"https://evil.example",
		"http://192.168.1.10:3000",
		"http://localhost.evil.example:3000",
		"null",
		"://",
	} {
		v := g.Check(origin)
		assert.False(t, v.Accept, origin)
		assert.NotEmpty(t, v.Reason, origin)
	}
}

func TestLoopbackOrigins(t *testing.T) {
	g := NewGatekeeper(3000)

	v := g.Check("http://localhost:3000")
	assert.True(t, v.Accept)
	assert.False(t, v.Flagged)

	v = g.Check("http://127.0.0.1:3000")
	assert.True(t, v.Accept)
	assert.False(t, v.Flagged)

	// another app instance on the same machine
	v = g.Check("http://localhost:5173")
	assert.True(t, v.Accept)
	assert.True(t, v.Flagged)

	v = g.Check("http://localhost")
	assert.True(t, v.Accept)
	assert.True(t, v.Flagged)
}

func TestNoAppPortNeverFlags(t *testing.T) {
	v := NewGatekeeper(0).Check("http://localhost:4321")
	assert.True(t, v.Accept)
	assert.False(t, v.Flagged)
}

func TestCheckRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Origin", "https://example.com")
	assert.False(t, NewGatekeeper(3000).CheckRequest(r).Accept)
}
