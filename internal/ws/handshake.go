// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"encoding/json"
	"os"

	"github.com/Hyper-Int/devbridge/internal/protocol"
)

var lookupEnv = os.LookupEnv

// handleClientReady is the server half of the identity exchange. The
// connection becomes a runtime; it is verified only when its expected
// application port matches ours. Either way the server answers with its
// identity and the runtime decides whether to stay.
func (rt *Router) handleClientReady(c *Conn, data []byte) {
	var msg protocol.ClientReady
	if err := json.Unmarshal(data, &msg); err != nil {
		rt.metrics.MalformedMessages.Inc()
		c.SendJSON(protocol.Failuref("invalid %s message: %v", protocol.TypeClientReady, err))
		return
	}

	verified := rt.identity.Matches(msg.AppPort)
	rt.hub.SetRole(c, Role{
		Kind: RoleRuntime,
		Runtime: &RuntimeIdentity{
			AppPort:   msg.AppPort,
			URL:       msg.URL,
			UserAgent: msg.UserAgent,
			Verified:  verified,
		},
	})

	if verified {
		rt.logger.Info("runtime connected", "conn", c.ID(), "url", msg.URL, "app_port", msg.AppPort)
	} else {
		rt.metrics.HandshakeMismatches.Inc()
		rt.logger.Warn("runtime expects a different application",
			"conn", c.ID(), "expected_app_port", msg.AppPort, "app_port", rt.identity.AppPort)
	}

	c.SendJSON(rt.identity.Info())
}
