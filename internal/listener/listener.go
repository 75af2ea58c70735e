// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package listener binds the first free TCP port in a bounded range.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
)

var (
	ErrPortRangeExhausted = errors.New("no free port in range")
)

// Listen tries port, port+1, ... for at most attempts binds. Only
// address-in-use moves on to the next port; any other error is returned
// as-is. The returned int is the port actually bound.
func Listen(ctx context.Context, host string, port, attempts int, logger *slog.Logger) (net.Listener, int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts < 1 {
		attempts = 1
	}
	var lc net.ListenConfig
	for i := 0; i < attempts; i++ {
		candidate := port + i
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(candidate)))
		if err == nil {
			bound := ln.Addr().(*net.TCPAddr).Port
			if i > 0 {
				logger.Info("bound fallback port", "component", "listener", "requested", port, "port", bound)
			}
			return ln, bound, nil
		}
		if !IsAddrInUse(err) {
			return nil, 0, fmt.Errorf("listen on %s:%d: %w", host, candidate, err)
		}
		logger.Debug("port in use", "component", "listener", "port", candidate)
	}
	return nil, 0, fmt.Errorf("%w: ports %d-%d are in use", ErrPortRangeExhausted, port, port+attempts-1)
}

// IsAddrInUse reports whether err is an address-in-use bind failure.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
