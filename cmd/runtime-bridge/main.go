// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// runtime-bridge connects a terminal runtime to devbridge-server. Commands
// run in a shell, the shell's output is the console and the screen, and
// source changes under --watch trigger captures.
//
// Usage:
//
//	runtime-bridge --app-port 3000 --watch ./src
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Hyper-Int/devbridge/internal/bridge"
	"github.com/Hyper-Int/devbridge/internal/config"
	"github.com/Hyper-Int/devbridge/internal/hmr"
	"github.com/Hyper-Int/devbridge/internal/logging"
	"github.com/Hyper-Int/devbridge/internal/protocol"
	"github.com/Hyper-Int/devbridge/internal/pty"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr, nil); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run blocks until ctx is done or the shell exits. started, if set,
// receives the bridge once it is running.
func run(ctx context.Context, args []string, lookup func(string) (string, bool), stderr io.Writer, started chan<- *bridge.Bridge) error {
	cfg, _, err := config.Load("runtime-bridge", args, lookup, config.BindBridge)
	if err != nil {
		return err
	}
	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// the bridge is created after the terminal, so lines are handed over
	// once it exists
	var b *bridge.Bridge
	ready := make(chan struct{})
	term, err := pty.Open(pty.Options{
		Shell:  cfg.Bridge.Shell,
		Logger: logger,
		OnLine: func(entry protocol.LogEntry) {
			select {
			case <-ready:
				b.Log(entry)
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer term.Close()

	b = bridge.New(bridge.Config{
		Host:            cfg.Bridge.Host,
		BasePort:        cfg.Bridge.BasePort(),
		MaxPortRetries:  cfg.Bridge.MaxPortRetries,
		AppPort:         cfg.Bridge.AppPort,
		PageURL:         cfg.Bridge.PageURL,
		UserAgent:       "runtime-bridge/" + protocol.Version,
		VerifyTimeout:   cfg.Bridge.VerifyTimeout,
		ReconnectDelay:  cfg.Bridge.ReconnectDelay,
		ScanCooldown:    cfg.Bridge.ScanCooldown,
		CaptureDebounce: cfg.Bridge.CaptureDebounce,
		HandlerTimeout:  cfg.Bridge.HandlerTimeout,
		LogCapacity:     cfg.Bridge.LogCapacity,
		AutoCapture:     cfg.Bridge.AutoCapture,
	}, term.Handlers(), logger)
	b.OnStateChange = func(s bridge.State) {
		logger.Debug("bridge state", "state", s.String())
	}
	close(ready)

	var watcher *hmr.Watcher
	if cfg.Bridge.WatchDir != "" {
		watcher, err = hmr.New(cfg.Bridge.WatchDir, func(string) { b.TriggerHMR() }, logger)
		if err != nil {
			return fmt.Errorf("watch %s: %w", cfg.Bridge.WatchDir, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-term.Done():
			return pty.ErrExited
		}
	})

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if started != nil {
		started <- b
	}
	return g.Wait()
}
