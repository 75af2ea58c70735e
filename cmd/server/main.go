// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// devbridge-server relays messages between controllers and application
// runtimes on the loopback interface.
//
// Usage:
//
//	devbridge-server [--app-port N] [--port N] [--config file.yaml]
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
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Hyper-Int/devbridge/internal/config"
	"github.com/Hyper-Int/devbridge/internal/logging"
	"github.com/Hyper-Int/devbridge/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr, nil); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run starts the server and blocks until ctx is done. ready, if set,
// receives the bound port.
func run(ctx context.Context, args []string, lookup func(string) (string, bool), stdout, stderr io.Writer, ready chan<- int) error {
	cfg, _, err := config.Load("devbridge-server", args, lookup, config.BindServer)
	if err != nil {
		return err
	}

	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	srv := server.New(cfg.Server, logger)
	if _, err := srv.Initialize(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "devbridge listening on ws://%s:%d\n", cfg.Server.Host, srv.Port())
	if ready != nil {
		ready <- srv.Port()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
