// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// browser-ctl drives an application runtime through devbridge-server from
// a terminal or an agent.
//
// Usage:
//
//	browser-ctl [global flags] <command> [arguments]
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Hyper-Int/devbridge/internal/config"
	"github.com/Hyper-Int/devbridge/internal/protocol"
)

const usage = `browser-ctl - control a running app through devbridge

Usage: browser-ctl [global flags] <command> [arguments]

Inspection:
  status                      Print server status
  screenshot [-o file]        Capture the runtime (aliases: snap, capture)
             [--selector s] [--full-page]
  query <selector>            Query the page (alias: dom)
  logs [--level l] [--limit n]  Print buffered console output

Execution:
  eval <code>                 Run code in the runtime (aliases: js, execute)

Streaming:
  tail [--level l] [--pattern re] [--source s]
                              Stream console output until interrupted
  subscribe <channel>         Print messages published on channel
  publish <channel> <json>    Publish a message on channel

Misc:
  api-key                     Report whether an API key is configured

Global flags:
`

type ctl struct {
	client  *ctlClient
	timeout time.Duration
	asJSON  bool
	stdout  io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), stdout, stderr io.Writer) error {
	cfg := config.Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		return err
	}

	global := pflag.NewFlagSet("browser-ctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(stderr)
	host := global.String("host", cfg.Bridge.Host, "server host")
	port := global.IntP("port", "p", 0, "server port (default: app port + 6223, or 9223)")
	appPort := global.Int("app-port", cfg.Bridge.AppPort, "application port, used to derive the server port")
	timeout := global.Duration("timeout", 30*time.Second, "how long to wait for a reply")
	asJSON := global.Bool("json", false, "print raw JSON")
	global.Usage = func() {
		fmt.Fprint(stderr, usage)
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("command required")
	}

	serverPort := *port
	if serverPort == 0 {
		serverPort = cfg.Bridge.ServerPort
	}
	if serverPort == 0 {
		serverPort = protocol.DefaultServerPort(*appPort)
	}

	c := &ctl{
		client:  newClient(*host, serverPort, *timeout),
		timeout: *timeout,
		asJSON:  *asJSON,
		stdout:  stdout,
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "status":
		return c.status(ctx)
	case "screenshot", "snap", "capture":
		return c.screenshot(ctx, rest)
	case "query", "dom":
		return c.query(ctx, rest)
	case "eval", "js", "execute":
		return c.eval(ctx, rest)
	case "logs":
		return c.logs(ctx, rest)
	case "tail":
		return c.tail(ctx, rest)
	case "subscribe":
		return c.subscribe(ctx, rest)
	case "publish":
		return c.publish(ctx, rest)
	case "api-key":
		return c.apiKey(ctx)
	case "help":
		global.Usage()
		return nil
	default:
		global.Usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *ctl) connect(ctx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	if err := c.client.dial(ctx); err != nil {
		cancel()
		return nil, nil, err
	}
	return ctx, func() {
		c.client.close()
		cancel()
	}, nil
}

func (c *ctl) print(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *ctl) printRaw(data json.RawMessage) error {
	var v any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
	}
	return c.print(v)
}

func (c *ctl) status(ctx context.Context) error {
	st, err := c.client.status(ctx)
	if err != nil {
		return err
	}
	if c.asJSON {
		return c.print(st)
	}
	app := "none"
	if st.AssociatedApplicationPort != nil {
		app = fmt.Sprint(*st.AssociatedApplicationPort)
	}
	fmt.Fprintf(c.stdout, "%s %s %s on port %d (app port %s), %d clients, up %ds\n",
		st.Name, st.Version, st.Status, st.Port, app, st.ConnectedClientCount, st.UptimeSeconds)
	return nil
}

func (c *ctl) screenshot(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("screenshot", pflag.ContinueOnError)
	out := fs.StringP("output", "o", "", "write the image to this file")
	selector := fs.String("selector", "", "capture only matching content")
	fullPage := fs.Bool("full-page", false, "capture beyond the viewport")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, done, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer done()

	_, data, err := c.client.request(ctx, map[string]any{
		"type":     protocol.TypeRequestScreenshot,
		"selector": *selector,
		"fullPage": *fullPage,
	})
	if err != nil {
		return err
	}
	if c.asJSON {
		return c.printRaw(data)
	}

	var shot struct {
		Data   string `json:"data"`
		Format string `json:"format"`
	}
	if err := json.Unmarshal(data, &shot); err != nil {
		return fmt.Errorf("invalid screenshot: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(shot.Data)
	if err != nil {
		return fmt.Errorf("invalid screenshot data: %w", err)
	}
	if *out == "" {
		if shot.Format != "text" {
			return errors.New("binary screenshot: use -o to choose a file")
		}
		_, err := fmt.Fprintln(c.stdout, string(raw))
		return err
	}
	if err := os.WriteFile(*out, raw, 0o644); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, *out)
	return nil
}

func (c *ctl) query(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("selector required")
	}
	return c.command(ctx, map[string]any{"type": protocol.CommandQueryDOM, "selector": strings.Join(args, " ")})
}

func (c *ctl) eval(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("code required")
	}
	ctx, done, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer done()

	_, data, err := c.client.request(ctx, map[string]any{"type": protocol.CommandExecuteCode, "code": strings.Join(args, " ")})
	if err != nil {
		return err
	}
	if c.asJSON {
		return c.printRaw(data)
	}
	var res struct {
		Output   *string `json:"output"`
		ExitCode int     `json:"exitCode"`
	}
	if json.Unmarshal(data, &res) != nil || res.Output == nil {
		return c.printRaw(data)
	}
	if *res.Output != "" {
		fmt.Fprintln(c.stdout, *res.Output)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exit status %d", res.ExitCode)
	}
	return nil
}

func (c *ctl) logs(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("logs", pflag.ContinueOnError)
	level := fs.String("level", "", "only this level")
	limit := fs.Int("limit", 0, "newest n entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, done, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer done()

	_, data, err := c.client.request(ctx, map[string]any{"type": protocol.CommandGetLogs, "level": *level, "limit": *limit})
	if err != nil {
		return err
	}
	if c.asJSON {
		return c.printRaw(data)
	}
	var res struct {
		Logs []protocol.LogEntry `json:"logs"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("invalid logs: %w", err)
	}
	for _, e := range res.Logs {
		c.printEntry(e)
	}
	return nil
}

// command runs a request and prints its data.
func (c *ctl) command(ctx context.Context, frame map[string]any) error {
	ctx, done, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer done()

	_, data, err := c.client.request(ctx, frame)
	if err != nil {
		return err
	}
	return c.printRaw(data)
}

func (c *ctl) printEntry(e protocol.LogEntry) {
	ts := time.UnixMilli(e.Timestamp).Format("15:04:05.000")
	if e.Source != "" {
		fmt.Fprintf(c.stdout, "%s [%s] %s: %s\n", ts, e.Level, e.Source, e.Message)
	} else {
		fmt.Fprintf(c.stdout, "%s [%s] %s\n", ts, e.Level, e.Message)
	}
}

// stream connects without a deadline. Streams end when ctx does.
func (c *ctl) stream(ctx context.Context) (func(), error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.dial(dialCtx); err != nil {
		return nil, err
	}
	return c.client.close, nil
}

func (c *ctl) tail(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	levels := fs.StringSlice("level", nil, "levels to include (repeatable)")
	pattern := fs.String("pattern", "", "regular expression the message must match")
	source := fs.String("source", "", "only entries from this source")
	if err := fs.Parse(args); err != nil {
		return err
	}

	done, err := c.stream(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := c.client.send(protocol.LogSubscribe{
		Type:    protocol.TypeLogSubscribe,
		Levels:  *levels,
		Pattern: *pattern,
		Source:  *source,
	}); err != nil {
		return err
	}
	ackCtx, cancel := context.WithTimeout(ctx, c.timeout)
	_, err = c.client.expect(ackCtx, protocol.TypeLogSubscribed)
	cancel()
	if err != nil {
		return err
	}

	for {
		data, err := c.client.expect(ctx, protocol.TypeLogEvent)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if c.asJSON {
			fmt.Fprintln(c.stdout, string(data))
			continue
		}
		var ev protocol.LogEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		c.printEntry(ev.LogEntry)
	}
}

func (c *ctl) subscribe(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("channel required")
	}
	done, err := c.stream(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := c.client.send(protocol.ChannelMessage{Type: protocol.TypeSubscribe, Channel: args[0]}); err != nil {
		return err
	}
	ackCtx, cancel := context.WithTimeout(ctx, c.timeout)
	_, err = c.client.expect(ackCtx, protocol.TypeSubscribed)
	cancel()
	if err != nil {
		return err
	}

	for {
		data, err := c.client.expect(ctx, protocol.TypeBroadcast)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var msg protocol.ChannelMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Channel != args[0] {
			continue
		}
		if c.asJSON {
			fmt.Fprintln(c.stdout, string(data))
		} else {
			fmt.Fprintln(c.stdout, string(msg.Data))
		}
	}
}

func (c *ctl) publish(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("channel and message required")
	}
	payload := json.RawMessage(strings.Join(args[1:], " "))
	if !json.Valid(payload) {
		// plain text is published as a JSON string
		quoted, _ := json.Marshal(string(payload))
		payload = quoted
	}

	_, done, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer done()
	return c.client.send(protocol.ChannelMessage{Type: protocol.TypeBroadcast, Channel: args[0], Data: payload})
}

func (c *ctl) apiKey(ctx context.Context) error {
	ctx, done, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := c.client.send(map[string]string{"type": protocol.TypeCheckAPIKey}); err != nil {
		return err
	}
	data, err := c.client.expect(ctx, protocol.TypeAPIKeyStatus)
	if err != nil {
		return err
	}
	var st protocol.APIKeyStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if c.asJSON {
		return c.print(st)
	}
	if st.Configured {
		fmt.Fprintf(c.stdout, "configured (%s)\n", st.Source)
	} else {
		fmt.Fprintln(c.stdout, "not configured")
	}
	return nil
}
