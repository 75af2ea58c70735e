// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package config loads devbridge settings. Sources are applied in order
// defaults, YAML file, environment, flags; later sources win.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Hyper-Int/devbridge/internal/protocol"
)

// Config is the full configuration of both binaries.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Bridge BridgeConfig `yaml:"bridge"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures devbridge-server.
type ServerConfig struct {
	// Host is the listen address. Loopback by default.
	Host string `yaml:"host"`

	// Port is the first port tried. Zero derives it from AppPort.
	Port int `yaml:"port"`

	// AppPort is the associated application port. Zero means none.
	AppPort int `yaml:"app_port"`

	// MaxPortRetries is the number of consecutive ports tried.
	MaxPortRetries int `yaml:"max_port_retries"`

	// Root is reported in server-info. Empty means the working directory.
	Root string `yaml:"root"`

	// RequestTimeout bounds request-screenshot round trips.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// ScreenshotDir receives hmr-screenshot images. Relative paths resolve
	// against Root; empty disables storage.
	ScreenshotDir string `yaml:"screenshot_dir"`

	// APIKeyEnv lists the environment variables consulted by check-api-key.
	APIKeyEnv []string `yaml:"api_key_env"`
}

// BridgeConfig configures runtime-bridge.
type BridgeConfig struct {
	Host            string        `yaml:"host"`
	ServerPort      int           `yaml:"server_port"`
	AppPort         int           `yaml:"app_port"`
	PageURL         string        `yaml:"page_url"`
	MaxPortRetries  int           `yaml:"max_port_retries"`
	VerifyTimeout   time.Duration `yaml:"verify_timeout"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	ScanCooldown    time.Duration `yaml:"scan_cooldown"`
	CaptureDebounce time.Duration `yaml:"capture_debounce"`
	LogCapacity     int           `yaml:"log_capacity"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	AutoCapture     bool          `yaml:"auto_capture"`

	// Shell runs execute-code commands. Empty means $SHELL, then /bin/sh.
	Shell string `yaml:"shell"`

	// WatchDir is watched for source changes that trigger auto-capture.
	WatchDir string `yaml:"watch_dir"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			MaxPortRetries: protocol.DefaultMaxPortRetries,
			RequestTimeout: 30 * time.Second,
			RateLimit:      200,
			RateBurst:      400,
			ScreenshotDir:  ".devbridge/screenshots",
			APIKeyEnv:      []string{"DEVBRIDGE_API_KEY", "ANTHROPIC_API_KEY"},
		},
		Bridge: BridgeConfig{
			Host:            "127.0.0.1",
			MaxPortRetries:  protocol.DefaultMaxPortRetries,
			VerifyTimeout:   2 * time.Second,
			ReconnectDelay:  time.Second,
			ScanCooldown:    10 * time.Second,
			CaptureDebounce: 500 * time.Millisecond,
			LogCapacity:     1000,
			HandlerTimeout:  30 * time.Second,
			AutoCapture:     true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// LoadFile merges the YAML document at path into c. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from environment variables. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	intVar := func(name string, targets ...*int) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		for _, t := range targets {
			*t = n
		}
	}

	// PORT is honored for hosting environments that assign one.
	intVar("PORT", &c.Server.Port)
	intVar("DEVBRIDGE_PORT", &c.Server.Port, &c.Bridge.ServerPort)
	intVar("DEVBRIDGE_APP_PORT", &c.Server.AppPort, &c.Bridge.AppPort)
	intVar("DEVBRIDGE_MAX_PORT_RETRIES", &c.Server.MaxPortRetries, &c.Bridge.MaxPortRetries)

	if v, ok := lookup("DEVBRIDGE_REQUEST_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEVBRIDGE_REQUEST_TIMEOUT: %w", err))
		} else {
			c.Server.RequestTimeout = d
		}
	}
	if v, ok := lookup("DEVBRIDGE_ROOT"); ok && v != "" {
		c.Server.Root = v
	}
	if v, ok := lookup("DEVBRIDGE_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	return errors.Join(errs...)
}

// BindServerFlags registers the server's flags on fs, backed by c.
func (c *Config) BindServerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server.Host, "host", c.Server.Host, "listen address")
	fs.IntVarP(&c.Server.Port, "port", "p", c.Server.Port, "first port to try (default: app port + 6223, or 9223)")
	fs.IntVar(&c.Server.AppPort, "app-port", c.Server.AppPort, "associated application port")
	fs.IntVar(&c.Server.MaxPortRetries, "max-port-retries", c.Server.MaxPortRetries, "number of consecutive ports to try")
	fs.StringVar(&c.Server.Root, "root", c.Server.Root, "project root reported to runtimes")
	fs.DurationVar(&c.Server.RequestTimeout, "request-timeout", c.Server.RequestTimeout, "screenshot request timeout")
	fs.StringVar(&c.Server.ScreenshotDir, "screenshot-dir", c.Server.ScreenshotDir, "directory for auto-captured screenshots")
	c.bindLogFlags(fs)
}

// BindBridgeFlags registers the runtime bridge's flags on fs, backed by c.
func (c *Config) BindBridgeFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Bridge.Host, "host", c.Bridge.Host, "server host")
	fs.IntVarP(&c.Bridge.ServerPort, "port", "p", c.Bridge.ServerPort, "base server port (default: app port + 6223, or 9223)")
	fs.IntVar(&c.Bridge.AppPort, "app-port", c.Bridge.AppPort, "application port this runtime belongs to")
	fs.StringVar(&c.Bridge.PageURL, "url", c.Bridge.PageURL, "page URL reported to the server")
	fs.IntVar(&c.Bridge.MaxPortRetries, "max-port-retries", c.Bridge.MaxPortRetries, "ports to scan on identity mismatch")
	fs.BoolVar(&c.Bridge.AutoCapture, "auto-capture", c.Bridge.AutoCapture, "capture after every source change")
	fs.StringVar(&c.Bridge.Shell, "shell", c.Bridge.Shell, "shell for execute-code")
	fs.StringVar(&c.Bridge.WatchDir, "watch", c.Bridge.WatchDir, "directory to watch for source changes")
	c.bindLogFlags(fs)
}

func (c *Config) bindLogFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "debug, info, warn or error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "auto, text or json")
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if err := validPort("server.port", c.Server.Port); err != nil {
		errs = append(errs, err)
	}
	if err := validPort("server.app_port", c.Server.AppPort); err != nil {
		errs = append(errs, err)
	}
	if err := validPort("bridge.server_port", c.Bridge.ServerPort); err != nil {
		errs = append(errs, err)
	}
	if err := validPort("bridge.app_port", c.Bridge.AppPort); err != nil {
		errs = append(errs, err)
	}
	if c.Server.MaxPortRetries < 1 {
		errs = append(errs, fmt.Errorf("server.max_port_retries must be at least 1"))
	}
	if c.Bridge.MaxPortRetries < 1 {
		errs = append(errs, fmt.Errorf("bridge.max_port_retries must be at least 1"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout must be positive"))
	}
	if c.Bridge.LogCapacity < 1 {
		errs = append(errs, fmt.Errorf("bridge.log_capacity must be at least 1"))
	}
	if c.Bridge.VerifyTimeout <= 0 || c.Bridge.HandlerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("bridge timeouts must be positive"))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want auto, text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func validPort(name string, port int) error {
	if port == 0 {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}

// ServerPort is the first port the server tries.
func (s ServerConfig) ServerPort() int {
	if s.Port != 0 {
		return s.Port
	}
	return protocol.DefaultServerPort(s.AppPort)
}

// BasePort is the first port the bridge dials.
func (b BridgeConfig) BasePort() int {
	if b.ServerPort != 0 {
		return b.ServerPort
	}
	return protocol.DefaultServerPort(b.AppPort)
}

// Load builds a Config from defaults, the file named by --config (if any),
// the environment and the command line. bind registers the binary's flags.
// The returned flag set holds the positional arguments.
func Load(name string, args []string, lookup func(string) (string, bool), bind func(*Config, *pflag.FlagSet)) (*Config, *pflag.FlagSet, error) {
	// First pass only finds --config so the file can sit under env and flags.
	pre := pflag.NewFlagSet(name, pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	configPath := pre.StringP("config", "c", "", "")
	pre.BoolP("help", "h", false, "")
	_ = pre.Parse(args)

	cfg := Default()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, nil, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, nil, err
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", *configPath, "YAML config file")
	bind(cfg, fs)
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fs, err
	}
	return cfg, fs, nil
}

// BindServer and BindBridge adapt the flag binders for Load.
var (
	BindServer = (*Config).BindServerFlags
	BindBridge = (*Config).BindBridgeFlags
)
