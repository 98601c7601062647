// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config is the configuration of the serve command.
type Config struct {
	Address      string
	LogLevel     zerolog.Level
	ExposeStacks bool
	RateLimit    float64 // requests per second, 0 for unlimited
	RateBurst    int
	QueueSize    int
}

const defaultAddress = "localhost:7400"

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Address:   defaultAddress,
		LogLevel:  zerolog.InfoLevel,
		RateBurst: 10,
	}
}

type fileConfig struct {
	Address      string  `toml:"address"`
	LogLevel     string  `toml:"log_level"`
	ExposeStacks bool    `toml:"expose_stacks"`
	RateLimit    float64 `toml:"rate_limit"`
	RateBurst    int     `toml:"rate_burst"`
	QueueSize    int     `toml:"queue_size"`
}

// loadConfig reads the TOML configuration file at path over the defaults.
// Keys absent from the file keep their default values.
func loadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undec := meta.Undecoded(); len(undec) != 0 {
		return Config{}, fmt.Errorf("load config: unknown keys %v", undec)
	}

	if meta.IsDefined("address") {
		if addr := strings.TrimSpace(raw.Address); addr != "" {
			cfg.Address = addr
		}
	}
	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return Config{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("expose_stacks") {
		cfg.ExposeStacks = raw.ExposeStacks
	}
	if meta.IsDefined("rate_limit") {
		if raw.RateLimit < 0 {
			return Config{}, fmt.Errorf("invalid rate_limit %v", raw.RateLimit)
		}
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		if raw.RateBurst <= 0 {
			return Config{}, fmt.Errorf("invalid rate_burst %d", raw.RateBurst)
		}
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("queue_size") {
		cfg.QueueSize = raw.QueueSize
	}
	return cfg, nil
}

// serveFlags are the flags of the serve command. Flags that are set
// override the values from the configuration file.
var serveFlags struct {
	Config       string  `flag:"config,Configuration file (TOML)"`
	Address      string  `flag:"addr,Service address (host:port or socket path)"`
	LogLevel     string  `flag:"log-level,Log level (debug, info, warn, error)"`
	ExposeStacks bool    `flag:"expose-stacks,Include panic stacks in error responses"`
	RateLimit    float64 `flag:"rate,Request rate limit per second (0 means unlimited)"`
	RateBurst    int     `flag:"burst,Request rate limit burst size"`
	QueueSize    int     `flag:"queue,Maximum inbound requests queued per connection (0 means unlimited)"`
}

// serveConfig returns the configuration for the serve command.
func serveConfig() (Config, error) {
	cfg := DefaultConfig()
	if serveFlags.Config != "" {
		var err error
		cfg, err = loadConfig(serveFlags.Config)
		if err != nil {
			return Config{}, err
		}
	}
	if serveFlags.Address != "" {
		cfg.Address = serveFlags.Address
	}
	if serveFlags.LogLevel != "" {
		lvl, err := zerolog.ParseLevel(serveFlags.LogLevel)
		if err != nil {
			return Config{}, fmt.Errorf("invalid log level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if serveFlags.ExposeStacks {
		cfg.ExposeStacks = true
	}
	if serveFlags.RateLimit > 0 {
		cfg.RateLimit = serveFlags.RateLimit
	}
	if serveFlags.RateBurst > 0 {
		cfg.RateBurst = serveFlags.RateBurst
	}
	if serveFlags.QueueSize > 0 {
		cfg.QueueSize = serveFlags.QueueSize
	}
	return cfg, nil
}

// newLogger returns a console logger writing to w at the given level.
func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", "dualshock").Logger()
}
