// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to intermediate map.
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	// Convert to JSON and unmarshal to struct (for type safety).
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// FindConfig searches for a config file in the current directory. It looks
// for runner.hjson first, then runner.json.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{
		"runner.hjson",
		"runner.json",
	}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for runner.hjson, runner.json)")
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.MaxTasks == 0 {
		cfg.Server.MaxTasks = 1
	}
	if cfg.Server.WSURL == "" && cfg.Server.BaseURL != "" {
		cfg.Server.WSURL = deriveWSURL(cfg.Server.BaseURL)
	}

	if cfg.LocalUI.Host == "" {
		cfg.LocalUI.Host = "127.0.0.1"
	}
	if cfg.LocalUI.Port == 0 {
		cfg.LocalUI.Port = 8420
	}

	if cfg.Engine.BinaryPath == "" {
		cfg.Engine.BinaryPath = "claude"
	}

	if cfg.Workspace.RepoPath == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Workspace.RepoPath = wd
		}
	}

	if cfg.Store.WorkersDir == "" {
		cfg.Store.WorkersDir = ".buildd-runner/workers"
	}
	if cfg.Store.OutboxFile == "" {
		cfg.Store.OutboxFile = ".buildd-runner/outbox.json"
	}

	if cfg.Timers.StaleCheck == "" {
		cfg.Timers.StaleCheck = "30s"
	}
	if cfg.Timers.ServerSync == "" {
		cfg.Timers.ServerSync = "10s"
	}
	if cfg.Timers.OperationalCleanup == "" {
		cfg.Timers.OperationalCleanup = "30m"
	}
	if cfg.Timers.Eviction == "" {
		cfg.Timers.Eviction = "5m"
	}
	if cfg.Timers.DiskPersist == "" {
		cfg.Timers.DiskPersist = "5s"
	}
	if cfg.Timers.Heartbeat == "" {
		cfg.Timers.Heartbeat = "5m"
	}
	if cfg.Timers.EnvScan == "" {
		cfg.Timers.EnvScan = "30m"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// deriveWSURL turns an http(s) BuilddServer base URL into its ws(s) push
// channel equivalent when the config doesn't set one explicitly.
func deriveWSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}
