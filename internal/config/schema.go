// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config handles HJSON configuration loading for the runner.
package config

// Config is the runner's complete local configuration, loaded from
// runner.hjson (or runner.json).
type Config struct {
	Server     ServerConfig     `json:"server"`
	LocalUI    LocalUIConfig    `json:"local_ui"`
	Engine     EngineConfig     `json:"engine"`
	Permission PermissionConfig `json:"permission"`
	Installer  InstallerConfig  `json:"installer"`
	Store      StoreConfig      `json:"store"`
	Timers     TimersConfig     `json:"timers"`
	Logging    LoggingConfig    `json:"logging"`
	Workspace  WorkspaceConfig  `json:"workspace"`
}

// WorkspaceConfig locates the local git checkout this runner claims and
// works tasks against (§4.11).
type WorkspaceConfig struct {
	RepoPath string `json:"repo_path"`
}

// ServerConfig is the BuilddServer this runner claims tasks from and
// reports status to (§6).
type ServerConfig struct {
	BaseURL      string `json:"base_url"`
	WSURL        string `json:"ws_url"` // push-channel URL; derived from base_url if empty
	APIKey       string `json:"api_key"`
	WorkspaceID  string `json:"workspace_id"`
	MaxTasks     int    `json:"max_tasks"` // concurrent worker ceiling claimed per poll
}

// LocalUIConfig is this runner's own advertised local UI surface, reported
// to BuilddServer on claim/heartbeat so the dashboard can deep-link here.
type LocalUIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EngineConfig configures the coding-agent engine subprocess (§4.5).
type EngineConfig struct {
	BinaryPath string `json:"binary_path"`
	Model      string `json:"model"`
}

// PermissionConfig is the local fallback applied when a workspace has not
// been admin-confirmed (§4.5 step 3, §7 Open Questions).
type PermissionConfig struct {
	BypassPermissions bool    `json:"bypass_permissions"`
	MaxBudgetUSD      float64 `json:"max_budget_usd"`
}

// InstallerConfig gates remote skill-installer commands (§4.12).
type InstallerConfig struct {
	Allowlist []string `json:"allowlist"`
	RejectAll bool     `json:"reject_all"`
}

// StoreConfig locates the runner's durable state directories.
type StoreConfig struct {
	WorkersDir string `json:"workers_dir"`
	OutboxFile string `json:"outbox_file"`
}

// TimersConfig overrides the manager's periodic-timer intervals (§5); zero
// values fall back to the spec's documented defaults.
type TimersConfig struct {
	StaleCheck         string `json:"stale_check"`
	ServerSync         string `json:"server_sync"`
	OperationalCleanup string `json:"operational_cleanup"`
	Eviction           string `json:"eviction"`
	DiskPersist        string `json:"disk_persist"`
	Heartbeat          string `json:"heartbeat"`
	EnvScan            string `json:"env_scan"`
}

// LoggingConfig configures the runner process's own log output.
type LoggingConfig struct {
	Level  string `json:"level"`  // "debug", "info", "warn", "error"
	Format string `json:"format"` // "json", "text"
}
