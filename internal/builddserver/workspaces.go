// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package builddserver

import (
	"context"
	"encoding/json"
	"fmt"
)

// WorkspacesClient implements workspace config and memory endpoints (§6).
type WorkspacesClient struct{ c *Client }

// BranchingStrategy is the workspace's git workflow selection.
type BranchingStrategy string

const (
	BranchingNone    BranchingStrategy = "none"
	BranchingTrunk   BranchingStrategy = "trunk"
	BranchingGitflow BranchingStrategy = "gitflow"
	BranchingFeature BranchingStrategy = "feature"
	BranchingCustom  BranchingStrategy = "custom"
)

// ConfigStatus tells the caller whether a workspace admin has signed off on
// elevated settings (bypass-permissions, agent instructions, git config).
type ConfigStatus string

const (
	ConfigUnconfigured    ConfigStatus = "unconfigured"
	ConfigAdminConfirmed  ConfigStatus = "admin_confirmed"
)

// GitConfig is a workspace's git workflow settings.
type GitConfig struct {
	DefaultBranch     string            `json:"defaultBranch"`
	BranchingStrategy BranchingStrategy `json:"branchingStrategy"`
	BranchPrefix      string            `json:"branchPrefix,omitempty"`
	CommitStyle       string            `json:"commitStyle"`
	RequiresPR        bool              `json:"requiresPR"`
	TargetBranch      string            `json:"targetBranch,omitempty"`
	AutoCreatePR      bool              `json:"autoCreatePR"`
	AgentInstructions string            `json:"agentInstructions,omitempty"`
	UseClaudeMd       bool              `json:"useClaudeMd"`
	BypassPermissions bool              `json:"bypassPermissions,omitempty"`
	MaxBudgetUSD      float64           `json:"maxBudgetUsd,omitempty"`
}

// WorkspaceConfig is the response of GET /api/workspaces/{id}/config.
type WorkspaceConfig struct {
	ConfigStatus ConfigStatus `json:"configStatus"`
	GitConfig    *GitConfig   `json:"gitConfig,omitempty"`
}

// Config fetches workspace configuration.
func (wc *WorkspacesClient) Config(ctx context.Context, workspaceID string) (*WorkspaceConfig, error) {
	data, err := wc.c.get(ctx, fmt.Sprintf("/api/workspaces/%s/config", workspaceID))
	if err != nil {
		return nil, err
	}
	var cfg WorkspaceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse workspace config: %w", err)
	}
	return &cfg, nil
}

// RecordMemory submits a workspace memory/observation write; queueable
// offline via the Outbox if it fails (§4.2).
func (wc *WorkspacesClient) RecordMemory(ctx context.Context, workspaceID string, body any) error {
	_, err := wc.c.postJSON(ctx, fmt.Sprintf("/api/workspaces/%s/memory", workspaceID), body)
	return err
}
