// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package builddserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SkillsClient implements the workspace skill sync/list/patch/delete
// endpoints and the top-level heartbeat/cleanup calls (§6, §4.12).
type SkillsClient struct{ c *Client }

// Skill is one installable skill bundle.
type Skill struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// List returns the workspace's available skills.
func (sc *SkillsClient) List(ctx context.Context, workspaceID string) ([]Skill, error) {
	data, err := sc.c.get(ctx, fmt.Sprintf("/api/workspaces/%s/skills", workspaceID))
	if err != nil {
		return nil, err
	}
	var out []Skill
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse skill list: %w", err)
	}
	return out, nil
}

// Sync installs or refreshes a skill bundle for install reporting (§4.12).
func (sc *SkillsClient) Sync(ctx context.Context, workspaceID string, skill Skill) error {
	_, err := sc.c.postJSON(ctx, fmt.Sprintf("/api/workspaces/%s/skills", workspaceID), skill)
	return err
}

// Allowlist fetches the workspace-approved installer command prefixes
// (§4.12 step 1: workspace allowlist, checked before the local config).
func (sc *SkillsClient) Allowlist(ctx context.Context, workspaceID string) ([]string, error) {
	data, err := sc.c.get(ctx, fmt.Sprintf("/api/workspaces/%s/skills/allowlist", workspaceID))
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse allowlist: %w", err)
	}
	return out, nil
}

// Patch updates an existing skill's metadata.
func (sc *SkillsClient) Patch(ctx context.Context, workspaceID, slug string, fields map[string]any) error {
	_, err := sc.c.patchJSON(ctx, fmt.Sprintf("/api/workspaces/%s/skills/%s", workspaceID, slug), fields)
	return err
}

// Delete removes a skill from the workspace.
func (sc *SkillsClient) Delete(ctx context.Context, workspaceID, slug string) error {
	_, err := sc.c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/workspaces/%s/skills/%s", workspaceID, slug), nil)
	return err
}

// HeartbeatRequest is the body of POST /api/heartbeat.
type HeartbeatRequest struct {
	LocalUIURL  string   `json:"localUiUrl"`
	ActiveCount int      `json:"activeCount"`
	Environment []string `json:"environment,omitempty"`
}

// HeartbeatResponse carries an optional viewer token for the local UI.
type HeartbeatResponse struct {
	ViewerToken string `json:"viewerToken,omitempty"`
}

// Heartbeat reports this runner's liveness and active-worker count.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	data, err := c.postJSON(ctx, "/api/heartbeat", req)
	if err != nil {
		return nil, err
	}
	var resp HeartbeatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse heartbeat response: %w", err)
	}
	return &resp, nil
}

// Cleanup notifies the server of operational cleanup completion.
func (c *Client) Cleanup(ctx context.Context) error {
	_, err := c.postJSON(ctx, "/api/cleanup", struct{}{})
	return err
}
