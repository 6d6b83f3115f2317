// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package builddserver

import (
	"context"
	"encoding/json"
	"fmt"
)

// ObservationsClient implements the workspace-memory observation endpoints
// referenced by §4.5 step 4 (compact digest + top-5 task-matched
// observations) and step 8 (create summary observation on completion).
type ObservationsClient struct{ c *Client }

// Observation is one recorded workspace memory entry.
type Observation struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Score   float64 `json:"score,omitempty"`
}

// Digest fetches the compact workspace-memory digest (≤4096 bytes) used to
// build the prompt's memory section.
func (oc *ObservationsClient) Digest(ctx context.Context, workspaceID string) (string, error) {
	data, err := oc.c.get(ctx, fmt.Sprintf("/api/workspaces/%s/observations/digest", workspaceID))
	if err != nil {
		return "", err
	}
	var out struct {
		Digest string `json:"digest"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse digest: %w", err)
	}
	if len(out.Digest) > 4096 {
		out.Digest = out.Digest[:4096]
	}
	return out.Digest, nil
}

// Search returns up to limit task-matched observations.
func (oc *ObservationsClient) Search(ctx context.Context, workspaceID, query string, limit int) ([]Observation, error) {
	data, err := oc.c.postJSON(ctx, fmt.Sprintf("/api/workspaces/%s/observations/search", workspaceID),
		map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, err
	}
	var out []Observation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse observation search: %w", err)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// BatchGet resolves observation ids to full records.
func (oc *ObservationsClient) BatchGet(ctx context.Context, workspaceID string, ids []string) ([]Observation, error) {
	data, err := oc.c.postJSON(ctx, fmt.Sprintf("/api/workspaces/%s/observations/batch", workspaceID),
		map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	var out []Observation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse observation batch: %w", err)
	}
	return out, nil
}

// CreateSummary records a completion summary observation. Failures here are
// non-fatal to the task per §4.5 step 8 / §7.
func (oc *ObservationsClient) CreateSummary(ctx context.Context, workspaceID, summary string) error {
	_, err := oc.c.postJSON(ctx, fmt.Sprintf("/api/workspaces/%s/observations", workspaceID),
		map[string]string{"summary": summary})
	return err
}
