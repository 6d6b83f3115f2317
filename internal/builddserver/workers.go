// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package builddserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/buildd-run/runner/internal/workerstate"
)

// WorkersClient implements the worker-claim and worker-update endpoints (§6).
type WorkersClient struct{ c *Client }

// ClaimRequest is the body of POST /api/workers/claim.
type ClaimRequest struct {
	MaxTasks    int      `json:"maxTasks"`
	WorkspaceID string   `json:"workspaceId,omitempty"`
	LocalUIURL  string   `json:"localUiUrl"`
	TaskID      string   `json:"taskId,omitempty"`
	Environment []string `json:"environment,omitempty"`
}

// ClaimedWorker is one entry of a claim response.
type ClaimedWorker struct {
	ID     string `json:"id"`
	Branch string `json:"branch"`
	Task   *Task  `json:"task,omitempty"`
}

// Task is the claimed task payload.
type Task struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	Context      TaskContext `json:"context"`
	PlanningMode bool        `json:"planningMode,omitempty"`
}

// TaskContext carries attachments referenced by §4.5 step 6.
type TaskContext struct {
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is an image supplied alongside a task.
type Attachment struct {
	Filename  string `json:"filename"`
	URL       string `json:"url,omitempty"`
	Base64    string `json:"base64,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

type claimResponse struct {
	Workers []ClaimedWorker `json:"workers"`
}

// Claim requests up to req.MaxTasks new task assignments.
func (wc *WorkersClient) Claim(ctx context.Context, req ClaimRequest) ([]ClaimedWorker, error) {
	data, err := wc.c.postJSON(ctx, "/api/workers/claim", req)
	if err != nil {
		return nil, err
	}
	var resp claimResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse claim response: %w", err)
	}
	return resp.Workers, nil
}

// UpdateStatus is the server-facing status vocabulary (distinct from the
// worker's own Status, per §6).
type UpdateStatus string

const (
	UpdateRunning      UpdateStatus = "running"
	UpdateWaitingInput UpdateStatus = "waiting_input"
	UpdateCompleted    UpdateStatus = "completed"
	UpdateFailed       UpdateStatus = "failed"
)

// Update is the partial-update body for PATCH /api/workers/{id}.
type Update struct {
	Status        UpdateStatus            `json:"status,omitempty"`
	CurrentAction string                   `json:"currentAction,omitempty"`
	Milestones    []workerstate.Milestone  `json:"milestones,omitempty"`
	WaitingFor    *workerstate.WaitingFor  `json:"waitingFor,omitempty"`
	LocalUIURL    string                   `json:"localUiUrl,omitempty"`
	Error         string                   `json:"error,omitempty"`
	CommitCount   int                      `json:"commitCount,omitempty"`
	FilesChanged  int                      `json:"filesChanged,omitempty"`
	LinesAdded    int                      `json:"linesAdded,omitempty"`
	LinesRemoved  int                      `json:"linesRemoved,omitempty"`
	LastCommitSHA string                   `json:"lastCommitSha,omitempty"`
}

// Update patches worker id's server-side record. 409 (already terminal) is
// tolerated as success per §7.
func (wc *WorkersClient) Update(ctx context.Context, id string, upd Update) error {
	_, err := wc.c.patchJSON(ctx, fmt.Sprintf("/api/workers/%s", id), upd)
	if err != nil && IsConflict(err) {
		return nil
	}
	return err
}

// Plan submits an approved plan for record-keeping.
func (wc *WorkersClient) Plan(ctx context.Context, id, planContent string) error {
	_, err := wc.c.postJSON(ctx, fmt.Sprintf("/api/workers/%s/plan", id), map[string]string{"plan": planContent})
	return err
}
