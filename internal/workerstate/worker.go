// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package workerstate defines the Worker record — the central, bounded,
// persistable state for one claimed task — and the pure policies
// (bounding, loop detection) that operate on it without any I/O.
package workerstate

import "time"

// Status is the worker's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusWaiting Status = "waiting"
	StatusStale   Status = "stale"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// WaitingType distinguishes why a worker is blocked on user input.
type WaitingType string

const (
	WaitingQuestion      WaitingType = "question"
	WaitingPlanApproval  WaitingType = "plan_approval"
)

// WaitingOption is one selectable answer offered to the user.
type WaitingOption struct {
	Label string `json:"label"`
}

// WaitingFor describes what the engine is blocked on.
type WaitingFor struct {
	Type      WaitingType     `json:"type"`
	Prompt    string          `json:"prompt"`
	Options   []WaitingOption `json:"options,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
}

// MessageKind tags a Message variant.
type MessageKind string

const (
	MessageText    MessageKind = "text"
	MessageToolUse MessageKind = "tool_use"
	MessageUser    MessageKind = "user"
)

// Message is one entry in the worker's conversation timeline.
type Message struct {
	Type      MessageKind `json:"type"`
	Text      string      `json:"text,omitempty"`
	ToolName  string      `json:"toolName,omitempty"`
	ToolUseID string      `json:"toolUseId,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ToolCall records one tool invocation. Input is JSON-encoded opaque data;
// on persistence it is truncated per WorkerStore's bounding rule.
type ToolCall struct {
	Name      string          `json:"name"`
	Timestamp int64           `json:"timestamp"`
	Input     map[string]any  `json:"input,omitempty"`
}

// MilestoneKind tags a Milestone variant.
type MilestoneKind string

const (
	MilestonePhase      MilestoneKind = "phase"
	MilestoneStatus     MilestoneKind = "status"
	MilestoneCheckpoint MilestoneKind = "checkpoint"
)

// Milestone is one observable entry in the worker's timeline.
type Milestone struct {
	Type      MilestoneKind `json:"type"`
	Label     string        `json:"label"`
	Event     string        `json:"event,omitempty"` // set when Type == MilestoneCheckpoint
	Timestamp int64         `json:"timestamp"`
}

// Commit records one commit made during the session. The sha is "pending"
// until git-stats collection (§4.10) resolves the real sha.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// TeamMember is a subagent spawned under a worker's team.
type TeamMember struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	SpawnedAt int64  `json:"spawnedAt"`
}

// TeamMessage is one inter-agent message recorded for observability.
type TeamMessage struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Summary   string `json:"summary,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// TeamState tracks a worker's agent team, if one was created.
type TeamState struct {
	TeamName  string        `json:"teamName"`
	Members   []TeamMember  `json:"members"`
	Messages  []TeamMessage `json:"messages"`
	CreatedAt int64         `json:"createdAt"`
}

// GitStats summarizes the session's git activity (§4.10).
type GitStats struct {
	CommitCount   int    `json:"commitCount"`
	FilesChanged  int    `json:"filesChanged"`
	LinesAdded    int    `json:"linesAdded"`
	LinesRemoved  int    `json:"linesRemoved"`
	LastCommitSHA string `json:"lastCommitSha"`
}

// Worker is the central record: one in-flight or recently-finished agent
// session claimed from the BuilddServer.
type Worker struct {
	// Identity
	ID              string `json:"id"`
	TaskID          string `json:"taskId"`
	TaskTitle       string `json:"taskTitle"`
	TaskDescription string `json:"taskDescription"`
	WorkspaceID     string `json:"workspaceId"`
	WorkspaceName   string `json:"workspaceName"`
	Branch          string `json:"branch"`
	PlanningMode    bool   `json:"planningMode,omitempty"`

	// State
	Status         Status `json:"status"`
	Error          string `json:"error,omitempty"`
	CurrentAction  string `json:"currentAction,omitempty"`
	HasNewActivity bool   `json:"hasNewActivity"`

	// Time
	LastActivity int64  `json:"lastActivity"`
	CompletedAt  *int64 `json:"completedAt,omitempty"`

	// Resume anchor
	SessionID string `json:"sessionId,omitempty"`

	// Waiting context
	WaitingFor  *WaitingFor `json:"waitingFor,omitempty"`
	PlanContent string      `json:"planContent,omitempty"`

	// Conversation artifacts (all bounded, FIFO by insertion order)
	Messages   []Message   `json:"messages"`
	ToolCalls  []ToolCall  `json:"toolCalls"`
	Milestones []Milestone `json:"milestones"`
	Commits    []Commit    `json:"commits"`
	Output     []string    `json:"output"`

	// Team
	TeamState *TeamState `json:"teamState,omitempty"`

	// Worktree
	WorktreePath string `json:"worktreePath,omitempty"`

	// Phase tracker (transient, never persisted)
	PhaseText      string   `json:"-"`
	PhaseStart     int64    `json:"-"`
	PhaseToolCount int      `json:"-"`
	PhaseTools     []string `json:"-"`

	// Transient fields reset to defaults on every load (§4.3)
	SubagentTasks    []string        `json:"-"`
	Checkpoints      []string        `json:"-"`
	CheckpointEvents map[string]bool `json:"-"`

	// Git stats, filled in at completion (§4.10)
	GitStats *GitStats `json:"gitStats,omitempty"`
}

// IsTerminal reports whether the worker has finished one way or another.
func (w *Worker) IsTerminal() bool {
	return w.Status == StatusDone || w.Status == StatusError
}

// HasActiveSession reports whether a session should exist for this worker
// per invariant 1: sessions[id] exists iff status ∈ {working, waiting, stale}.
func (w *Worker) HasActiveSession() bool {
	switch w.Status {
	case StatusWorking, StatusWaiting, StatusStale:
		return true
	default:
		return false
	}
}

// Touch marks the worker as having new activity at the given time, and
// promotes a stale worker back to working (§4.6).
func (w *Worker) Touch(now time.Time) {
	w.LastActivity = now.UnixMilli()
	w.HasNewActivity = true
	if w.Status == StatusStale {
		w.Status = StatusWorking
	}
}
