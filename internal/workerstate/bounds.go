// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package workerstate

import "encoding/json"

// Bound limits, FIFO by insertion order (oldest dropped first).
const (
	MaxMessages  = 200
	MaxToolCalls = 200
	MaxMilestones = 30
	MaxCommits   = 50
	MaxOutput    = 100
	MaxTeamMessages = 200
	MaxPhaseTools   = 5

	maxToolInputBytes = 500
)

// AppendMessage appends a message, dropping the oldest if over MaxMessages.
func (w *Worker) AppendMessage(m Message) {
	w.Messages = append(w.Messages, m)
	if len(w.Messages) > MaxMessages {
		w.Messages = w.Messages[len(w.Messages)-MaxMessages:]
	}
}

// AppendToolCall appends a tool call, dropping the oldest if over MaxToolCalls.
func (w *Worker) AppendToolCall(tc ToolCall) {
	w.ToolCalls = append(w.ToolCalls, tc)
	if len(w.ToolCalls) > MaxToolCalls {
		w.ToolCalls = w.ToolCalls[len(w.ToolCalls)-MaxToolCalls:]
	}
}

// AppendMilestone appends a milestone, dropping the oldest if over MaxMilestones.
func (w *Worker) AppendMilestone(m Milestone) {
	w.Milestones = append(w.Milestones, m)
	if len(w.Milestones) > MaxMilestones {
		w.Milestones = w.Milestones[len(w.Milestones)-MaxMilestones:]
	}
}

// AppendCommit appends a commit, dropping the oldest if over MaxCommits.
func (w *Worker) AppendCommit(c Commit) {
	w.Commits = append(w.Commits, c)
	if len(w.Commits) > MaxCommits {
		w.Commits = w.Commits[len(w.Commits)-MaxCommits:]
	}
}

// AppendOutput appends an output line, dropping the oldest if over MaxOutput.
func (w *Worker) AppendOutput(line string) {
	w.Output = append(w.Output, line)
	if len(w.Output) > MaxOutput {
		w.Output = w.Output[len(w.Output)-MaxOutput:]
	}
}

// AppendTeamMessage appends a team message, bounded at MaxTeamMessages.
func (w *Worker) AppendTeamMessage(tm TeamMessage) {
	if w.TeamState == nil {
		return
	}
	w.TeamState.Messages = append(w.TeamState.Messages, tm)
	if len(w.TeamState.Messages) > MaxTeamMessages {
		w.TeamState.Messages = w.TeamState.Messages[len(w.TeamState.Messages)-MaxTeamMessages:]
	}
}

// TruncatedToolCall is the persisted shape of a ToolCall whose input JSON
// encoding exceeds maxToolInputBytes (§4.3, §8 "Tool input truncation").
type TruncatedToolCall struct {
	Truncated string `json:"_truncated"`
}

// BoundedInputForPersist returns the value that should be written for a
// tool call's Input field: the input itself if its JSON encoding is within
// maxToolInputBytes, or a TruncatedToolCall wrapping its first 500 bytes.
func BoundedInputForPersist(input map[string]any) any {
	if input == nil {
		return nil
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil
	}
	if len(encoded) <= maxToolInputBytes {
		return input
	}
	cut := encoded[:maxToolInputBytes]
	return TruncatedToolCall{Truncated: string(cut)}
}

// ApplyBounds truncates every bounded collection to its documented limit.
// Used by WorkerStore immediately before serializing a worker to disk.
func (w *Worker) ApplyBounds() {
	if len(w.Messages) > MaxMessages {
		w.Messages = w.Messages[len(w.Messages)-MaxMessages:]
	}
	if len(w.ToolCalls) > MaxToolCalls {
		w.ToolCalls = w.ToolCalls[len(w.ToolCalls)-MaxToolCalls:]
	}
	if len(w.Milestones) > MaxMilestones {
		w.Milestones = w.Milestones[len(w.Milestones)-MaxMilestones:]
	}
	if len(w.Commits) > MaxCommits {
		w.Commits = w.Commits[len(w.Commits)-MaxCommits:]
	}
	if len(w.Output) > MaxOutput {
		w.Output = w.Output[len(w.Output)-MaxOutput:]
	}
	if w.TeamState != nil && len(w.TeamState.Messages) > MaxTeamMessages {
		w.TeamState.Messages = w.TeamState.Messages[len(w.TeamState.Messages)-MaxTeamMessages:]
	}
}
