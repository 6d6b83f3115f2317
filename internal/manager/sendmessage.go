// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/buildd-run/runner/internal/events"
	"github.com/buildd-run/runner/internal/stream"
	"github.com/buildd-run/runner/internal/workerstate"
)

const approvePlanMessage = "Approve & implement"

// truncateForMilestone shortens text to a milestone-sized label (§4.9).
func truncateForMilestone(text string) string {
	const max = 30
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "…"
}

// SendMessage implements §4.9: a terminal worker is reactivated fresh; a
// waiting/stale worker is resumed through a two-layer cascade (SDK resume,
// falling back to text reconstruction on any failure); an active worker's
// message is simply enqueued on its input stream.
func (m *Manager) SendMessage(ctx context.Context, id, text string) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	_, hasSession := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker %s", id)
	}

	if w.Status == workerstate.StatusWaiting && w.WaitingFor != nil &&
		w.WaitingFor.Type == workerstate.WaitingPlanApproval && w.PlanContent != "" &&
		text == approvePlanMessage {
		return m.approvePlan(ctx, w)
	}

	if w.IsTerminal() {
		return m.reactivateTerminal(ctx, w, text)
	}

	if hasSession {
		parentToolUseID := ""
		if w.WaitingFor != nil {
			parentToolUseID = w.WaitingFor.ToolUseID
		}
		m.enqueueMessage(id, text, parentToolUseID)
		m.applyLocked(id, func(w *workerstate.Worker) {
			if w.Status == workerstate.StatusWaiting {
				w.Status = workerstate.StatusWorking
			}
			w.WaitingFor = nil
			w.Touch(time.Now())
			w.AppendMessage(workerstate.Message{Type: workerstate.MessageUser, Text: text, Timestamp: time.Now().UnixMilli()})
			w.AppendMilestone(workerstate.Milestone{Type: workerstate.MilestoneStatus, Label: "User: " + truncateForMilestone(text), Timestamp: time.Now().UnixMilli()})
		})
		return nil
	}

	// Stale or waiting with no live session left: resume cascade.
	return m.resumeWorker(ctx, w, text)
}

func (m *Manager) enqueueMessage(id, text, parentToolUseID string) {
	m.mu.Lock()
	live, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	live.input.Enqueue(stream.Message{Content: text, ParentToolUseID: parentToolUseID, SessionID: live.worker.SessionID})
}

// approvePlan implements the plan-approval fast path: cancel the current
// session (there should be none, since plan approval leaves no live
// session) and start a fresh, non-resumed session executing the plan.
func (m *Manager) approvePlan(ctx context.Context, w *workerstate.Worker) error {
	if m.server != nil {
		if err := m.server.Workers.Plan(ctx, w.ID, w.PlanContent); err != nil {
			log.Printf("runner: manager: record approved plan for %s: %v", w.ID, err)
		}
	}

	if _, hasSession := m.sessions[w.ID]; hasSession {
		_ = m.Abort(ctx, w.ID, "Superseded by plan approval")
	}

	plan := w.PlanContent
	m.applyLocked(w.ID, func(w *workerstate.Worker) {
		w.Status = workerstate.StatusWorking
		w.WaitingFor = nil
		w.TaskDescription = "Execute this plan:\n\n" + plan
		w.SessionID = ""
	})
	m.publish(events.EventWorkerUpdated, w.ID, map[string]interface{}{"status": "working"})

	m.mu.Lock()
	freshPtr := m.workers[w.ID]
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSession(m.ctx, freshPtr, nil, false)
	}()
	return nil
}

// reactivateTerminal restarts a done/error worker with the follow-up
// request appended to its description, as a fresh (non-resumed) session.
func (m *Manager) reactivateTerminal(ctx context.Context, w *workerstate.Worker, text string) error {
	m.applyLocked(w.ID, func(w *workerstate.Worker) {
		w.Status = workerstate.StatusWorking
		w.Error = ""
		w.CompletedAt = nil
		w.TaskDescription = w.TaskDescription + "\n\n## Follow-up request\n" + text
		w.AppendMessage(workerstate.Message{Type: workerstate.MessageUser, Text: text, Timestamp: time.Now().UnixMilli()})
		w.AppendMilestone(workerstate.Milestone{Type: workerstate.MilestoneStatus, Label: "User: " + truncateForMilestone(text), Timestamp: time.Now().UnixMilli()})
	})
	m.publish(events.EventWorkerUpdated, w.ID, map[string]interface{}{"status": "working"})

	m.mu.Lock()
	freshPtr := m.workers[w.ID]
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSession(m.ctx, freshPtr, nil, false)
	}()
	return nil
}

// resumeWorker implements the two-layer resume cascade of §4.9. Layer 1
// (SDK resume) is attempted first when w.SessionID is set; Layer 2 (text
// reconstruction) runs when there is no sessionId or when starting Layer 1
// returns an error. startResumedSession only launches the session in the
// background and returns nil, so a Layer 1 session that fails once running
// ends the worker in error and Layer 2 is not attempted.
func (m *Manager) resumeWorker(ctx context.Context, w *workerstate.Worker, text string) error {
	log.Printf("runner: manager: resume_requested worker=%s sessionId=%s", w.ID, w.SessionID)

	parentToolUseID := ""
	if w.WaitingFor != nil {
		parentToolUseID = w.WaitingFor.ToolUseID
	}

	if w.SessionID != "" {
		log.Printf("runner: manager: resume_layer1_attempt worker=%s", w.ID)
		if err := m.startResumedSession(ctx, w, text, parentToolUseID, true); err == nil {
			return nil
		} else {
			log.Printf("runner: manager: resume layer1 failed for %s: %v", w.ID, err)
		}
	} else {
		log.Printf("runner: manager: resume_layer1_skipped worker=%s reason=no_session_id", w.ID)
	}

	log.Printf("runner: manager: resume_layer2_attempt worker=%s", w.ID)
	reconstructed := buildReconstructedPrompt(w, text)
	return m.startResumedSession(ctx, w, reconstructed, "", false)
}

// startResumedSession launches a fresh runSession call whose task
// description carries the given prompt; useSDKResume controls whether the
// engine options set Resume to the worker's sessionId.
func (m *Manager) startResumedSession(ctx context.Context, w *workerstate.Worker, prompt, parentToolUseID string, useSDKResume bool) error {
	m.applyLocked(w.ID, func(w *workerstate.Worker) {
		w.Status = workerstate.StatusWorking
		w.WaitingFor = nil
		w.TaskDescription = prompt
	})

	m.mu.Lock()
	freshPtr := m.workers[w.ID]
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSession(m.ctx, freshPtr, nil, useSDKResume)
	}()
	return nil
}

// buildReconstructedPrompt assembles the Layer 2 fallback context in the
// fixed order of §4.9: preamble, original task, collapsed files context,
// previous conversation, work-completed summary, follow-up request.
func buildReconstructedPrompt(w *workerstate.Worker, followUp string) string {
	var b strings.Builder

	b.WriteString("Continuing a previous conversation. The original session could not be resumed directly, so this context has been reconstructed from its recorded timeline.\n\n")

	b.WriteString("## Original Task\n")
	b.WriteString(stripTrailingMetadata(w.TaskDescription))
	b.WriteString("\n\n")

	if files := collapsedFilesContext(w.ToolCalls); files != "" {
		b.WriteString("## Files Touched\n")
		b.WriteString(files)
		b.WriteString("\n\n")
	}

	if convo := renderTimeline(w.Messages, 30); convo != "" {
		b.WriteString("## Previous Conversation\n")
		b.WriteString(convo)
		b.WriteString("\n\n")
	}

	if summary := workCompletedSummary(w.Milestones); summary != "" {
		b.WriteString("## Work Completed So Far\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}

	b.WriteString("## Follow-up Request\n")
	b.WriteString(followUp)

	return b.String()
}

// collapsedFilesContext lists the last 20 files read and every file
// written/edited, deduplicated, oldest-to-newest.
func collapsedFilesContext(calls []workerstate.ToolCall) string {
	var reads []string
	var writes []string
	seenReads := map[string]bool{}
	seenWrites := map[string]bool{}

	for _, tc := range calls {
		path, _ := tc.Input["file_path"].(string)
		if path == "" {
			continue
		}
		switch tc.Name {
		case "Read":
			if !seenReads[path] {
				seenReads[path] = true
				reads = append(reads, path)
			}
		case "Write", "Edit", "MultiEdit":
			if !seenWrites[path] {
				seenWrites[path] = true
				writes = append(writes, path)
			}
		}
	}

	if len(reads) > 20 {
		reads = reads[len(reads)-20:]
	}

	var b strings.Builder
	for _, p := range reads {
		fmt.Fprintf(&b, "- Read: %s\n", p)
	}
	for _, p := range writes {
		fmt.Fprintf(&b, "- Modified: %s\n", p)
	}
	return b.String()
}

// renderTimeline renders the last n messages as Agent:/User: lines, tool
// calls omitted, with the agent's final text re-rendered under its own
// heading so the model sees its last stated position clearly.
func renderTimeline(messages []workerstate.Message, n int) string {
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}

	var b strings.Builder
	var lastAgentText string
	for _, msg := range messages {
		switch msg.Type {
		case workerstate.MessageText:
			fmt.Fprintf(&b, "**Agent:** %s\n\n", msg.Text)
			lastAgentText = msg.Text
		case workerstate.MessageUser:
			fmt.Fprintf(&b, "**User:** %s\n\n", msg.Text)
		}
	}

	if lastAgentText != "" {
		fmt.Fprintf(&b, "### Your Last Response\n%s\n", lastAgentText)
	}
	return b.String()
}

func workCompletedSummary(milestones []workerstate.Milestone) string {
	var b strings.Builder
	for _, ms := range milestones {
		if ms.Type != workerstate.MilestonePhase && ms.Type != workerstate.MilestoneStatus {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", ms.Label)
	}
	return b.String()
}
