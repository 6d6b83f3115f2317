// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/buildd-run/runner/internal/engineclient"
	"github.com/buildd-run/runner/internal/events"
	"github.com/buildd-run/runner/internal/stream"
	"github.com/buildd-run/runner/internal/workerstate"
)

// sessionResult summarizes how a session's event stream ended.
type sessionResult struct {
	success bool
}

// consumeEvents drains the engine's event channel, dispatching each one to
// the handler of §4.6, until the channel closes or a result event arrives.
func (m *Manager) consumeEvents(ctx context.Context, live *liveSession) sessionResult {
	for ev := range live.engine.Events() {
		switch ev.Type {
		case engineclient.EventSystem:
			m.handleSystemEvent(live, ev)
		case engineclient.EventAssistant:
			stuck := m.handleAssistantEvent(live, ev)
			if stuck {
				live.engine.Cancel()
			}
		case engineclient.EventResult:
			return m.handleResultEvent(live, ev)
		}
	}
	return sessionResult{success: false}
}

func (m *Manager) handleSystemEvent(live *liveSession, ev engineclient.Event) {
	if ev.Subtype != "init" || ev.SessionID == "" {
		return
	}
	id := live.worker.ID
	m.applyLocked(id, func(w *workerstate.Worker) {
		w.SessionID = ev.SessionID
	})
	if m.store != nil {
		if snapshot, ok := m.Worker(id); ok {
			_ = m.store.Save(&snapshot)
		}
	}
}

// commitMessageRE pulls a commit message out of a `git commit` Bash
// invocation, whether it used -m or a heredoc body (§4.6).
var commitMessageRE = regexp.MustCompile(`(?s)-m\s+"([^"]*)"|-m\s+'([^']*)'|<<['"]?EOF['"]?\n(.*?)\nEOF`)

// handleAssistantEvent dispatches every content block of an assistant
// message and reports whether the LoopDetector judged the agent stuck.
func (m *Manager) handleAssistantEvent(live *liveSession, ev engineclient.Event) bool {
	id := live.worker.ID
	now := time.Now().UnixMilli()
	var stuck bool
	var stuckReason string

	for _, block := range ev.Message.Content {
		switch block.Type {
		case engineclient.BlockText:
			m.closeOpenPhase(id, now)
			m.applyLocked(id, func(w *workerstate.Worker) {
				w.PhaseText = block.Text
				w.PhaseStart = now
				w.PhaseToolCount = 0
				w.PhaseTools = nil
				w.Touch(time.Now())
				w.AppendMessage(workerstate.Message{Type: workerstate.MessageText, Text: block.Text, Timestamp: now})
				w.AppendOutput(block.Text)
			})
			m.publish(events.EventWorkerOutput, id, map[string]interface{}{"text": block.Text})

		case engineclient.BlockToolUse:
			m.applyLocked(id, func(w *workerstate.Worker) {
				w.Touch(time.Now())
				w.PhaseToolCount++
				w.PhaseTools = appendBounded(w.PhaseTools, block.Name, workerstate.MaxPhaseTools)
				w.AppendToolCall(workerstate.ToolCall{Name: block.Name, Timestamp: now, Input: block.Input})
				w.AppendMessage(workerstate.Message{Type: workerstate.MessageToolUse, ToolName: block.Name, ToolUseID: block.ID, Timestamp: now})
			})

			m.handleToolRecognition(live, block)

			if snapshot, ok := m.Worker(id); ok {
				result := workerstate.DetectLoop(snapshot.ToolCalls)
				if result.Stuck {
					stuck = true
					stuckReason = result.Reason
				}
			}
		}
	}

	m.publish(events.EventWorkerUpdated, id, map[string]interface{}{"status": string(live.worker.Status)})

	if stuck {
		m.applyLocked(id, func(w *workerstate.Worker) {
			w.Status = workerstate.StatusError
			w.Error = stuckReason
			completedAt := time.Now().UnixMilli()
			w.CompletedAt = &completedAt
		})
		m.publish(events.EventWorkerError, id, map[string]interface{}{"error": stuckReason})
	}
	return stuck
}

// handleToolRecognition implements the specific-tool handling of §4.6:
// Bash commit-message extraction, question/plan-mode signals.
func (m *Manager) handleToolRecognition(live *liveSession, block engineclient.ContentBlock) {
	id := live.worker.ID
	switch block.Name {
	case "Bash":
		cmd, _ := block.Input["command"].(string)
		if !strings.Contains(cmd, "git commit") {
			return
		}
		match := commitMessageRE.FindStringSubmatch(cmd)
		if match == nil {
			return
		}
		msg := firstNonEmpty(match[1], match[2], match[3])
		if msg == "" {
			return
		}
		m.applyLocked(id, func(w *workerstate.Worker) {
			w.AppendCommit(workerstate.Commit{SHA: "pending", Message: strings.TrimSpace(msg)})
		})

	case "AskUserQuestion":
		prompt, _ := block.Input["question"].(string)
		m.applyLocked(id, func(w *workerstate.Worker) {
			w.Status = workerstate.StatusWaiting
			w.WaitingFor = &workerstate.WaitingFor{Type: workerstate.WaitingQuestion, Prompt: prompt, ToolUseID: block.ID}
		})
		m.publish(events.EventWorkerUpdated, id, map[string]interface{}{"status": "waiting"})

	case "EnterPlanMode":
		// Auto-approved: planning mode never blocks on interactive confirmation
		// (§4.6), but the engine still waits for an explicit go-ahead message.
		live.input.Enqueue(stream.Message{
			Content:         "Proceed with planning.",
			ParentToolUseID: block.ID,
			SessionID:       live.worker.SessionID,
		})

	case "ExitPlanMode":
		plan, _ := block.Input["plan"].(string)
		m.applyLocked(id, func(w *workerstate.Worker) {
			w.Status = workerstate.StatusWaiting
			w.PlanContent = plan
			w.WaitingFor = &workerstate.WaitingFor{Type: workerstate.WaitingPlanApproval, Prompt: "Review the plan and approve to continue.", ToolUseID: block.ID}
		})
		m.publish(events.EventWorkerUpdated, id, map[string]interface{}{"status": "waiting"})
	}
}

// closeOpenPhase turns the worker's in-flight phase tracker into a
// milestone once at least one tool call happened during it (§4.6: a phase
// closes as a milestone when a new text block arrives after >=1 tool call).
func (m *Manager) closeOpenPhase(id string, now int64) {
	m.applyLocked(id, func(w *workerstate.Worker) {
		if w.PhaseText == "" || w.PhaseToolCount == 0 {
			return
		}
		w.AppendMilestone(workerstate.Milestone{
			Type:      workerstate.MilestonePhase,
			Label:     w.PhaseText,
			Timestamp: now,
		})
	})
}

func (m *Manager) handleResultEvent(live *liveSession, ev engineclient.Event) sessionResult {
	id := live.worker.ID
	now := time.Now().UnixMilli()

	m.closeOpenPhase(id, now)

	success := ev.IsSuccess()
	budgetExceeded := ev.IsBudgetExceeded()

	m.applyLocked(id, func(w *workerstate.Worker) {
		switch {
		case success:
			w.Status = workerstate.StatusDone
		case budgetExceeded:
			w.Status = workerstate.StatusError
			w.Error = "Budget limit exceeded"
		default:
			w.Status = workerstate.StatusError
			w.Error = "Engine run ended: " + ev.Subtype
		}
		w.CompletedAt = &now
		w.CurrentAction = ""
	})

	if success {
		m.publish(events.EventWorkerDone, id, map[string]interface{}{"numTurns": ev.NumTurns})
	} else if budgetExceeded {
		m.publish(events.EventWorkerError, id, map[string]interface{}{"subtype": ev.Subtype})
		m.appendMilestone(id, fmt.Sprintf("Budget limit exceeded ($%.2f)", ev.TotalCostUSD))
	} else {
		m.publish(events.EventWorkerError, id, map[string]interface{}{"subtype": ev.Subtype})
		m.appendMilestone(id, "Run ended: "+ev.Subtype)
	}

	return sessionResult{success: success}
}

func appendBounded(s []string, v string, max int) []string {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
