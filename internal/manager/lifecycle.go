// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/buildd-run/runner/internal/builddserver"
	"github.com/buildd-run/runner/internal/events"
	"github.com/buildd-run/runner/internal/workerstate"
)

// Abort cancels worker id's active session, if any, and marks it failed.
// The loop-detector's reason (already recorded on w.Error by the event
// handler) takes priority over the given reason, which in turn defaults to
// "Aborted by user".
func (m *Manager) Abort(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	live, hasSession := m.sessions[id]
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker %s", id)
	}

	if hasSession {
		live.cancel()
		live.input.End()
	}

	now := time.Now().UnixMilli()
	m.applyLocked(id, func(w *workerstate.Worker) {
		finalReason := w.Error
		if finalReason == "" {
			finalReason = reason
		}
		if finalReason == "" {
			finalReason = "Aborted by user"
		}
		w.Status = workerstate.StatusError
		w.Error = finalReason
		w.CurrentAction = "Aborted"
		w.CompletedAt = &now
	})

	m.publish(events.EventWorkerError, id, map[string]interface{}{"error": w.Error})

	if m.server != nil {
		if err := m.server.Workers.Update(ctx, id, builddserver.Update{Status: builddserver.UpdateFailed, Error: w.Error}); err != nil && !builddserver.IsConflict(err) {
			if m.outbox != nil {
				if body, merr := marshalUpdate(builddserver.Update{Status: builddserver.UpdateFailed, Error: w.Error}); merr == nil {
					m.outbox.Enqueue("PATCH", "/api/workers/"+id, body)
				}
			}
		}
	}

	return nil
}

// Retry restarts worker id from a terminal state: any leftover session is
// aborted first, state resets to working, and a fresh session is launched
// with a context-preserving description. On failure to start, the worker
// reverts to error.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker %s", id)
	}
	if !w.IsTerminal() {
		return fmt.Errorf("worker %s is not in a terminal state", id)
	}

	if _, hasSession := m.sessions[id]; hasSession {
		_ = m.Abort(ctx, id, "Superseded by retry")
	}

	m.applyLocked(id, func(w *workerstate.Worker) {
		w.TaskDescription = retryDescription(*w)
		w.Status = workerstate.StatusWorking
		w.Error = ""
		w.CompletedAt = nil
		w.CurrentAction = "Retrying"
		w.AppendMilestone(workerstate.Milestone{Type: workerstate.MilestoneStatus, Label: "Retry requested", Timestamp: time.Now().UnixMilli()})
	})
	m.publish(events.EventWorkerUpdated, id, map[string]interface{}{"status": "working"})

	m.mu.Lock()
	w, ok = m.workers[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %s vanished during retry", id)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSession(m.ctx, w, nil, false)
	}()

	return nil
}

// retryDescription rebuilds the task description to carry forward prior
// context (prior error and completed commits) so the fresh attempt is aware
// of what already happened, per §4 Retry.
func retryDescription(w workerstate.Worker) string {
	desc := w.TaskDescription
	if w.Error != "" {
		desc += fmt.Sprintf("\n\n## Previous attempt failed\n%s", w.Error)
	}
	if len(w.Commits) > 0 {
		desc += fmt.Sprintf("\n\nNote: %d commit(s) already exist on this branch from a previous attempt.", len(w.Commits))
	}
	return desc
}
