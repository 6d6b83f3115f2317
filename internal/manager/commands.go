// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"log"

	"github.com/buildd-run/runner/internal/pushchannel"
	"github.com/buildd-run/runner/internal/workerstate"
)

// PushHandler returns the pushchannel.Handler this manager dispatches
// targeted task assignment and per-worker commands through (§6).
func (m *Manager) PushHandler() pushchannel.Handler {
	return pushchannel.Handler{
		OnWorkerCommand: m.handleWorkerCommand,
		OnTaskAssigned:  m.handleTaskAssigned,
		OnSkillInstall:  m.handleSkillInstallEvent,
	}
}

func (m *Manager) handleWorkerCommand(workerID string, cmd pushchannel.WorkerCommand) {
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	switch cmd.Action {
	case pushchannel.ActionAbort:
		if err := m.Abort(ctx, workerID, "Aborted via push channel"); err != nil {
			log.Printf("runner: manager: push abort %s: %v", workerID, err)
		}

	case pushchannel.ActionMessage:
		if err := m.SendMessage(ctx, workerID, cmd.Text); err != nil {
			log.Printf("runner: manager: push message to %s: %v", workerID, err)
		}

	case pushchannel.ActionPause:
		m.applyLocked(workerID, func(w *workerstate.Worker) { w.CurrentAction = "Paused" })

	case pushchannel.ActionResume:
		m.applyLocked(workerID, func(w *workerstate.Worker) { w.CurrentAction = "" })

	case pushchannel.ActionSkillInstall:
		w, ok := m.Worker(workerID)
		if !ok {
			return
		}
		result := m.InstallSkill(ctx, w.WorkspaceID, cmd.InstallerCommand)
		m.appendMilestone(workerID, "Skill install: "+installOutcome(result))

	case pushchannel.ActionRollback:
		m.appendMilestone(workerID, "Rollback requested to checkpoint "+cmd.CheckpointUUID)
	}
}

func (m *Manager) handleTaskAssigned(workspaceID string, ev pushchannel.TaskAssigned) {
	// Targeted assignment bypasses the poll-based claim loop: claim
	// immediately so the assigned task isn't left waiting for the next tick.
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.claimTick(ctx)
}

func (m *Manager) handleSkillInstallEvent(workspaceID string, ev pushchannel.SkillInstallEvent) {
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	result := m.InstallSkill(ctx, workspaceID, ev.InstallerCommand)
	log.Printf("runner: manager: workspace skill install %s: %s", workspaceID, installOutcome(result))
}

func installOutcome(r InstallResult) string {
	if !r.Allowed {
		return "rejected (not allowlisted)"
	}
	if r.Err != "" {
		return "failed: " + r.Err
	}
	return "succeeded"
}
