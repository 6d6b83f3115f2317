// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/buildd-run/runner/internal/builddserver"
	"github.com/buildd-run/runner/internal/engineclient"
	"github.com/buildd-run/runner/internal/events"
	"github.com/buildd-run/runner/internal/stream"
	"github.com/buildd-run/runner/internal/workerstate"
	"github.com/buildd-run/runner/internal/worktreehook"
)

// claimTick asks BuilddServer for up to cfg.Server.MaxTasks minus the
// runner's current active count, and starts a session for every claimed
// task.
func (m *Manager) claimTick(ctx context.Context) {
	if m.server == nil {
		return
	}

	want := m.cfg.Server.MaxTasks - m.ActiveWorkerCount()
	if want <= 0 {
		return
	}

	claimed, err := m.server.Workers.Claim(ctx, builddserver.ClaimRequest{
		MaxTasks:    want,
		WorkspaceID: m.cfg.Server.WorkspaceID,
		LocalUIURL:  m.localUIURL,
	})
	if err != nil {
		log.Printf("runner: manager: claim failed: %v", err)
		return
	}

	for _, cw := range claimed {
		m.claimAndStart(ctx, cw)
	}
}

// claimAndStart materializes a Worker record for a just-claimed task,
// persists it immediately so it is durable before the session exists
// (invariant 6: a worker must be visible before setup completes), sets up
// its worktree, and launches its session in the background.
func (m *Manager) claimAndStart(ctx context.Context, cw builddserver.ClaimedWorker) {
	if cw.Task == nil {
		log.Printf("runner: manager: claimed worker %s has no task payload, skipping", cw.ID)
		return
	}

	w := &workerstate.Worker{
		ID:              cw.ID,
		TaskID:          cw.Task.ID,
		TaskTitle:       cw.Task.Title,
		TaskDescription: cw.Task.Description,
		WorkspaceID:     m.cfg.Server.WorkspaceID,
		Branch:          cw.Branch,
		PlanningMode:    cw.Task.PlanningMode,
		Status:          workerstate.StatusWorking,
		LastActivity:    time.Now().UnixMilli(),
	}

	m.mu.Lock()
	m.workers[w.ID] = w
	m.markDirtyLocked(w.ID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(w); err != nil {
			log.Printf("runner: manager: persist new worker %s: %v", w.ID, err)
		}
	}
	m.publish(events.EventWorkerCreated, w.ID, map[string]interface{}{"taskId": w.TaskID})

	attachments := cw.Task.Context.Attachments

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSession(m.ctx, w, attachments, false)
	}()
}

// runSession is the session start sequence of §4.5, steps 1-9. resuming
// is true only for Layer 1 of the SendMessage resume cascade, when the
// worker already has a sessionId; in that case the engine options carry
// Resume instead of a fresh run.
func (m *Manager) runSession(ctx context.Context, w *workerstate.Worker, attachments []builddserver.Attachment, resuming bool) {
	sessionCtx, cancel := context.WithCancel(ctx)

	// Step 1: message stream + cancellation handle.
	input := stream.New()
	live := &liveSession{worker: w, input: input, cancel: cancel}

	m.mu.Lock()
	m.sessions[w.ID] = live
	m.mu.Unlock()

	defer func() {
		cancel()
		input.End()
		m.mu.Lock()
		delete(m.sessions, w.ID)
		m.mu.Unlock()
	}()

	// Worktree setup, with fallback to the main repo on failure. A worktree
	// is only created when a branch was actually requested and the
	// workspace's branching strategy calls for one (§4.11).
	repoPath := m.cfg.Workspace.RepoPath
	cwd := repoPath
	var worktreeHook *worktreehook.Hook
	defaultBranch := "main"
	branchingStrategy := builddserver.BranchingNone
	if gitCfg := m.fetchGitConfig(sessionCtx, w.WorkspaceID); gitCfg != nil {
		if gitCfg.DefaultBranch != "" {
			defaultBranch = gitCfg.DefaultBranch
		}
		branchingStrategy = gitCfg.BranchingStrategy
	}
	wantsWorktree := repoPath != "" && w.Branch != "" && branchingStrategy != builddserver.BranchingNone
	if wantsWorktree {
		worktreeHook = worktreehook.New(repoPath)
		path, err := worktreeHook.Create(sessionCtx, w.Branch, defaultBranch)
		if err != nil {
			m.appendMilestone(w.ID, "Worktree failed, using repo")
			m.publish(events.EventWorktreeFailed, w.ID, map[string]interface{}{"error": errMessage(err)})
		} else {
			cwd = path
			m.setWorktreePath(w.ID, path)
			m.publish(events.EventWorktreeCreated, w.ID, map[string]interface{}{"path": path})
		}
	}

	if err := m.startEngineAttempt(sessionCtx, live, cwd, defaultBranch, attachments, resuming); err != nil {
		m.failWorker(w.ID, err)
	}

	if worktreeHook != nil && cwd != repoPath {
		worktreeHook.Remove(context.Background(), cwd)
		m.publish(events.EventWorktreeRemoved, w.ID, map[string]interface{}{"path": cwd})
	}
}

// fetchGitConfig fetches workspace config, tolerating failure by returning
// nil (the caller falls back to documented defaults).
func (m *Manager) fetchGitConfig(ctx context.Context, workspaceID string) *builddserver.GitConfig {
	if m.server == nil || workspaceID == "" {
		return nil
	}
	cfg, err := m.server.Workspaces.Config(ctx, workspaceID)
	if err != nil {
		log.Printf("runner: manager: fetch workspace config for %s: %v", workspaceID, err)
		return nil
	}
	return cfg.GitConfig
}

// startEngineAttempt runs steps 2-9: config fetch, permission resolution,
// prompt assembly, options synthesis, attachments, event streaming,
// post-completion checks, and git stats. The finally cleanup (ending the
// input stream and removing the worktree) is the caller's responsibility,
// since it must happen even when this returns early.
func (m *Manager) startEngineAttempt(ctx context.Context, live *liveSession, cwd, defaultBranch string, attachments []builddserver.Attachment, resuming bool) error {
	w := live.worker

	var gitCfg *builddserver.GitConfig
	var configStatus builddserver.ConfigStatus
	if m.server != nil && w.WorkspaceID != "" {
		if wc, err := m.server.Workspaces.Config(ctx, w.WorkspaceID); err == nil {
			gitCfg = wc.GitConfig
			configStatus = wc.ConfigStatus
		}
	}

	mode := resolvePermissionMode(w.PlanningMode, m.cfg, gitCfg, configStatus)

	memoryDigest, observations := m.fetchMemory(ctx, w.WorkspaceID, w.TaskDescription)
	skills := m.fetchSkills(ctx, w.WorkspaceID)

	useClaudeMd := gitCfg != nil && gitCfg.UseClaudeMd

	prompt := buildPrompt(w, gitCfg, configStatus, memoryDigest, observations, skills)
	opts := m.buildOptions(w, cwd, mode, skills, useClaudeMd, resuming)

	sess, err := m.engine.Start(ctx, prompt, opts)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	live.engine = sess

	m.sendAttachments(sess, attachments, w.ID)

	m.pumpInput(ctx, live)

	result := m.consumeEvents(ctx, live)

	m.checkAuthFailure(w.ID)

	stats := worktreehook.CollectStats(context.Background(), cwd, defaultBranch, len(w.Commits))
	m.setGitStats(w.ID, stats)

	if result.success {
		m.createSummaryObservation(context.Background(), w)
	}

	return nil
}

// pumpInput forwards MessageStream sends to the engine session for the
// lifetime of the session, in its own goroutine.
func (m *Manager) pumpInput(ctx context.Context, live *liveSession) {
	go func() {
		for {
			msg, ok := live.input.Next(ctx)
			if !ok {
				return
			}
			if err := live.engine.SendMessage(engineclient.InputMessage{
				Content:         msg.Content,
				ParentToolUseID: msg.ParentToolUseID,
				SessionID:       msg.SessionID,
			}); err != nil {
				log.Printf("runner: manager: send message to engine for %s failed: %v", live.worker.ID, err)
				return
			}
		}
	}()
}

func (m *Manager) sendAttachments(sess *engineclient.Session, attachments []builddserver.Attachment, workerID string) {
	for _, a := range attachments {
		data, mediaType, err := resolveAttachment(a)
		if err != nil {
			m.appendMilestone(workerID, fmt.Sprintf("Attachment %s failed: %s", a.Filename, errMessage(err)))
			continue
		}
		if err := sess.SendImage("", mediaType, data, a.Filename); err != nil {
			m.appendMilestone(workerID, fmt.Sprintf("Attachment %s failed: %s", a.Filename, errMessage(err)))
			continue
		}
		m.appendMilestone(workerID, "Attached "+a.Filename)
	}
}

func marshalUpdate(upd builddserver.Update) (json.RawMessage, error) {
	return json.Marshal(upd)
}
