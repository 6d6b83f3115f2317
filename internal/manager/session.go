// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/buildd-run/runner/internal/builddserver"
	"github.com/buildd-run/runner/internal/config"
	"github.com/buildd-run/runner/internal/engineclient"
	"github.com/buildd-run/runner/internal/events"
	"github.com/buildd-run/runner/internal/permission"
	"github.com/buildd-run/runner/internal/workerstate"
)

// resolvePermissionMode implements §4.5 step 3: an explicit planning
// request always wins; otherwise bypass (workspace-admin-confirmed, then
// local config) yields bypassPermissions, and everything else defaults to
// acceptEdits so file edits never block on interactive approval.
func resolvePermissionMode(planningRequested bool, cfg *config.Config, gitCfg *builddserver.GitConfig, status builddserver.ConfigStatus) string {
	if planningRequested {
		return "plan"
	}

	bypass := cfg.Permission.BypassPermissions
	if status == builddserver.ConfigAdminConfirmed && gitCfg != nil && gitCfg.BypassPermissions {
		bypass = true
	}
	if bypass {
		return "bypassPermissions"
	}
	return "acceptEdits"
}

// trailingMetadataRE strips a task description's trailing "---" metadata
// block (e.g. frontmatter appended by the task author), per §4.5 step 4.
var trailingMetadataRE = regexp.MustCompile(`(?s)\n---.*$`)

func stripTrailingMetadata(description string) string {
	return strings.TrimSpace(trailingMetadataRE.ReplaceAllString(description, ""))
}

// buildPrompt assembles the prompt in the fixed order of §4.5 step 4: admin
// instructions, git workflow context, workspace memory, skills preamble,
// task description, communication directive, metadata footer. The admin
// instructions and git-workflow sections are only included once a workspace
// admin has confirmed the workspace's configuration.
func buildPrompt(w *workerstate.Worker, gitCfg *builddserver.GitConfig, configStatus builddserver.ConfigStatus, memoryDigest string, observations []builddserver.Observation, skills []builddserver.Skill) string {
	var parts []string
	adminConfirmed := configStatus == builddserver.ConfigAdminConfirmed

	if adminConfirmed && gitCfg != nil && gitCfg.AgentInstructions != "" {
		parts = append(parts, "## Workspace Instructions\n"+gitCfg.AgentInstructions)
	}

	if adminConfirmed && gitCfg != nil {
		var b strings.Builder
		b.WriteString("## Git Workflow\n")
		fmt.Fprintf(&b, "- Branch: %s\n", w.Branch)
		if gitCfg.TargetBranch != "" {
			fmt.Fprintf(&b, "- Target branch: %s\n", gitCfg.TargetBranch)
		} else {
			fmt.Fprintf(&b, "- Default branch: %s\n", gitCfg.DefaultBranch)
		}
		if gitCfg.BranchingStrategy != "" {
			fmt.Fprintf(&b, "- Branching strategy: %s\n", gitCfg.BranchingStrategy)
		}
		if gitCfg.CommitStyle != "" {
			fmt.Fprintf(&b, "- Commit style: %s\n", gitCfg.CommitStyle)
		}
		if gitCfg.RequiresPR {
			b.WriteString("- A pull request is required when the work is complete.\n")
		}
		parts = append(parts, b.String())
	}

	if memoryDigest != "" || len(observations) > 0 {
		var b strings.Builder
		b.WriteString("## Workspace Memory\n")
		if memoryDigest != "" {
			b.WriteString(memoryDigest)
			b.WriteString("\n")
		}
		for _, o := range observations {
			fmt.Fprintf(&b, "- %s\n", o.Summary)
		}
		parts = append(parts, b.String())
	}

	if len(skills) > 0 {
		var b strings.Builder
		b.WriteString("## Available Skills\n")
		for _, s := range skills {
			fmt.Fprintf(&b, "- %s: %s\n", s.Slug, s.Name)
		}
		parts = append(parts, b.String())
	}

	parts = append(parts, "## Task\n"+stripTrailingMetadata(w.TaskDescription))

	parts = append(parts, "## Communication\n"+
		"Narrate your plan before large or risky changes. Ask a single focused "+
		"question when you need user input instead of guessing. Use clear, "+
		"conventional commit messages.")

	parts = append(parts, fmt.Sprintf("Task ID: %s | Workspace: %s | Branch: %s", w.TaskID, w.WorkspaceID, w.Branch))

	return strings.Join(parts, "\n\n")
}

// fetchMemory fetches the workspace's compact memory digest and up to 5
// task-matched observations (§4.5 step 4). Failures are non-fatal: the
// session proceeds with whatever was retrieved.
func (m *Manager) fetchMemory(ctx context.Context, workspaceID, taskDescription string) (string, []builddserver.Observation) {
	if m.server == nil || workspaceID == "" {
		return "", nil
	}
	digest, err := m.server.Observations.Digest(ctx, workspaceID)
	if err != nil {
		log.Printf("runner: manager: fetch memory digest for %s: %v", workspaceID, err)
	}
	observations, err := m.server.Observations.Search(ctx, workspaceID, taskDescription, 5)
	if err != nil {
		log.Printf("runner: manager: search observations for %s: %v", workspaceID, err)
	}
	return digest, observations
}

func (m *Manager) fetchSkills(ctx context.Context, workspaceID string) []builddserver.Skill {
	if m.server == nil || workspaceID == "" {
		return nil
	}
	skills, err := m.server.Skills.List(ctx, workspaceID)
	if err != nil {
		log.Printf("runner: manager: list skills for %s: %v", workspaceID, err)
		return nil
	}
	return skills
}

// buildOptions synthesizes the per-session engineclient.Options of §4.5
// step 5. SettingSources includes "project" only when the workspace has
// opted into reading the repo's CLAUDE.md; otherwise the engine sees just
// the user-level settings.
func (m *Manager) buildOptions(w *workerstate.Worker, cwd, mode string, skills []builddserver.Skill, useClaudeMd, resuming bool) engineclient.Options {
	settingSources := []string{"user"}
	if useClaudeMd {
		settingSources = []string{"user", "project"}
	}

	opts := engineclient.Options{
		Cwd:            cwd,
		Model:          m.cfg.Engine.Model,
		Env:            buildEnv(m.cfg),
		SettingSources: settingSources,
		PermissionMode: mode,
		SystemPrompt:   engineclient.SystemPrompt{Type: "preset", Preset: "claude_code"},
		PreToolHook:    permission.PreToolHook(),
		PostToolHook:   permission.TeamTracker(func(fn func(*workerstate.Worker)) { m.applyLocked(w.ID, fn) }),
	}

	if resuming {
		opts.Resume = w.SessionID
	}

	if len(skills) > 0 {
		opts.Agents = materializeSkills(skills)
	} else {
		opts.AllowedTools = []string{"Bash", "Read", "Write", "Edit", "MultiEdit", "Grep", "Glob", "WebFetch"}
	}

	return opts
}

// buildEnv filters the process environment per §4.5 step 5: the OAuth token
// never reaches the subprocess, the agent-teams feature flag is always on,
// and an openrouter model swaps the Anthropic-compatible provider env.
func buildEnv(cfg *config.Config) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "CLAUDE_CODE_OAUTH_TOKEN" {
			continue
		}
		env[k] = v
	}
	env["CLAUDE_CODE_EXPERIMENTAL_AGENT_TEAMS"] = "1"

	if strings.HasPrefix(cfg.Engine.Model, "openrouter/") {
		env["ANTHROPIC_BASE_URL"] = "https://openrouter.ai/api/v1"
		if key := env["OPENROUTER_API_KEY"]; key != "" {
			env["ANTHROPIC_API_KEY"] = key
		}
	}
	return env
}

// materializeSkills turns workspace skills into engine subagents rather
// than a prompt-only preamble, so each skill's content is isolated from the
// main agent's context window.
func materializeSkills(skills []builddserver.Skill) map[string]engineclient.Agent {
	agents := make(map[string]engineclient.Agent, len(skills))
	for _, s := range skills {
		agents[s.Slug] = engineclient.Agent{
			Description: s.Name,
			Prompt:      s.Content,
			Tools:       []string{"Bash", "Read", "Write", "Edit", "Grep", "Glob"},
		}
	}
	return agents
}

// resolveAttachment returns an attachment's base64 data and media type,
// fetching it over HTTP when only a URL was supplied (§4.5 step 6).
func resolveAttachment(a builddserver.Attachment) (data, mediaType string, err error) {
	mediaType = a.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}
	if a.Base64 != "" {
		return a.Base64, mediaType, nil
	}
	if a.URL == "" {
		return "", "", fmt.Errorf("attachment has neither base64 nor url")
	}

	req, err := http.NewRequest(http.MethodGet, a.URL, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("fetch attachment: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 25<<20))
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(raw), mediaType, nil
}

// createSummaryObservation records a completion summary for workspace
// memory. Failure here is non-fatal to the task (§4.5 step 8, §7).
func (m *Manager) createSummaryObservation(ctx context.Context, w *workerstate.Worker) {
	if m.server == nil || w.WorkspaceID == "" {
		return
	}
	summary := fmt.Sprintf("Completed %q on branch %s (%d commits)", w.TaskTitle, w.Branch, len(w.Commits))
	if err := m.server.Observations.CreateSummary(ctx, w.WorkspaceID, summary); err != nil {
		log.Printf("runner: manager: create summary observation for %s: %v", w.ID, err)
	}
}

// applyLocked runs fn against worker id under the manager's lock, marking
// the worker dirty for both server sync and disk persist afterward.
func (m *Manager) applyLocked(id string, fn func(*workerstate.Worker)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return
	}
	fn(w)
	m.markDirtyLocked(id)
}

func (m *Manager) appendMilestone(id, label string) {
	m.applyLocked(id, func(w *workerstate.Worker) {
		w.AppendMilestone(workerstate.Milestone{
			Type: workerstate.MilestoneStatus, Label: label, Timestamp: time.Now().UnixMilli(),
		})
	})
	m.publish(events.EventWorkerMilestone, id, map[string]interface{}{"label": label})
}

func (m *Manager) setWorktreePath(id, path string) {
	m.applyLocked(id, func(w *workerstate.Worker) { w.WorktreePath = path })
}

func (m *Manager) setGitStats(id string, stats workerstate.GitStats) {
	m.applyLocked(id, func(w *workerstate.Worker) { w.GitStats = &stats })
}

func (m *Manager) failWorker(id string, err error) {
	now := time.Now().UnixMilli()
	m.applyLocked(id, func(w *workerstate.Worker) {
		w.Status = workerstate.StatusError
		w.Error = errMessage(err)
		w.CompletedAt = &now
		w.CurrentAction = ""
	})
	m.publish(events.EventWorkerError, id, map[string]interface{}{"error": errMessage(err)})
}

// checkAuthFailure inspects the first three output lines for the engine's
// auth-failure signature and fails the worker with a clear message if
// found (§4.5 post-completion check).
func (m *Manager) checkAuthFailure(id string) {
	m.mu.Lock()
	w, ok := m.workers[id]
	var head []string
	if ok {
		n := len(w.Output)
		if n > 3 {
			n = 3
		}
		head = append(head, w.Output[:n]...)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, line := range head {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "invalid api key") ||
			strings.Contains(lower, "api key is required") ||
			strings.Contains(lower, "401 unauthorized") ||
			strings.Contains(lower, "please run /login") {
			m.failWorker(id, fmt.Errorf("engine authentication failed: %s", line))
			return
		}
	}
}
