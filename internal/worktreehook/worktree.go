// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package worktreehook shells the git worktree lifecycle around one
// worker's session (§4.11), grounded on the teacher's internal/worktree
// GitExecutor (exec.CommandContext("git", ...) shelling style), narrowed
// from "switchable dev worktrees with lifecycle hooks" to "ephemeral
// create-before/remove-after for one worker".
package worktreehook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const gitTimeout = 30 * time.Second

// Hook creates and tears down one ephemeral worktree per worker.
type Hook struct {
	repoPath string
}

// New returns a Hook operating against the repository at repoPath.
func New(repoPath string) *Hook {
	return &Hook{repoPath: repoPath}
}

func (h *Hook) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = h.repoPath
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// worktreesDir is where ephemeral worktrees live, per the glossary entry
// "<repo>/.buildd-worktrees/<branch>".
func (h *Hook) worktreesDir() string {
	return filepath.Join(h.repoPath, ".buildd-worktrees")
}

// ensureExcluded adds .buildd-worktrees/ to .git/info/exclude if absent.
func (h *Hook) ensureExcluded() error {
	excludePath := filepath.Join(h.repoPath, ".git", "info", "exclude")
	data, _ := os.ReadFile(excludePath)
	if strings.Contains(string(data), ".buildd-worktrees") {
		return nil
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("\n.buildd-worktrees/\n")
	return err
}

// Create sets up a worktree for branch, returning its path. On any failure
// it returns an error and the caller must fall back to the main repo path,
// emitting the "Worktree failed, using repo" milestone (§4.11).
func (h *Hook) Create(ctx context.Context, branch, defaultBranch string) (string, error) {
	if err := h.ensureExcluded(); err != nil {
		return "", fmt.Errorf("exclude worktrees dir: %w", err)
	}

	// Non-fatal: a stale remote shouldn't block worktree creation.
	_, _ = h.run(ctx, gitTimeout, "fetch", "origin")

	path := filepath.Join(h.worktreesDir(), branch)
	if _, err := os.Stat(path); err == nil {
		h.removeWorktree(ctx, path)
	}

	// A stale local branch with the same name blocks `worktree add -b`.
	_, _ = h.run(ctx, gitTimeout, "branch", "-D", branch)

	if _, err := h.run(ctx, gitTimeout, "worktree", "add", "-b", branch, path, "origin/"+defaultBranch); err != nil {
		return "", fmt.Errorf("git worktree add: %w", err)
	}
	return path, nil
}

// Remove tears down the worktree at path, with a manual-rm fallback if
// `git worktree remove` fails, followed by a prune (§4.11).
func (h *Hook) Remove(ctx context.Context, path string) {
	h.removeWorktree(ctx, path)
	_, _ = h.run(ctx, gitTimeout, "worktree", "prune")
}

func (h *Hook) removeWorktree(ctx context.Context, path string) {
	if _, err := h.run(ctx, gitTimeout, "worktree", "remove", "--force", path); err != nil {
		os.RemoveAll(path)
	}
}
