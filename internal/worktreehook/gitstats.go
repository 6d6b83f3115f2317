// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package worktreehook

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/buildd-run/runner/internal/workerstate"
)

const statsTimeout = 5 * time.Second

func runGit(ctx context.Context, cwd string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = cwd
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err
}

// CollectStats gathers git stats in cwd after a successful session (§4.10).
// Every shelled command is individually non-fatal: a failure just leaves
// that field at its zero value (or a documented fallback).
func CollectStats(ctx context.Context, cwd, defaultBranch string, fallbackCommitCount int) workerstate.GitStats {
	stats := workerstate.GitStats{CommitCount: fallbackCommitCount}

	if sha, err := runGit(ctx, cwd, "rev-parse", "HEAD"); err == nil {
		stats.LastCommitSHA = sha
	}

	if out, err := runGit(ctx, cwd, "rev-list", "--count", "HEAD", "^origin/"+defaultBranch); err == nil {
		if n, convErr := strconv.Atoi(out); convErr == nil {
			stats.CommitCount = n
		}
	}

	if out, err := runGit(ctx, cwd, "diff", "--numstat", "HEAD~1"); err == nil {
		adds, subs, files := parseNumstat(out)
		stats.LinesAdded = adds
		stats.LinesRemoved = subs
		stats.FilesChanged = files
	}

	return stats
}

func parseNumstat(out string) (adds, subs, files int) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		files++
		if n, err := strconv.Atoi(fields[0]); err == nil {
			adds += n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			subs += n
		}
	}
	return
}
