// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package doctor runs a startup self-check (§3.1): it compares persisted
// workers left in status "working" against the live process table and logs
// any worktree with no surviving engine process. It never blocks startup or
// mutates state — the existing working-to-error crash-recovery rule is what
// actually repairs worker state on load.
package doctor

import (
	"log"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-ps"

	"github.com/buildd-run/runner/internal/workerstate"
)

// CheckWorktrees logs a warning for every working worker whose worktree has
// no surviving process named like engineBinary (e.g. "claude"). go-ps does
// not expose a process's working directory cross-platform, so this is a
// coarse liveness check, not a PID-to-worktree match: if no process named
// engineBinary is running at all, every in-flight worktree is reported.
func CheckWorktrees(workers []*workerstate.Worker, engineBinary string) {
	procs, err := ps.Processes()
	if err != nil {
		log.Printf("runner: doctor: list processes: %v", err)
		return
	}

	engineName := filepath.Base(engineBinary)
	alive := false
	for _, p := range procs {
		if strings.EqualFold(p.Executable(), engineName) {
			alive = true
			break
		}
	}
	if alive {
		return
	}

	for _, w := range workers {
		if w.Status != workerstate.StatusWorking || w.WorktreePath == "" {
			continue
		}
		log.Printf("runner: doctor: worker %s worktree %s has no surviving %s process; will be recovered to error on load",
			w.ID, w.WorktreePath, engineName)
	}
}
