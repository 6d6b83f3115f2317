// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package doctor

import (
	"testing"

	"github.com/buildd-run/runner/internal/workerstate"
)

// CheckWorktrees is observational only: these tests confirm it doesn't
// panic on the shapes the manager feeds it on startup, since the only
// externally visible effect is a log line.
func TestCheckWorktrees_EmptyList(t *testing.T) {
	CheckWorktrees(nil, "claude")
}

func TestCheckWorktrees_SkipsNonWorkingAndBlankWorktree(t *testing.T) {
	workers := []*workerstate.Worker{
		{ID: "a", Status: workerstate.StatusDone, WorktreePath: "/tmp/a"},
		{ID: "b", Status: workerstate.StatusWorking, WorktreePath: ""},
		{ID: "c", Status: workerstate.StatusWorking, WorktreePath: "/tmp/c"},
	}
	CheckWorktrees(workers, "claude")
}
