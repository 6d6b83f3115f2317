// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"time"

	"github.com/buildd-run/runner/internal/engineclient"
	"github.com/buildd-run/runner/internal/workerstate"
)

// TeamTracker returns the post-tool hook of §4.8: purely observational,
// never denies. apply runs a mutation against the owning worker under
// whatever locking the manager uses — the hook never touches worker state
// directly so it stays safe to call from the engine's own goroutine.
func TeamTracker(apply func(fn func(*workerstate.Worker))) engineclient.PostToolHook {
	return func(req engineclient.HookRequest) {
		switch req.ToolName {
		case "TeamCreate":
			name, _ := req.ToolInput["team_name"].(string)
			if name == "" {
				name = "unnamed"
			}
			apply(func(w *workerstate.Worker) {
				w.TeamState = &workerstate.TeamState{TeamName: name, CreatedAt: time.Now().UnixMilli()}
				w.AppendMilestone(workerstate.Milestone{
					Type: workerstate.MilestoneStatus, Label: "Team created: " + name, Timestamp: time.Now().UnixMilli(),
				})
			})

		case "Task":
			apply(func(w *workerstate.Worker) {
				if w.TeamState == nil {
					return
				}
				name, _ := req.ToolInput["description"].(string)
				role, _ := req.ToolInput["subagent_type"].(string)
				w.TeamState.Members = append(w.TeamState.Members, workerstate.TeamMember{
					Name: name, Role: role, Status: "active", SpawnedAt: time.Now().UnixMilli(),
				})
				w.AppendMilestone(workerstate.Milestone{
					Type: workerstate.MilestoneStatus, Label: "Subagent: " + name, Timestamp: time.Now().UnixMilli(),
				})
			})

		case "SendMessage":
			apply(func(w *workerstate.Worker) {
				if w.TeamState == nil {
					return
				}
				from, _ := req.ToolInput["sender"].(string)
				if from == "" {
					from = "leader"
				}
				msgType, _ := req.ToolInput["type"].(string)
				recipient, _ := req.ToolInput["recipient"].(string)
				to := recipient
				if to == "" {
					if msgType == "broadcast" {
						to = "broadcast"
					} else {
						to = "unknown"
					}
				}
				content, _ := req.ToolInput["content"].(string)
				summary, _ := req.ToolInput["summary"].(string)
				w.AppendTeamMessage(workerstate.TeamMessage{
					From: from, To: to, Content: content, Summary: summary, Timestamp: time.Now().UnixMilli(),
				})
				if msgType == "broadcast" {
					w.AppendMilestone(workerstate.Milestone{
						Type: workerstate.MilestoneStatus, Label: "Team broadcast from " + from, Timestamp: time.Now().UnixMilli(),
					})
				}
			})
		}
	}
}
