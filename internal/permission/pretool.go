// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package permission implements the two engine hooks registered at session
// start (§4.5 step 5, §4.7, §4.8): a pre-tool permission gate and a
// post-tool team tracker. The dangerous-command/sensitive-path tables
// follow the table-driven {pattern, reason} style of go-claw's
// internal/safety/sanitizer.go (pack enrichment, not the teacher).
package permission

import (
	"regexp"

	"github.com/buildd-run/runner/internal/engineclient"
)

type dangerousPattern struct {
	re     *regexp.Regexp
	reason string
}

// dangerousBashPatterns are Bash commands denied outright rather than left
// to interactive approval the agent can never receive (§4.7).
var dangerousBashPatterns = []dangerousPattern{
	{regexp.MustCompile(`rm\s+-rf\s+/(\s|$)`), "recursive delete of root"},
	{regexp.MustCompile(`rm\s+-rf\s+~(\s|$)`), "recursive delete of home directory"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`), "fork bomb"},
	{regexp.MustCompile(`dd\s+.*of=/dev/(sd|nvme|disk)`), "raw disk write"},
	{regexp.MustCompile(`mkfs\.`), "filesystem format"},
	{regexp.MustCompile(`>\s*/dev/sd[a-z]`), "raw disk overwrite"},
	{regexp.MustCompile(`chmod\s+-R\s+777\s+/(\s|$)`), "world-writable root"},
	{regexp.MustCompile(`curl[^|]*\|\s*(sudo\s+)?sh`), "pipe remote script to shell"},
	{regexp.MustCompile(`wget[^|]*\|\s*(sudo\s+)?sh`), "pipe remote script to shell"},
}

type sensitivePathPattern struct {
	re     *regexp.Regexp
	reason string
}

// sensitivePaths are file paths writes are denied to (§4.7).
var sensitivePaths = []sensitivePathPattern{
	{regexp.MustCompile(`(^|/)\.env(\.|$)`), "environment file"},
	{regexp.MustCompile(`(^|/)\.ssh/`), "ssh credentials directory"},
	{regexp.MustCompile(`(^|/)\.aws/`), "cloud credentials directory"},
	{regexp.MustCompile(`(^|/)\.git/config$`), "git configuration"},
	{regexp.MustCompile(`(^|/)id_rsa(\.pub)?$`), "ssh private key"},
	{regexp.MustCompile(`\.claude/\.credentials\.json$`), "engine credentials"},
	{regexp.MustCompile(`(^|/)/etc/(passwd|shadow|sudoers)$`), "system account file"},
}

// PreToolHook returns engineclient.PreToolHook implementing §4.7.
func PreToolHook() engineclient.PreToolHook {
	return func(req engineclient.HookRequest) engineclient.HookResponse {
		switch req.ToolName {
		case "Bash":
			cmd, _ := req.ToolInput["command"].(string)
			for _, p := range dangerousBashPatterns {
				if p.re.MatchString(cmd) {
					return engineclient.HookResponse{
						Decision: engineclient.HookDeny,
						Reason:   "Dangerous command blocked by safety policy",
					}
				}
			}
			return engineclient.HookResponse{Decision: engineclient.HookAllow, Reason: "Allowed by buildd permission hook"}

		case "Write", "Edit", "MultiEdit":
			path, _ := req.ToolInput["file_path"].(string)
			for _, p := range sensitivePaths {
				if p.re.MatchString(path) {
					return engineclient.HookResponse{
						Decision: engineclient.HookDeny,
						Reason:   "Cannot write to sensitive path: " + path,
					}
				}
			}
			return engineclient.HookResponse{Decision: engineclient.HookAllow, Reason: "Allowed by buildd permission hook"}

		default:
			return engineclient.HookResponse{Decision: engineclient.HookAllow, Reason: "Allowed by buildd permission hook"}
		}
	}
}
