// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package engineclient

// SystemPrompt selects the engine's base prompt and any appended text.
type SystemPrompt struct {
	Type   string `json:"type"`
	Preset string `json:"preset,omitempty"`
	Append string `json:"append,omitempty"`
}

// Agent describes a materialized subagent (used for skill bundles, §4.5).
type Agent struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools"`
	Model       string   `json:"model"`
}

// HookDecision is what a permission hook returns for a tool call.
type HookDecision string

const (
	HookAllow HookDecision = "allow"
	HookDeny  HookDecision = "deny"
)

// HookRequest is passed to every registered hook (§6).
type HookRequest struct {
	HookEventName string         `json:"hook_event_name"`
	ToolName      string         `json:"tool_name"`
	ToolInput     map[string]any `json:"tool_input"`
}

// HookResponse is what a hook callback returns.
type HookResponse struct {
	Decision HookDecision
	Reason   string
}

// PreToolHook gates a tool call before the engine executes it.
type PreToolHook func(req HookRequest) HookResponse

// PostToolHook observes a tool call after it executed; it never denies.
type PostToolHook func(req HookRequest)

// Options are the per-session parameters synthesized in §4.5 step 5.
type Options struct {
	Cwd            string
	Model          string
	Env            map[string]string
	SettingSources []string
	PermissionMode string // plan | acceptEdits | bypassPermissions | default
	SystemPrompt   SystemPrompt
	AllowedTools   []string
	Agents         map[string]Agent
	MCPServers     map[string]any
	PreToolHook    PreToolHook
	PostToolHook   PostToolHook
	Resume         string // resumeSessionId, empty for a fresh session
}
