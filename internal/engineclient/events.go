// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package engineclient is the adapter to the external agent engine: a
// black-box streaming subprocess (concretely, the `claude` CLI in NDJSON
// stream mode) that accepts a prompt plus options and yields typed events.
// It generalizes the teacher's internal/claude subprocess model
// (NDJSON stdin/stdout, --include-partial-messages) from a single
// interactive session per worktree to one engine run per worker attempt.
package engineclient

import "encoding/json"

// EventType tags the outer engine event variant (§6).
type EventType string

const (
	EventSystem    EventType = "system"
	EventAssistant EventType = "assistant"
	EventResult    EventType = "result"
	EventControl   EventType = "control_request"
)

// ContentBlockType tags a block within an assistant message.
type ContentBlockType string

const (
	BlockText    ContentBlockType = "text"
	BlockToolUse ContentBlockType = "tool_use"
	BlockImage   ContentBlockType = "image"
)

// ImageSource is the inline-base64 image payload of a BlockImage block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ContentBlock is one tagged block of an assistant message. Unknown types
// pass through as no-ops at the call site (§9).
type ContentBlock struct {
	Type   ContentBlockType `json:"type"`
	Text   string           `json:"text,omitempty"`
	ID     string           `json:"id,omitempty"`
	Name   string           `json:"name,omitempty"`
	Input  map[string]any   `json:"input,omitempty"`
	Source *ImageSource     `json:"source,omitempty"`
}

// AssistantMessage is the payload of an `assistant` event.
type AssistantMessage struct {
	Content []ContentBlock `json:"content"`
}

// Usage mirrors the engine's token/cost accounting passed through on result.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is the tagged union of everything the engine can emit. Only the
// fields relevant to Type/Subtype are populated.
type Event struct {
	Type      EventType        `json:"type"`
	Subtype   string           `json:"subtype,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Message   AssistantMessage `json:"message,omitempty"`

	// result fields
	StopReason    string  `json:"stop_reason,omitempty"`
	DurationMS    int64   `json:"duration_ms,omitempty"`
	DurationAPIMS int64   `json:"duration_api_ms,omitempty"`
	NumTurns      int     `json:"num_turns,omitempty"`
	Usage         *Usage  `json:"usage,omitempty"`
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`

	// control_request fields
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

// IsSuccess reports whether a result event completed normally.
func (e Event) IsSuccess() bool {
	return e.Type == EventResult && e.Subtype == "success"
}

// IsBudgetExceeded reports whether a result event hit the cost ceiling (§7).
func (e Event) IsBudgetExceeded() bool {
	return e.Type == EventResult && e.Subtype == "error_max_budget_usd"
}
