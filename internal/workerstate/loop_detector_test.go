// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package workerstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func readCall(path string, offset, limit int) ToolCall {
	return ToolCall{Name: "Read", Input: map[string]any{
		"file_path": path, "offset": offset, "limit": limit,
	}}
}

func bashCall(cmd string) ToolCall {
	return ToolCall{Name: "Bash", Input: map[string]any{"command": cmd}}
}

func TestDetectLoop_RuleA_IdenticalReadsTrigger(t *testing.T) {
	calls := []ToolCall{
		readCall("/a", 0, 100),
		readCall("/a", 0, 100),
		readCall("/a", 0, 100),
		readCall("/a", 0, 100),
		readCall("/a", 0, 100),
	}
	result := DetectLoop(calls)
	assert.True(t, result.Stuck)
	assert.Equal(t, "Agent stuck: made 5 identical Read calls", result.Reason)
}

func TestDetectLoop_RuleA_DifferingOffsetDoesNotTrigger(t *testing.T) {
	calls := []ToolCall{
		readCall("/a", 0, 100),
		readCall("/a", 100, 100),
		readCall("/a", 0, 100),
		readCall("/a", 0, 100),
		readCall("/a", 0, 100),
	}
	result := DetectLoop(calls)
	assert.False(t, result.Stuck)
}

func TestDetectLoop_RuleB_EightSimilarBashTrigger(t *testing.T) {
	// The commands differ inside the quotes, so Rule A (identical) does not fire first.
	var calls []ToolCall
	for i := 0; i < 8; i++ {
		calls = append(calls, bashCall(`grep "pattern`+string(rune('a'+i))+`" file.go`))
	}
	result := DetectLoop(calls)
	assert.True(t, result.Stuck)
	assert.Contains(t, result.Reason, "8 similar Bash calls")
}

func TestDetectLoop_RuleB_SevenDoesNotTrigger(t *testing.T) {
	// The commands differ inside the quotes, so Rule A (identical) does not fire.
	var calls []ToolCall
	for i := 0; i < 7; i++ {
		calls = append(calls, bashCall(`grep "pattern`+string(rune('a'+i))+`" file.go`))
	}
	result := DetectLoop(calls)
	assert.False(t, result.Stuck)
}

func TestDetectLoop_RuleB_QuoteStrippingNormalizes(t *testing.T) {
	var calls []ToolCall
	for i := 0; i < 8; i++ {
		calls = append(calls, bashCall(`echo "run `+string(rune('a'+i))+`"`))
	}
	result := DetectLoop(calls)
	assert.True(t, result.Stuck)
}

func TestDetectLoop_NotStuck(t *testing.T) {
	calls := []ToolCall{
		readCall("/a", 0, 100),
		{Name: "Edit", Input: map[string]any{"file_path": "/a"}},
		readCall("/b", 0, 100),
	}
	result := DetectLoop(calls)
	assert.False(t, result.Stuck)
}
