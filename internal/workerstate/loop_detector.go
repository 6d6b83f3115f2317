// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package workerstate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LoopResult is the LoopDetector's verdict.
type LoopResult struct {
	Stuck  bool
	Reason string
}

// canonicalKey returns the canonical comparison key for a tool call, per
// §4.4: Read calls distinguish on file_path/offset/limit; every other tool
// collapses to name+input.
func canonicalKey(tc ToolCall) string {
	if tc.Name == "Read" {
		filePath, _ := tc.Input["file_path"].(string)
		offset := tc.Input["offset"]
		limit := tc.Input["limit"]
		return fmt.Sprintf("Read|%s|%v|%v", filePath, offset, limit)
	}
	encoded, _ := json.Marshal(tc.Input)
	return tc.Name + "|" + string(encoded)
}

// canonicalBashCommand replaces quoted spans with empty quotes and
// truncates to 50 chars, the normalization Rule B compares on.
func canonicalBashCommand(tc ToolCall) string {
	cmd, _ := tc.Input["command"].(string)
	cmd = collapseQuoted(cmd, '"')
	cmd = collapseQuoted(cmd, '\'')
	if len(cmd) > 50 {
		cmd = cmd[:50]
	}
	return cmd
}

// collapseQuoted replaces every "…" (or '…') span with "" (or '').
func collapseQuoted(s string, quote byte) string {
	var b strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == quote {
			if !inQuote {
				b.WriteByte(quote)
				inQuote = true
			} else {
				b.WriteByte(quote)
				inQuote = false
			}
			continue
		}
		if inQuote {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// DetectLoop is a pure policy over the worker's most recent tool calls: it
// decides whether recent history indicates a stuck agent. It performs no
// I/O and has no side effects — the caller aborts the worker with the
// returned reason.
func DetectLoop(toolCalls []ToolCall) LoopResult {
	last8 := lastN(toolCalls, 8)

	// Rule A: 5 identical calls (checked against the last 5 of the window).
	last5 := lastN(last8, 5)
	if len(last5) == 5 {
		key := canonicalKey(last5[0])
		allSame := true
		for _, tc := range last5[1:] {
			if canonicalKey(tc) != key {
				allSame = false
				break
			}
		}
		if allSame {
			return LoopResult{
				Stuck:  true,
				Reason: fmt.Sprintf("Agent stuck: made 5 identical %s calls", last5[0].Name),
			}
		}
	}

	// Rule B: 8 similar-enough Bash commands.
	if len(last8) == 8 {
		allBash := true
		for _, tc := range last8 {
			if tc.Name != "Bash" {
				allBash = false
				break
			}
		}
		if allBash {
			pattern := canonicalBashCommand(last8[0])
			allSame := true
			for _, tc := range last8[1:] {
				if canonicalBashCommand(tc) != pattern {
					allSame = false
					break
				}
			}
			if allSame {
				snippet := pattern
				if len(snippet) > 30 {
					snippet = snippet[:30]
				}
				return LoopResult{
					Stuck:  true,
					Reason: fmt.Sprintf("Agent stuck: made 8 similar Bash calls matching %q", snippet),
				}
			}
		}
	}

	return LoopResult{Stuck: false}
}

func lastN(calls []ToolCall, n int) []ToolCall {
	if len(calls) <= n {
		return calls
	}
	return calls[len(calls)-n:]
}
