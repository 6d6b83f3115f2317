// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package engineclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
)

// BinaryPath is the engine CLI executable name; overridable for tests.
var BinaryPath = "claude"

// CLIEngine shells the engine CLI in NDJSON streaming mode, following the
// teacher's internal/claude subprocess model: stdin/stdout pipes, a
// line-scanning read loop, and --include-partial-messages.
type CLIEngine struct{}

// NewCLIEngine returns the production Engine implementation.
func NewCLIEngine() *CLIEngine { return &CLIEngine{} }

func buildArgs(opts Options) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--permission-mode", orDefault(opts.PermissionMode, "default"),
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(opts.SettingSources, ","))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.SystemPrompt.Type != "" {
		args = append(args, "--system-prompt-preset", opts.SystemPrompt.Preset)
		if opts.SystemPrompt.Append != "" {
			args = append(args, "--append-system-prompt", opts.SystemPrompt.Append)
		}
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	return args
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Start launches one `claude` subprocess and begins streaming its NDJSON
// output. Events flow until the process exits or ctx is canceled.
func (e *CLIEngine) Start(ctx context.Context, prompt string, opts Options) (*Session, error) {
	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, BinaryPath, buildArgs(opts)...)
	cmd.Dir = opts.Cwd
	cmd.Env = envSlice(opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start engine process: %w", err)
	}

	sess := &Session{
		cmd:         cmd,
		stdin:       stdin,
		cancel:      cancel,
		events:      make(chan Event, 16),
		preHook:     opts.PreToolHook,
		postHook:    opts.PostToolHook,
		waitResult:  make(chan error, 1),
	}

	go sess.readLoop(stdout)
	go func() {
		sess.waitResult <- cmd.Wait()
	}()

	initialContent := []ContentBlock{{Type: BlockText, Text: prompt}}
	if err := sess.writeStdinMessage(InputMessage{Content: prompt}, opts.Resume, initialContent); err != nil {
		sess.Cancel()
		return nil, fmt.Errorf("write initial prompt: %w", err)
	}

	return sess, nil
}

// Session is one running engine subprocess with its NDJSON event stream.
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	mu       sync.Mutex
	stdinErr error

	events     chan Event
	waitResult chan error

	preHook  PreToolHook
	postHook PostToolHook
}

// Events returns the channel of engine events. It is closed right after a
// result event is delivered, or when the subprocess's stdout reaches EOF.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Cancel terminates the subprocess and its event stream.
func (s *Session) Cancel() {
	s.cancel()
}

// Wait blocks until the subprocess exits.
func (s *Session) Wait() error {
	return <-s.waitResult
}

type stdinInner struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

type stdinUserMessage struct {
	Type            string     `json:"type"`
	SessionID       string     `json:"session_id,omitempty"`
	ParentToolUseID string     `json:"parent_tool_use_id,omitempty"`
	Message         stdinInner `json:"message"`
}

// SendMessage writes a follow-up user message to the subprocess's stdin,
// carrying a parentToolUseId when answering a pending question/approval.
func (s *Session) SendMessage(msg InputMessage) error {
	block := ContentBlock{Type: BlockText, Text: msg.Content}
	return s.writeStdin(stdinUserMessage{
		Type:            "user",
		SessionID:       msg.SessionID,
		ParentToolUseID: msg.ParentToolUseID,
		Message:         stdinInner{Role: "user", Content: []ContentBlock{block}},
	})
}

// SendImage writes an attachment to the subprocess's stdin as a user message
// carrying an inline base64 image block alongside a filename label (§4.5
// step 6).
func (s *Session) SendImage(sessionID, mediaType, base64Data, filename string) error {
	content := []ContentBlock{
		{Type: BlockText, Text: "Attachment: " + filename},
		{Type: BlockImage, Source: &ImageSource{Type: "base64", MediaType: mediaType, Data: base64Data}},
	}
	return s.writeStdinMessage(InputMessage{SessionID: sessionID}, sessionID, content)
}

func (s *Session) writeStdinMessage(msg InputMessage, sessionID string, content []ContentBlock) error {
	return s.writeStdin(stdinUserMessage{
		Type:      "user",
		SessionID: sessionID,
		Message:   stdinInner{Role: "user", Content: content},
	})
}

func (s *Session) writeStdin(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdinErr != nil {
		return s.stdinErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.stdin.Write(append(data, '\n'))
	if err != nil {
		s.stdinErr = err
	}
	return err
}

// controlResponse answers a permission-prompt control_request.
type controlResponse struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id"`
	Response  controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

type controlRequestPayload struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

func (s *Session) readLoop(stdout io.ReadCloser) {
	defer close(s.events)
	defer stdout.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("runner: engine emitted unparsable line: %v", err)
			continue
		}

		if ev.Type == EventControl {
			s.handleControlRequest(ev)
		}

		s.events <- ev

		if ev.Type == EventResult {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("runner: engine stdout scan error: %v", err)
	}
}

func (s *Session) handleControlRequest(ev Event) {
	var req controlRequestPayload
	if err := json.Unmarshal(ev.Request, &req); err != nil {
		return
	}

	decision := HookResponse{Decision: HookAllow, Reason: "Allowed by buildd permission hook"}
	if s.preHook != nil {
		decision = s.preHook(HookRequest{
			HookEventName: "PreToolUse",
			ToolName:      req.ToolName,
			ToolInput:     req.ToolInput,
		})
	}

	behavior := "allow"
	if decision.Decision == HookDeny {
		behavior = "deny"
	}

	_ = s.writeStdin(controlResponse{
		Type:      "control_response",
		RequestID: ev.RequestID,
		Response:  controlResponseBody{Behavior: behavior, Message: decision.Reason},
	})

	if s.postHook != nil && decision.Decision == HookAllow {
		s.postHook(HookRequest{HookEventName: "PostToolUse", ToolName: req.ToolName, ToolInput: req.ToolInput})
	}
}
