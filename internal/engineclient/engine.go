// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package engineclient

import (
	"context"
)

// Engine starts engine runs. CLIEngine is the only production implementation;
// the interface exists so internal/manager never imports os/exec directly.
type Engine interface {
	// Start launches one engine run with the given prompt and options and
	// begins streaming events immediately. Callers must call Session.Cancel
	// when done to release the subprocess.
	Start(ctx context.Context, prompt string, opts Options) (*Session, error)
}

// InputMessage is one message written to the engine's stdin mid-session —
// either a user follow-up or a tool-approval response.
type InputMessage struct {
	Content         string
	ParentToolUseID string
	SessionID       string
}
