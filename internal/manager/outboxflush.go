// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/buildd-run/runner/internal/builddserver"
	"github.com/buildd-run/runner/internal/outbox"
)

// flushOutboxEntry replays one queued mutating call against BuilddServer.
// It recognizes the three endpoint shapes §4.2 allows into the queue:
// worker status PATCH, memory-record POST, and plan POST.
func (m *Manager) flushOutboxEntry(ctx context.Context, e outbox.Entry) error {
	if m.server == nil {
		return fmt.Errorf("no server client configured")
	}

	switch {
	case e.Method == "PATCH" && strings.HasPrefix(e.Endpoint, "/api/workers/"):
		id := strings.TrimPrefix(e.Endpoint, "/api/workers/")
		var upd builddserver.Update
		if err := json.Unmarshal(e.Body, &upd); err != nil {
			return fmt.Errorf("unmarshal queued worker update: %w", err)
		}
		return m.server.Workers.Update(ctx, id, upd)

	case e.Method == "POST" && strings.HasSuffix(e.Endpoint, "/memory"):
		workspaceID := strings.TrimSuffix(strings.TrimPrefix(e.Endpoint, "/api/workspaces/"), "/memory")
		var body any
		if err := json.Unmarshal(e.Body, &body); err != nil {
			return fmt.Errorf("unmarshal queued memory record: %w", err)
		}
		return m.server.Workspaces.RecordMemory(ctx, workspaceID, body)

	case e.Method == "POST" && strings.HasSuffix(e.Endpoint, "/plan"):
		id := strings.TrimSuffix(strings.TrimPrefix(e.Endpoint, "/api/workers/"), "/plan")
		var body struct {
			Plan string `json:"plan"`
		}
		if err := json.Unmarshal(e.Body, &body); err != nil {
			return fmt.Errorf("unmarshal queued plan: %w", err)
		}
		return m.server.Workers.Plan(ctx, id, body.Plan)

	default:
		return fmt.Errorf("unrecognized queued entry %s %s", e.Method, e.Endpoint)
	}
}
