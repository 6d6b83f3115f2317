// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqID() IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("e%d", n)
	}
}

func TestEnqueue_PatchWorkerDedupsByEndpoint(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "outbox.json"), seqID())
	o.Enqueue("PATCH", "/api/workers/w1", json.RawMessage(`{"status":"running"}`))
	o.Enqueue("PATCH", "/api/workers/w1", json.RawMessage(`{"status":"completed"}`))

	entries := o.Entries()
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"status":"completed"}`, string(entries[0].Body))
}

func TestEnqueue_RejectsNonQueueableShapes(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "outbox.json"), seqID())
	o.Enqueue("POST", "/api/workers/claim", nil)
	o.Enqueue("PATCH", "/api/workers/w1/skills", nil)
	assert.Equal(t, 0, o.Count())
}

func TestEnqueue_MemoryAndPlanAreDistinctEntries(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "outbox.json"), seqID())
	o.Enqueue("POST", "/api/workspaces/ws1/memory", json.RawMessage(`{}`))
	o.Enqueue("POST", "/api/workers/w1/plan", json.RawMessage(`{}`))
	assert.Equal(t, 2, o.Count())
}

func TestFlush_SuccessRemovesEntryAndResetsBackoff(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "outbox.json"), seqID())
	o.Enqueue("PATCH", "/api/workers/w1", json.RawMessage(`{}`))
	// Force a prior failure so backoff isn't already at the minimum.
	o.Flush(context.Background(), func(ctx context.Context, e Entry) error { return errors.New("fail") })
	require.Greater(t, o.Backoff(), minBackoff)

	o.Flush(context.Background(), func(ctx context.Context, e Entry) error { return nil })
	assert.Equal(t, 0, o.Count())
	assert.Equal(t, minBackoff, o.Backoff())
}

func TestFlush_FailureDoublesBackoffCappedAt300s(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "outbox.json"), seqID())
	o.Enqueue("PATCH", "/api/workers/w1", json.RawMessage(`{}`))

	fail := func(ctx context.Context, e Entry) error { return errors.New("down") }
	for i := 0; i < 10; i++ {
		o.Flush(context.Background(), fail)
	}
	assert.Equal(t, maxBackoff, o.Backoff())
}

func TestFlush_DropsEntryAfter10Failures(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "outbox.json"), seqID())
	o.Enqueue("PATCH", "/api/workers/w1", json.RawMessage(`{}`))

	fail := func(ctx context.Context, e Entry) error { return errors.New("down") }
	for i := 0; i < 9; i++ {
		o.Flush(context.Background(), fail)
		require.Equal(t, 1, o.Count())
	}
	o.Flush(context.Background(), fail)
	assert.Equal(t, 0, o.Count())
}

func TestOutbox_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	o := New(path, seqID())
	o.Enqueue("PATCH", "/api/workers/w1", json.RawMessage(`{"status":"running"}`))

	reloaded := New(path, seqID())
	require.Equal(t, 1, reloaded.Count())
	assert.Equal(t, "/api/workers/w1", reloaded.Entries()[0].Endpoint)
}

func TestOutbox_CorruptJSONStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	o := New(path, seqID())
	assert.Equal(t, 0, o.Count())
}

func TestOutbox_OnlyOneFlushAtATime(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "outbox.json"), seqID())
	o.Enqueue("PATCH", "/api/workers/w1", json.RawMessage(`{}`))

	started := make(chan struct{})
	release := make(chan struct{})
	go o.Flush(context.Background(), func(ctx context.Context, e Entry) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// A concurrent flush call should return immediately without blocking.
	done := make(chan struct{})
	go func() {
		o.Flush(context.Background(), func(ctx context.Context, e Entry) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Flush call should not block")
	}
	close(release)
}
