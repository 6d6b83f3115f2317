// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package outbox implements the durable offline retry queue for mutating
// BuilddServer calls that must eventually land (§4.2). Persistence follows
// the teacher's tmp+rename idiom (internal/cases/store.go), applied here to
// one full-snapshot file rather than one file per entry.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	minBackoff = 30 * time.Second
	maxBackoff = 300 * time.Second
	maxRetries = 10
)

// Entry is one queued mutating request.
type Entry struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	Endpoint  string          `json:"endpoint"`
	Body      json.RawMessage `json:"body,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Retries   int             `json:"retries"`
}

type snapshot struct {
	Entries   []Entry `json:"entries"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Handler executes one queued entry against the server. A non-nil error
// means the attempt failed and the entry's retry count increments.
type Handler func(ctx context.Context, e Entry) error

// IDGenerator returns a new unique entry id; overridable for tests.
type IDGenerator func() string

// Outbox is a single-instance, self-serializing durable queue.
type Outbox struct {
	mu       sync.Mutex
	path     string
	entries  []Entry
	backoff  time.Duration
	flushing bool
	genID    IDGenerator
}

// New constructs an Outbox backed by path, loading any existing snapshot.
// Corrupt JSON starts the queue empty, per §4.2.
func New(path string, genID IDGenerator) *Outbox {
	o := &Outbox{path: path, backoff: minBackoff, genID: genID}
	if genID == nil {
		o.genID = defaultID
	}
	o.load()
	return o
}

func defaultID() string {
	return fmt.Sprintf("ob-%d", time.Now().UnixNano())
}

func (o *Outbox) load() {
	data, err := os.ReadFile(o.path)
	if err != nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		o.entries = nil
		return
	}
	o.entries = snap.Entries
}

// isQueueablePath reports whether a PATCH/POST path is one of the three
// endpoint shapes §4.2 allows into the queue.
func isQueueablePath(method, endpoint string) bool {
	switch {
	case method == "PATCH" && strings.HasPrefix(endpoint, "/api/workers/") && !strings.Contains(endpoint[len("/api/workers/"):], "/"):
		return true
	case method == "POST" && strings.HasPrefix(endpoint, "/api/workspaces/") && strings.HasSuffix(endpoint, "/memory"):
		return true
	case method == "POST" && strings.HasPrefix(endpoint, "/api/workers/") && strings.HasSuffix(endpoint, "/plan"):
		return true
	}
	return false
}

// Enqueue queues a mutating call. GET, the claim endpoint, and any
// /workers/{id}/… suffix other than /plan are not queueable: Enqueue checks
// the shape itself (isQueueablePath) and is a no-op for them.
func (o *Outbox) Enqueue(method, endpoint string, body json.RawMessage) {
	if !isQueueablePath(method, endpoint) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if method == "PATCH" {
		for i, e := range o.entries {
			if e.Method == "PATCH" && e.Endpoint == endpoint {
				o.entries[i].Body = body
				o.entries[i].Timestamp = time.Now().UnixMilli()
				o.persistLocked()
				return
			}
		}
	}

	o.entries = append(o.entries, Entry{
		ID:        o.genID(),
		Method:    method,
		Endpoint:  endpoint,
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	})
	o.persistLocked()
}

// Count returns the number of queued entries.
func (o *Outbox) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Entries returns an immutable copy of the current queue.
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Entry, len(o.entries))
	copy(out, o.entries)
	return out
}

// Backoff returns the current flush-retry interval.
func (o *Outbox) Backoff() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.backoff
}

// Flush attempts every queued entry once via handler. Successful entries are
// removed; failed ones have Retries incremented and are dropped at
// maxRetries. Backoff doubles on any failure (capped at maxBackoff) and
// resets to minBackoff on any success. Only one flush runs at a time.
func (o *Outbox) Flush(ctx context.Context, handler Handler) {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	pending := make([]Entry, len(o.entries))
	copy(pending, o.entries)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.flushing = false
		o.mu.Unlock()
	}()

	anySuccess := false
	anyFailure := false
	var survivors []Entry

	for _, e := range pending {
		if err := handler(ctx, e); err != nil {
			e.Retries++
			anyFailure = true
			if e.Retries < maxRetries {
				survivors = append(survivors, e)
			}
			continue
		}
		anySuccess = true
	}

	o.mu.Lock()
	o.entries = mergeSurvivors(o.entries, pending, survivors)
	if anyFailure {
		o.backoff *= 2
		if o.backoff > maxBackoff {
			o.backoff = maxBackoff
		}
	}
	if anySuccess {
		o.backoff = minBackoff
	}
	o.persistLocked()
	o.mu.Unlock()
}

// mergeSurvivors replaces the entries that were part of this flush attempt
// with their post-flush state (or removes them), while preserving any
// entries enqueued concurrently during the flush.
func mergeSurvivors(current, attempted, survivors []Entry) []Entry {
	survivorByID := make(map[string]Entry, len(survivors))
	for _, s := range survivors {
		survivorByID[s.ID] = s
	}
	attemptedIDs := make(map[string]bool, len(attempted))
	for _, a := range attempted {
		attemptedIDs[a.ID] = true
	}

	var result []Entry
	for _, e := range current {
		if !attemptedIDs[e.ID] {
			result = append(result, e)
			continue
		}
		if s, ok := survivorByID[e.ID]; ok {
			result = append(result, s)
		}
	}
	return result
}

func (o *Outbox) persistLocked() {
	snap := snapshot{Entries: o.entries, UpdatedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(o.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	if err := os.Rename(tmp, o.path); err != nil {
		os.Remove(tmp)
	}
}
