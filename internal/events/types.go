// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events provides the event bus the WorkerManager uses to publish
// worker lifecycle events to subscribers without handing out a live
// reference to worker state.
package events

import (
	"context"
	"time"
)

// Event represents an immutable event record.
type Event struct {
	ID        string                 `json:"id"`
	Version   string                 `json:"version"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	WorkerID  string                 `json:"workerId"`
	Payload   map[string]interface{} `json:"payload"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, event Event) error

// SubscriptionID uniquely identifies a subscription.
type SubscriptionID string

// EventFilter for querying event history.
type EventFilter struct {
	Types    []string  // Event types to match (supports wildcards)
	WorkerID string    // Filter by worker
	Since    time.Time // Events after this time
	Until    time.Time // Events before this time
	Limit    int       // Maximum events to return
}

// EventBus is the core event pub/sub system. Publish does not copy the
// payload map; the manager puts plain values in it, so subscribers never
// receive a live worker reference.
type EventBus interface {
	// Publish emits an event to all matching subscribers.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a synchronous handler for events matching pattern.
	Subscribe(pattern string, handler EventHandler) (SubscriptionID, error)

	// SubscribeAsync registers an async handler with buffered channel.
	SubscribeAsync(pattern string, handler EventHandler, bufferSize int) (SubscriptionID, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(id SubscriptionID) error

	// History retrieves past events matching filter.
	History(filter EventFilter) ([]Event, error)

	// SetDefaultWorker sets the default worker id for events that don't specify one.
	SetDefaultWorker(workerID string)

	// Close shuts down the event bus gracefully.
	Close() error
}

// Event types emitted by the WorkerManager and its collaborators.
const (
	EventWorkerCreated   = "worker.created"
	EventWorkerUpdated   = "worker.updated"
	EventWorkerMilestone = "worker.milestone"
	EventWorkerOutput    = "worker.output"
	EventWorkerDone      = "worker.done"
	EventWorkerError     = "worker.error"
	EventWorkerEvicted   = "worker.evicted"

	EventWorktreeCreated = "worktree.created"
	EventWorktreeFailed  = "worktree.failed"
	EventWorktreeRemoved = "worktree.removed"

	EventOutboxFlushed = "outbox.flushed"
	EventConfigChanged = "config.changed"
)
