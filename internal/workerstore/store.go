// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package workerstore is the durable, atomic disk persistence layer for
// worker records (§4.3). One JSON file per worker under the store
// directory, written via the teacher's tmp+rename idiom (see
// internal/cases/store.go saveCase), loaded with a 24h staleness cutoff and
// orphan-tmp cleanup.
package workerstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildd-run/runner/internal/workerstate"
)

const schemaVersion = 1

// maxRecordAge is the cutoff past which a persisted worker file is treated
// as stale and deleted on load (§4.3, §3 invariant 5).
const maxRecordAge = 24 * time.Hour

// persistedWorker is the on-disk envelope: the bounded, versioned subset of
// worker fields named in §4.3, plus the schema version and save time.
type persistedWorker struct {
	Version int   `json:"_version"`
	SavedAt int64 `json:"_savedAt"`

	ID              string                    `json:"id"`
	TaskID          string                    `json:"taskId"`
	TaskTitle       string                    `json:"taskTitle"`
	TaskDescription string                    `json:"taskDescription"`
	WorkspaceID     string                    `json:"workspaceId"`
	WorkspaceName   string                    `json:"workspaceName"`
	Branch          string                    `json:"branch"`
	PlanningMode    bool                      `json:"planningMode,omitempty"`
	Status          workerstate.Status        `json:"status"`
	Error           string                    `json:"error,omitempty"`
	LastActivity    int64                     `json:"lastActivity"`
	CompletedAt     *int64                    `json:"completedAt,omitempty"`
	SessionID       string                    `json:"sessionId,omitempty"`
	WaitingFor      *workerstate.WaitingFor   `json:"waitingFor,omitempty"`
	PlanContent     string                    `json:"planContent,omitempty"`
	Messages        []workerstate.Message     `json:"messages"`
	ToolCalls       []persistedToolCall       `json:"toolCalls"`
	Milestones      []workerstate.Milestone   `json:"milestones"`
	Commits         []workerstate.Commit      `json:"commits"`
	Output          []string                  `json:"output"`
	TeamState       *workerstate.TeamState    `json:"teamState,omitempty"`
	WorktreePath    string                    `json:"worktreePath,omitempty"`
	GitStats        *workerstate.GitStats     `json:"gitStats,omitempty"`
}

type persistedToolCall struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
	Input     any    `json:"input,omitempty"`
}

// Store persists Worker records as one JSON file per id.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (created on first write if absent).
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save atomically writes w to disk. Bounded collections are truncated and
// oversized tool-call inputs replaced with their truncated form before the
// write (§4.3 "Bounding before write").
func (s *Store) Save(w *workerstate.Worker) error {
	bounded := *w
	bounded.ApplyBounds()

	toolCalls := make([]persistedToolCall, len(bounded.ToolCalls))
	for i, tc := range bounded.ToolCalls {
		toolCalls[i] = persistedToolCall{
			Name:      tc.Name,
			Timestamp: tc.Timestamp,
			Input:     workerstate.BoundedInputForPersist(tc.Input),
		}
	}

	rec := persistedWorker{
		Version:         schemaVersion,
		SavedAt:         time.Now().UnixMilli(),
		ID:              bounded.ID,
		TaskID:          bounded.TaskID,
		TaskTitle:       bounded.TaskTitle,
		TaskDescription: bounded.TaskDescription,
		WorkspaceID:     bounded.WorkspaceID,
		WorkspaceName:   bounded.WorkspaceName,
		Branch:          bounded.Branch,
		PlanningMode:    bounded.PlanningMode,
		Status:          bounded.Status,
		Error:           bounded.Error,
		LastActivity:    bounded.LastActivity,
		CompletedAt:     bounded.CompletedAt,
		SessionID:       bounded.SessionID,
		WaitingFor:      bounded.WaitingFor,
		PlanContent:     bounded.PlanContent,
		Messages:        bounded.Messages,
		ToolCalls:       toolCalls,
		Milestones:      bounded.Milestones,
		Commits:         bounded.Commits,
		Output:          bounded.Output,
		TeamState:       bounded.TeamState,
		WorktreePath:    bounded.WorktreePath,
		GitStats:        bounded.GitStats,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal worker %s: %w", w.ID, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	path := s.pathFor(w.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp worker file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename tmp worker file: %w", err)
	}
	return nil
}

// Delete removes the persisted record for id, if any.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.pathFor(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Load reads a single worker record by id, applying the reconstruction
// rule: transient fields default to empty, checkpointEvents is rebuilt from
// loaded checkpoint milestones.
func (s *Store) Load(id string) (*workerstate.Worker, error) {
	return loadFile(s.pathFor(id))
}

func loadFile(path string) (*workerstate.Worker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec persistedWorker
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse worker record: %w", err)
	}

	age := time.Since(time.UnixMilli(rec.SavedAt))
	if age > maxRecordAge {
		return nil, errStale
	}

	toolCalls := make([]workerstate.ToolCall, len(rec.ToolCalls))
	checkpointEvents := map[string]bool{}
	for i, tc := range rec.ToolCalls {
		input, _ := tc.Input.(map[string]any)
		toolCalls[i] = workerstate.ToolCall{Name: tc.Name, Timestamp: tc.Timestamp, Input: input}
	}
	for _, m := range rec.Milestones {
		if m.Type == workerstate.MilestoneCheckpoint && m.Event != "" {
			checkpointEvents[m.Event] = true
		}
	}

	w := &workerstate.Worker{
		ID:              rec.ID,
		TaskID:          rec.TaskID,
		TaskTitle:       rec.TaskTitle,
		TaskDescription: rec.TaskDescription,
		WorkspaceID:     rec.WorkspaceID,
		WorkspaceName:   rec.WorkspaceName,
		Branch:          rec.Branch,
		PlanningMode:    rec.PlanningMode,
		Status:          rec.Status,
		Error:           rec.Error,
		LastActivity:    rec.LastActivity,
		CompletedAt:     rec.CompletedAt,
		SessionID:       rec.SessionID,
		WaitingFor:      rec.WaitingFor,
		PlanContent:     rec.PlanContent,
		Messages:        rec.Messages,
		ToolCalls:       toolCalls,
		Milestones:      rec.Milestones,
		Commits:         rec.Commits,
		Output:          rec.Output,
		TeamState:       rec.TeamState,
		WorktreePath:    rec.WorktreePath,
		GitStats:        rec.GitStats,

		// Transient fields: documented defaults.
		HasNewActivity:   false,
		CurrentAction:    "",
		SubagentTasks:    nil,
		Checkpoints:      nil,
		CheckpointEvents: checkpointEvents,
		PhaseText:        "",
		PhaseStart:       0,
		PhaseToolCount:   0,
		PhaseTools:       nil,
	}
	return w, nil
}

var errStale = fmt.Errorf("worker record older than %s", maxRecordAge)

// LoadAll scans the store directory: deletes orphan .tmp files, loads every
// .json file, deletes any that are unparsable or stale, and returns the
// surviving records.
func (s *Store) LoadAll() ([]*workerstate.Worker, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var workers []*workerstate.Worker
	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(s.dir, name)

		if strings.HasSuffix(name, ".tmp") {
			os.Remove(full)
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		w, err := loadFile(full)
		if err != nil {
			os.Remove(full)
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}
