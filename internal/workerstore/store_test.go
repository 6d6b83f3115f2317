// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package workerstore

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildd-run/runner/internal/workerstate"
)

func TestSave_NoTmpFileRemains(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	w := &workerstate.Worker{ID: "w1", Status: workerstate.StatusWorking}
	require.NoError(t, s.Save(w))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"))
	}
}

func TestSaveLoad_RoundTripPreservesFields(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	w := &workerstate.Worker{
		ID:        "w1",
		Status:    workerstate.StatusWorking,
		SessionID: "s-123",
		Messages:  []workerstate.Message{{Type: workerstate.MessageText, Text: "hi"}},
	}
	require.NoError(t, s.Save(w))

	loaded, err := s.Load("w1")
	require.NoError(t, err)
	assert.Equal(t, "s-123", loaded.SessionID)
	assert.Equal(t, w.Messages, loaded.Messages)

	// Transient fields reset to documented defaults.
	assert.False(t, loaded.HasNewActivity)
	assert.Empty(t, loaded.CurrentAction)
	assert.Nil(t, loaded.SubagentTasks)
	assert.Nil(t, loaded.PhaseTools)
}

func TestLoad_CheckpointEventsRebuiltFromMilestones(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	w := &workerstate.Worker{
		ID:     "w1",
		Status: workerstate.StatusWorking,
		Milestones: []workerstate.Milestone{
			{Type: workerstate.MilestoneCheckpoint, Event: "ckpt-1"},
			{Type: workerstate.MilestoneStatus, Label: "not a checkpoint"},
			{Type: workerstate.MilestoneCheckpoint, Event: "ckpt-2"},
		},
	}
	require.NoError(t, s.Save(w))

	loaded, err := s.Load("w1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"ckpt-1": true, "ckpt-2": true}, loaded.CheckpointEvents)
}

func TestSave_TruncatesOversizedToolInput(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	w := &workerstate.Worker{
		ID:     "w1",
		Status: workerstate.StatusWorking,
		ToolCalls: []workerstate.ToolCall{
			{Name: "Write", Input: map[string]any{"content": strings.Repeat("x", 1000)}},
		},
	}
	require.NoError(t, s.Save(w))

	data, err := os.ReadFile(filepath.Join(dir, "w1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "_truncated")
}

func TestLoadAll_DeletesStaleRecord(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	w := &workerstate.Worker{ID: "w1", Status: workerstate.StatusDone}
	require.NoError(t, s.Save(w))

	// Backdate the saved file past the 24h cutoff.
	path := filepath.Join(dir, "w1.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	staleTime := time.Now().Add(-48 * time.Hour).UnixMilli()
	require.NoError(t, os.WriteFile(path, []byte(rewriteSavedAt(string(data), staleTime)), 0o644))

	workers, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, workers)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLoadAll_DeletesOrphanTmpFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan.json.tmp"), []byte("{}"), 0o644))

	_, err := s.LoadAll()
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "orphan.json.tmp"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLoadAll_DeletesUnparsableRecord(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	workers, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, workers)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func rewriteSavedAt(content string, ts int64) string {
	const marker = `"_savedAt": `
	idx := strings.Index(content, marker)
	if idx == -1 {
		return content
	}
	rest := content[idx+len(marker):]
	end := strings.IndexAny(rest, ",\n")
	return content[:idx] + marker + strconv.FormatInt(ts, 10) + rest[end:]
}
