// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"log"
	"time"

	"github.com/buildd-run/runner/internal/builddserver"
	"github.com/buildd-run/runner/internal/doctor"
	"github.com/buildd-run/runner/internal/events"
	"github.com/buildd-run/runner/internal/workerstate"
)

// staleThreshold is the lastActivity age past which a working worker is
// promoted to stale (§5, §8 resolved Open Question: 300s).
const staleThreshold = 300 * time.Second

// staleCheckTick ticks every 30s and promotes any worker whose lastActivity
// is older than staleThreshold from working to stale.
func (m *Manager) staleCheckTick(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var promoted []string
	for id, w := range m.workers {
		if w.Status != workerstate.StatusWorking {
			continue
		}
		age := now.Sub(time.UnixMilli(w.LastActivity))
		if age > staleThreshold {
			w.Status = workerstate.StatusStale
			m.markDirtyLocked(id)
			promoted = append(promoted, id)
		}
	}
	m.mu.Unlock()

	for _, id := range promoted {
		m.publish(events.EventWorkerUpdated, id, map[string]interface{}{"status": "stale"})
	}
}

// serverSyncTick flushes every dirty-for-server worker as a PATCH to
// BuilddServer, falling back to the Outbox on failure (§4.2).
func (m *Manager) serverSyncTick(ctx context.Context) {
	if m.server == nil {
		return
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.dirtyServer))
	for id := range m.dirtyServer {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		w, ok := m.workers[id]
		var snapshot workerstate.Worker
		if ok {
			snapshot = *w
		}
		m.mu.Unlock()
		if !ok {
			continue
		}

		upd := updateFromWorker(snapshot)
		if err := m.server.Workers.Update(ctx, id, upd); err != nil {
			if m.outbox != nil {
				body, _ := marshalUpdate(upd)
				m.outbox.Enqueue("PATCH", "/api/workers/"+id, body)
			}
			log.Printf("runner: manager: server sync for %s failed, queued to outbox: %v", id, err)
			continue
		}

		m.mu.Lock()
		delete(m.dirtyServer, id)
		m.mu.Unlock()
	}

	if m.outbox != nil && m.outbox.Count() > 0 {
		m.outbox.Flush(ctx, m.flushOutboxEntry)
	}
}

func updateFromWorker(w workerstate.Worker) builddserver.Update {
	upd := builddserver.Update{
		CurrentAction: w.CurrentAction,
		Milestones:    w.Milestones,
		WaitingFor:    w.WaitingFor,
		Error:         w.Error,
	}
	switch w.Status {
	case workerstate.StatusWaiting:
		upd.Status = builddserver.UpdateWaitingInput
	case workerstate.StatusDone:
		upd.Status = builddserver.UpdateCompleted
	case workerstate.StatusError:
		upd.Status = builddserver.UpdateFailed
	default:
		upd.Status = builddserver.UpdateRunning
	}
	if w.GitStats != nil {
		upd.CommitCount = w.GitStats.CommitCount
		upd.FilesChanged = w.GitStats.FilesChanged
		upd.LinesAdded = w.GitStats.LinesAdded
		upd.LinesRemoved = w.GitStats.LinesRemoved
		upd.LastCommitSHA = w.GitStats.LastCommitSHA
	}
	return upd
}

// operationalCleanupTick notifies BuilddServer that this runner completed
// its operational cleanup pass (§6 /api/cleanup).
func (m *Manager) operationalCleanupTick(ctx context.Context) {
	if m.server == nil {
		return
	}
	if err := m.server.Cleanup(ctx); err != nil {
		log.Printf("runner: manager: operational cleanup call failed: %v", err)
	}
}

// evictionWindow is how long a terminal worker survives in memory/on disk
// before it is evicted.
const evictionWindow = 10 * time.Minute

// evictionTick removes done/error workers whose completedAt is older than
// evictionWindow from memory and from disk.
func (m *Manager) evictionTick(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var evict []string
	for id, w := range m.workers {
		if !w.IsTerminal() || w.CompletedAt == nil {
			continue
		}
		age := now.Sub(time.UnixMilli(*w.CompletedAt))
		if age > evictionWindow {
			evict = append(evict, id)
		}
	}
	for _, id := range evict {
		delete(m.workers, id)
		delete(m.dirtyServer, id)
		delete(m.dirtyDisk, id)
	}
	m.mu.Unlock()

	for _, id := range evict {
		if m.store != nil {
			if err := m.store.Delete(id); err != nil {
				log.Printf("runner: manager: evict worker %s from disk: %v", id, err)
			}
		}
		m.publish(events.EventWorkerEvicted, id, nil)
	}
}

// diskPersistTick flushes every dirty-for-disk worker to the WorkerStore.
func (m *Manager) diskPersistTick(ctx context.Context) {
	if m.store == nil {
		return
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.dirtyDisk))
	for id := range m.dirtyDisk {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		w, ok := m.workers[id]
		var snapshot workerstate.Worker
		if ok {
			snapshot = *w
		}
		m.mu.Unlock()
		if !ok {
			m.mu.Lock()
			delete(m.dirtyDisk, id)
			m.mu.Unlock()
			continue
		}

		if err := m.store.Save(&snapshot); err != nil {
			log.Printf("runner: manager: persist worker %s: %v", id, err)
			continue
		}
		m.mu.Lock()
		delete(m.dirtyDisk, id)
		m.mu.Unlock()
	}
}

// heartbeatTick reports this runner's liveness and active-worker count.
func (m *Manager) heartbeatTick(ctx context.Context) {
	if m.server == nil {
		return
	}
	_, err := m.server.Heartbeat(ctx, builddserver.HeartbeatRequest{
		LocalUIURL:  m.localUIURL,
		ActiveCount: m.ActiveWorkerCount(),
	})
	if err != nil {
		log.Printf("runner: manager: heartbeat failed: %v", err)
	}
}

// envScanTick is a slow, low-priority pass: it is the hook point for
// periodic environment/toolchain re-detection (e.g. engine binary version
// drift). Nothing in this runner's scope currently varies with the host
// environment beyond what doctor.CheckWorktrees already inspects at
// startup, so this re-runs that same check.
func (m *Manager) envScanTick(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*workerstate.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		snapshot = append(snapshot, &cp)
	}
	m.mu.Unlock()
	doctor.CheckWorktrees(snapshot, m.cfg.Engine.BinaryPath)
}
