// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package manager implements the WorkerManager: the runner's central
// coordinator. It claims tasks from BuilddServer, spawns one isolated agent
// session per claimed task against the engine, multiplexes engine output to
// subscribers, persists worker state durably, and recovers gracefully across
// restarts (§4, §5, §8). It generalizes the teacher's internal/claude
// manager — one subprocess per worktree, a map of live sessions guarded by a
// mutex, event-bus publication on every state change — from a single
// developer's terminal sessions to many concurrently claimed tasks.
package manager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buildd-run/runner/internal/builddserver"
	"github.com/buildd-run/runner/internal/config"
	"github.com/buildd-run/runner/internal/doctor"
	"github.com/buildd-run/runner/internal/engineclient"
	"github.com/buildd-run/runner/internal/events"
	"github.com/buildd-run/runner/internal/outbox"
	"github.com/buildd-run/runner/internal/pushchannel"
	"github.com/buildd-run/runner/internal/stream"
	"github.com/buildd-run/runner/internal/workerstate"
	"github.com/buildd-run/runner/internal/workerstore"
)

// liveSession is the in-memory half of a worker with an active engine
// attempt (invariant: sessions[id] exists iff worker.HasActiveSession()).
type liveSession struct {
	worker *workerstate.Worker
	input  *stream.MessageStream
	engine *engineclient.Session
	cancel context.CancelFunc
}

// Manager coordinates every claimed worker's lifecycle.
type Manager struct {
	mu       sync.Mutex
	workers  map[string]*workerstate.Worker
	sessions map[string]*liveSession

	cfg    *config.Config
	server *builddserver.Client
	store  *workerstore.Store
	outbox *outbox.Outbox
	push   *pushchannel.Client
	bus    events.EventBus
	engine engineclient.Engine

	dirtyServer map[string]struct{}
	dirtyDisk   map[string]struct{}

	localUIURL string
	startedAt  time.Time
	allowlist  *allowlistCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the Manager's collaborators.
type Deps struct {
	Config     *config.Config
	Server     *builddserver.Client
	Store      *workerstore.Store
	Outbox     *outbox.Outbox
	Push       *pushchannel.Client
	Bus        events.EventBus
	Engine     engineclient.Engine // nil defaults to engineclient.NewCLIEngine()
	LocalUIURL string
}

// New constructs a Manager. Start must be called before it does any work.
func New(d Deps) *Manager {
	eng := d.Engine
	if eng == nil {
		eng = engineclient.NewCLIEngine()
	}
	return &Manager{
		workers:     make(map[string]*workerstate.Worker),
		sessions:    make(map[string]*liveSession),
		cfg:         d.Config,
		server:      d.Server,
		store:       d.Store,
		outbox:      d.Outbox,
		push:        d.Push,
		bus:         d.Bus,
		engine:      eng,
		dirtyServer: make(map[string]struct{}),
		dirtyDisk:   make(map[string]struct{}),
		localUIURL:  d.LocalUIURL,
		startedAt:   time.Now(),
		allowlist:   newAllowlistCache(),
	}
}

// Start loads persisted workers, runs the startup self-check (§3.1),
// recovers crashed in-flight workers (§8 scenario 6), and launches the
// manager's background loops: the push-channel reader and the seven
// periodic timers of §5. It returns once the initial load completes; the
// background loops keep running until Destroy is called.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	loaded, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load persisted workers: %w", err)
	}

	doctor.CheckWorktrees(loaded, m.cfg.Engine.BinaryPath)

	m.mu.Lock()
	for _, w := range loaded {
		if w.HasActiveSession() {
			// No process survives a restart: recover to error (§8 scenario 6).
			w.Status = workerstate.StatusError
			w.Error = "Runner restarted mid-session"
			now := time.Now().UnixMilli()
			w.CompletedAt = &now
			w.CurrentAction = ""
			m.markDirtyLocked(w.ID)
		}
		m.workers[w.ID] = w
	}
	m.mu.Unlock()

	for _, w := range loaded {
		m.publish(events.EventWorkerUpdated, w.ID, map[string]interface{}{"status": string(w.Status)})
	}

	if m.push != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.push.Run(m.ctx)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.runTimers(m.ctx); err != nil && m.ctx.Err() == nil {
			log.Printf("runner: manager: timer group exited: %v", err)
		}
	}()

	return nil
}

// Destroy cancels every background loop and active session and waits for
// them to unwind. It does not delete persisted state.
func (m *Manager) Destroy() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	sessions := make([]*liveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		s.input.End()
	}

	if m.push != nil {
		m.push.Close()
	}

	m.wg.Wait()
}

// runTimers drives the seven independently-failing periodic loops of §5,
// plus the claim loop, under one errgroup so a panic-free failure in one
// never stops the others from being canceled together on shutdown.
func (m *Manager) runTimers(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	intervals := m.timerIntervals()

	eg.Go(func() error {
		m.runLoop(ctx, parseDurationOr(m.cfg.Timers.StaleCheck, 30*time.Second), m.staleCheckTick)
		return nil
	})
	eg.Go(func() error { m.runLoop(ctx, intervals.serverSync, m.serverSyncTick); return nil })
	eg.Go(func() error { m.runLoop(ctx, intervals.operationalCleanup, m.operationalCleanupTick); return nil })
	eg.Go(func() error { m.runLoop(ctx, intervals.eviction, m.evictionTick); return nil })
	eg.Go(func() error { m.runLoop(ctx, intervals.diskPersist, m.diskPersistTick); return nil })
	eg.Go(func() error { m.runLoop(ctx, intervals.heartbeat, m.heartbeatTick); return nil })
	eg.Go(func() error { m.runLoop(ctx, intervals.envScan, m.envScanTick); return nil })
	eg.Go(func() error { m.runLoop(ctx, intervals.serverSync, m.claimTick); return nil })

	return eg.Wait()
}

// runLoop ticks fn every interval until ctx is canceled. A panic or error
// inside fn is logged and the loop continues — one bad tick must not end
// the loop (§5 "independently-failing").
func (m *Manager) runLoop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeTick(ctx, fn)
		}
	}
}

func (m *Manager) safeTick(ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("runner: manager: periodic tick panicked: %v", r)
		}
	}()
	fn(ctx)
}

type timerIntervals struct {
	serverSync         time.Duration
	operationalCleanup time.Duration
	eviction           time.Duration
	diskPersist        time.Duration
	heartbeat          time.Duration
	envScan            time.Duration
}

func (m *Manager) timerIntervals() timerIntervals {
	t := m.cfg.Timers
	return timerIntervals{
		serverSync:         parseDurationOr(t.ServerSync, 10*time.Second),
		operationalCleanup: parseDurationOr(t.OperationalCleanup, 30*time.Minute),
		eviction:           parseDurationOr(t.Eviction, 5*time.Minute),
		diskPersist:        parseDurationOr(t.DiskPersist, 5*time.Second),
		heartbeat:          parseDurationOr(t.Heartbeat, 5*time.Minute),
		envScan:            parseDurationOr(t.EnvScan, 30*time.Minute),
	}
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// markDirtyLocked flags id for the next server-sync and disk-persist flush.
// Callers must hold m.mu.
func (m *Manager) markDirtyLocked(id string) {
	m.dirtyServer[id] = struct{}{}
	m.dirtyDisk[id] = struct{}{}
}

// SetPush attaches the push-channel client after construction, since the
// client's Handler is built from the Manager itself (PushHandler) and so
// cannot be supplied at New time.
func (m *Manager) SetPush(p *pushchannel.Client) {
	m.push = p
}

// Worker returns a snapshot copy of worker id, if known. An id not in
// memory is looked up in the store; evictionTick deletes a worker's disk
// record along with its in-memory entry, so an evicted worker is not found.
func (m *Manager) Worker(id string) (workerstate.Worker, bool) {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if ok {
		return *w, true
	}

	if m.store == nil {
		return workerstate.Worker{}, false
	}
	loaded, err := m.store.Load(id)
	if err != nil {
		return workerstate.Worker{}, false
	}
	return *loaded, true
}

// ActiveWorkerCount reports how many workers currently hold a live session.
func (m *Manager) ActiveWorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Workers returns a snapshot of every known worker.
func (m *Manager) Workers() []workerstate.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]workerstate.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	return out
}

func (m *Manager) publish(eventType, workerID string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(context.Background(), events.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		WorkerID:  workerID,
		Payload:   payload,
	}); err != nil {
		log.Printf("runner: manager: publish %s for %s: %v", eventType, workerID, err)
	}
}

func errMessage(err error) string {
	if err == nil {
		return "Unknown error"
	}
	return err.Error()
}
