// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package configwatch watches the runner's config file and republishes a
// config.changed event so local permission/budget defaults pick up edits
// without a restart. Grounded on the teacher's internal/watcher package:
// same fsnotify-plus-Debouncer idiom, narrowed to a single file.
package configwatch

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/buildd-run/runner/internal/config"
	"github.com/buildd-run/runner/internal/events"
)

const defaultDebounce = 250 * time.Millisecond

// debouncer is the teacher's internal/watcher.Debouncer, narrowed to the
// single key this package ever debounces on.
type debouncer struct {
	mu       sync.Mutex
	duration time.Duration
	timer    *time.Timer
}

func (d *debouncer) schedule(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Watcher watches one config file path for changes.
type Watcher struct {
	path     string
	bus      events.EventBus
	loader   *config.Loader
	watcher  *fsnotify.Watcher
	debounce *debouncer
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

// New creates a Watcher for path, publishing config.changed on bus whenever
// it changes and reloads cleanly.
func New(path string, bus events.EventBus, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	// Watch the containing directory rather than the file itself: editors
	// commonly replace a file via rename-on-save, which drops a direct watch.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	w := &Watcher{
		path:     abs,
		bus:      bus,
		loader:   config.NewLoader(),
		watcher:  fsw,
		debounce: &debouncer{duration: debounce},
		closeCh:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.debounce.schedule(w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("runner: config watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.LoadWithDefaults(context.Background(), w.path)
	if err != nil {
		log.Printf("runner: config reload failed, keeping previous config: %v", err)
		return
	}
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(context.Background(), events.Event{
		Type:    events.EventConfigChanged,
		Payload: map[string]interface{}{"path": w.path, "bypassPermissions": cfg.Permission.BypassPermissions, "maxBudgetUsd": cfg.Permission.MaxBudgetUSD},
	}); err != nil {
		log.Printf("runner: publish config.changed failed: %v", err)
	}
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	close(w.closeCh)
	w.debounce.stop()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
