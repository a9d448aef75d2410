// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the server config file and triggers a hub reload
// when it changes. Editors often replace files rather than writing in
// place, so the parent directory is watched and events are filtered by
// name.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	reload    func(context.Context) error
	path      string
	logger    *slog.Logger

	// debounceDelay coalesces bursts of write events into one reload
	debounceDelay time.Duration

	mu      sync.Mutex
	pending *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherConfig configures the config file watcher.
type WatcherConfig struct {
	// Hub is reloaded when the config file changes
	Hub *Hub

	// Reload overrides the default hub reload. Useful when one file
	// drives several hubs, as with the per-user pool.
	Reload func(context.Context) error

	// Path is the config file to watch
	Path string

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// DebounceDelay coalesces change bursts (defaults to 500ms)
	DebounceDelay time.Duration
}

// NewWatcher creates and starts a config file watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	reload := cfg.Reload
	if reload == nil {
		if cfg.Hub == nil {
			return nil, fmt.Errorf("hub or reload func is required")
		}
		reload = cfg.Hub.ReloadServers
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 500 * time.Millisecond
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		fsWatcher:     fsWatcher,
		reload:        reload,
		path:          absPath,
		logger:        logger,
		debounceDelay: debounceDelay,
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	logger.Debug("watching server config file", "path", absPath)
	return w, nil
}

// processEvents filters filesystem events down to changes of the
// watched file and schedules debounced reloads.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.matchesPath(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) matchesPath(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	return abs == w.path
}

// scheduleReload resets the debounce timer so rapid successive writes
// collapse into a single reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceDelay, w.triggerReload)
}

func (w *Watcher) triggerReload() {
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()

	w.logger.Info("server config changed, reloading", "path", w.path)

	ctx, cancel := context.WithTimeout(w.ctx, time.Minute)
	defer cancel()
	if err := w.reload(ctx); err != nil {
		w.logger.Error("config reload failed", "error", err)
	}
}

// Close stops the watcher and waits for in-flight event handling.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsWatcher.Close()
}
