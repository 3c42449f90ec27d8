// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses editor event bursts (write, chmod, rename)
// into a single reload.
const watchDebounce = 250 * time.Millisecond

// ReloadHandler receives the previous and freshly loaded configuration
// after the config file changes on disk. It decides which changed
// sections can take effect at runtime.
type ReloadHandler func(old, updated *GatewayConfig)

// Watcher reloads the gateway configuration when its file changes.
//
// # Description
//
// The watcher monitors the directory containing the config file rather
// than the file itself: editors and sed replace files by rename, which
// silently breaks an inode-level watch. Events for other files in the
// directory are ignored.
//
// A rewritten file that no longer parses or validates is logged and
// dropped; the previous configuration stays in force. The gateway never
// runs on a config that Load would have rejected at startup.
//
// # Thread Safety
//
// Start and Stop are each safe to call once from any goroutine. The
// handler and all reloads run on the watcher's own goroutine, so a
// handler needs no locking against other reloads.
type Watcher struct {
	path     string
	handler  ReloadHandler
	debounce time.Duration
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	current  *GatewayConfig
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the config file at path. current is
// the configuration the gateway booted with; it becomes the "old" side
// of the first reload.
func NewWatcher(path string, current *GatewayConfig, handler ReloadHandler, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	if current == nil {
		return nil, fmt.Errorf("current config is nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("reload handler is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:     path,
		handler:  handler,
		debounce: watchDebounce,
		logger:   logger,
		watcher:  fw,
		current:  current,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The watcher stops when ctx is cancelled or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	go w.loop(ctx)
	w.logger.Info("config watcher started", "path", w.path)
	return nil
}

// Stop ends watching. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if err := w.watcher.Close(); err != nil {
			w.logger.Warn("error closing config watcher", "error", err)
		}
	})
}

// loop marks the config dirty on relevant events and lets a ticker
// flush the mark, so a burst of events costs one reload.
func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				dirty = true
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-ticker.C:
			if dirty {
				dirty = false
				w.reload()
			}
		}
	}
}

// relevant reports whether the event touches the config file with an
// operation that changes its contents.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// reload re-reads the file and hands old and new to the handler.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload skipped, previous config stays active",
			"path", w.path, "error", err)
		return
	}

	old := w.current
	w.current = cfg
	w.logger.Info("config reloaded", "path", w.path)
	w.handler(old, cfg)
}
