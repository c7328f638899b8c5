// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
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

// Watcher keeps the latest valid configuration loaded from a file.
//
// Description:
//
//	The file's directory is watched so editors that replace the file by
//	rename are seen. Events are debounced; a reload that fails to parse or
//	validate is logged and the previous configuration stays current.
//	Callers take a snapshot with Current when starting a run, so a reload
//	never changes a run in flight.
//
// Thread Safety:
//
//	Safe for concurrent use. Subscribers are called from the watcher
//	goroutine.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu          sync.RWMutex
	current     *Config
	subscribers []func(*Config)

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher loads path and prepares a watcher for it.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(abs)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     abs,
		logger:   logger.With(slog.String("config", abs)),
		debounce: 100 * time.Millisecond,
		watcher:  fw,
		current:  cfg,
		done:     make(chan struct{}),
	}, nil
}

// Current returns the latest valid configuration. The caller must not
// modify it.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe registers fn to receive every successfully reloaded config.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	w.subscribers = append(w.subscribers, fn)
	w.mu.Unlock()
}

// Start watches until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	go w.loop(ctx)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous", slog.String("error", err.Error()))
		return
	}
	w.mu.Lock()
	w.current = cfg
	subs := append(([]func(*Config))(nil), w.subscribers...)
	w.mu.Unlock()

	w.logger.Info("config reloaded", slog.String("hash", cfg.Hash()))
	for _, fn := range subs {
		fn(cfg)
	}
}
