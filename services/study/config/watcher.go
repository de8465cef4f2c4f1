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
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/essaylab/services/revision"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk.
//
// # Description
//
// Only the study design and the prompt templates take effect on reload.
// Every other section is read once at startup; a change to one of them is
// logged and ignored until restart. A file that fails to load or validate
// leaves the current config in place.
//
// The parent directory is watched rather than the file so that editors
// which save by rename are seen.
//
// # Thread Safety
//
// Current is safe from any goroutine. Start and Stop are called once each.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	current atomic.Pointer[Config]
	prompts atomic.Pointer[Prompts]

	mu        sync.Mutex
	listeners []func(*Config)

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher returns a Watcher serving initial until the file changes.
func NewWatcher(path string, initial *Config, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prompts, err := NewPrompts(initial.Prompts)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		logger:   logger.With("component", "config_watcher", "path", path),
	}
	w.current.Store(initial)
	w.prompts.Store(prompts)
	return w, nil
}

// Current returns the active configuration. Callers must not modify it.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Prompts returns the active templates.
func (w *Watcher) Prompts() *Prompts {
	return w.prompts.Load()
}

// OnChange registers fn to run after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start begins watching. The loop exits when ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	w.done = make(chan struct{})
	go w.run(ctx)
	w.logger.Debug("Watching config file")
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
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
			if err := w.Reload(); err != nil {
				w.logger.Warn("Config reload rejected, keeping previous config", "error", err)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// Reload reads the file now and swaps in its study and prompt sections.
// A file that was moved or deleted is an error; the running study keeps
// its current settings and nothing is written to disk.
func (w *Watcher) Reload() error {
	loaded, err := loadExisting(w.path)
	if err != nil {
		return err
	}
	prompts, err := NewPrompts(loaded.Prompts)
	if err != nil {
		return err
	}

	prev := w.current.Load()
	next := *prev
	next.Study = loaded.Study
	next.Prompts = loaded.Prompts

	if restartOnlyChanged(prev, loaded) {
		w.logger.Info("Config change outside study/prompts needs a restart to take effect")
	}

	w.prompts.Store(prompts)
	w.current.Store(&next)
	w.logger.Info("Reloaded config", "conditions", len(next.Study.Conditions), "prompts", len(next.Prompts))

	w.mu.Lock()
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(&next)
	}
	return nil
}

func restartOnlyChanged(prev, loaded *Config) bool {
	a, b := *prev, *loaded
	a.Study, b.Study = StudyConfig{}, StudyConfig{}
	a.Prompts, b.Prompts = nil, nil
	return !reflect.DeepEqual(a, b)
}

// ToolPrompt renders with the templates active at call time.
func (w *Watcher) ToolPrompt(tool revision.ToolType, essay string) (string, error) {
	return w.Prompts().ToolPrompt(tool, essay)
}

var _ revision.PromptSource = (*Watcher)(nil)
