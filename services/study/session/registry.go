// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/essaylab/services/revision"
)

// DefaultIdleTimeout is how long an untouched session stays in memory.
const DefaultIdleTimeout = 2 * time.Hour

type entry struct {
	session   Session
	workspace *revision.Workspace
	lastSeen  time.Time
}

func (e *entry) lastActive() time.Time {
	last := e.lastSeen
	if e.workspace != nil {
		if t := e.workspace.LastTouched(); t.After(last) {
			last = t
		}
	}
	return last
}

// Registry holds the live sessions of the service.
//
// # Description
//
// Sessions are created once per participant and looked up by participant
// id. When a Store is configured, sessions are written through to it and
// a participant that was evicted (or seen before a restart) gets their
// original assignment back. Workspaces are memory only.
//
// # Thread Safety
//
// Safe for concurrent use. Start and Stop control the background sweeper.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	store   Store
	idle    time.Duration
	now     func() time.Time
	logger  *slog.Logger

	loopMu  sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// Config for NewRegistry. Zero values take defaults.
type Config struct {
	IdleTimeout time.Duration
	Store       Store
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewRegistry(cfg Config) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		entries: make(map[string]*entry),
		store:   cfg.Store,
		idle:    cfg.IdleTimeout,
		now:     cfg.Now,
		logger:  cfg.Logger.With("component", "session_registry"),
	}
}

// GetOrCreate returns the participant's session, creating it with assign
// when none exists.
//
// # Inputs
//
//   - participantID: Requested id. Empty generates a new one.
//   - assign: Called at most once, only when a session is created.
//
// # Outputs
//
//   - Session: The existing or new session.
//   - bool: True when the session was created by this call.
//   - error: ErrInvalidParticipant, or a store failure.
func (r *Registry) GetOrCreate(ctx context.Context, participantID string, assign func() Assignment) (Session, bool, error) {
	if participantID == "" {
		participantID = NewParticipantID()
	}
	if !ValidParticipantID(participantID) {
		return Session{}, false, fmt.Errorf("%w: %q", ErrInvalidParticipant, participantID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.entries[participantID]; ok {
		e.lastSeen = now
		return e.session, false, nil
	}

	if r.store != nil {
		s, err := r.store.GetSession(ctx, participantID)
		switch {
		case err == nil:
			r.entries[participantID] = &entry{session: s, lastSeen: now}
			r.logger.Info("Restored session", "participant_id", participantID, "condition", s.Condition)
			return s, false, nil
		case !errors.Is(err, ErrNotFound):
			return Session{}, false, fmt.Errorf("load session: %w", err)
		}
	}

	a := assign()
	s := Session{
		ParticipantID: participantID,
		SessionID:     NewSessionID(participantID, now),
		Condition:     a.Condition,
		PromptID:      a.PromptID,
		CreatedAt:     now.UTC(),
	}
	if r.store != nil {
		if err := r.store.PutSession(ctx, s); err != nil {
			return Session{}, false, fmt.Errorf("save session: %w", err)
		}
	}
	r.entries[participantID] = &entry{session: s, lastSeen: now}
	r.logger.Info("Created session",
		"participant_id", participantID,
		"session_id", s.SessionID,
		"condition", s.Condition,
		"prompt_id", s.PromptID)
	return s, true, nil
}

// Get returns a live session.
func (r *Registry) Get(participantID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[participantID]
	if !ok {
		return Session{}, ErrNotFound
	}
	e.lastSeen = r.now()
	return e.session, nil
}

// Resume returns the participant's session, restoring it from the store
// when it was evicted or the service restarted. It never creates one.
func (r *Registry) Resume(ctx context.Context, participantID string) (Session, error) {
	if !ValidParticipantID(participantID) {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidParticipant, participantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.entries[participantID]; ok {
		e.lastSeen = now
		return e.session, nil
	}
	if r.store == nil {
		return Session{}, ErrNotFound
	}
	s, err := r.store.GetSession(ctx, participantID)
	if err != nil {
		return Session{}, err
	}
	r.entries[participantID] = &entry{session: s, lastSeen: now}
	r.logger.Info("Restored session", "participant_id", participantID, "condition", s.Condition)
	return s, nil
}

// Workspace returns the participant's revision workspace, creating an
// empty one at the outline stage on first use.
func (r *Registry) Workspace(participantID string) (*revision.Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[participantID]
	if !ok {
		return nil, ErrNotFound
	}
	e.lastSeen = r.now()
	if e.workspace == nil {
		e.workspace = revision.NewWorkspace(revision.StageOutline, "")
	}
	return e.workspace, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep drops sessions idle longer than the timeout as of now and returns
// their participant ids in sorted order.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, e := range r.entries {
		if now.Sub(e.lastActive()) > r.idle {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// =============================================================================
// Background Sweeper
// =============================================================================

// Start runs Sweep every interval until ctx is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.running {
		return fmt.Errorf("session sweeper is already running")
	}
	r.running = true
	r.done = make(chan struct{})
	r.stopped = make(chan struct{})

	r.logger.Info("Session sweeper starting", "interval", interval.String(), "idle_timeout", r.idle.String())
	go r.runLoop(ctx, interval, r.done, r.stopped)
	return nil
}

// Stop ends the sweeper and waits for it to exit.
func (r *Registry) Stop() {
	r.loopMu.Lock()
	if !r.running {
		r.loopMu.Unlock()
		return
	}
	r.running = false
	close(r.done)
	stopped := r.stopped
	r.loopMu.Unlock()
	<-stopped
}

func (r *Registry) runLoop(ctx context.Context, interval time.Duration, done <-chan struct{}, stopped chan struct{}) {
	defer func() {
		// A loop that ends with its context is no longer running, so a
		// later Start succeeds without a Stop first.
		r.loopMu.Lock()
		if r.running && r.stopped == stopped {
			r.running = false
		}
		r.loopMu.Unlock()
		close(stopped)
	}()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Session sweeper stopped (context cancelled)")
			return
		case <-done:
			r.logger.Info("Session sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			if evicted := r.Sweep(r.now()); len(evicted) > 0 {
				r.logger.Info("Evicted idle sessions", "count", len(evicted), "remaining", r.Len())
			}
		}
	}
}
