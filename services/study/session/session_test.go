// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/essaylab/services/revision"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	err      error
}

func (m *memoryStore) PutSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.sessions == nil {
		m.sessions = map[string]Session{}
	}
	m.sessions[s.ParticipantID] = s
	return nil
}

func (m *memoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Session{}, m.err
	}
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func fixed(condition int, prompt string) func() Assignment {
	return func() Assignment { return Assignment{Condition: condition, PromptID: prompt} }
}

// =============================================================================
// Identifier Tests
// =============================================================================

func TestNewParticipantID(t *testing.T) {
	pattern := regexp.MustCompile(`^p_[0-9a-z]{9}$`)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := NewParticipantID()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNewSessionID(t *testing.T) {
	at := time.UnixMilli(1714000000123)
	assert.Equal(t, "p_abc_1714000000123", NewSessionID("p_abc", at))
}

func TestValidParticipantID(t *testing.T) {
	assert.True(t, ValidParticipantID("p_k3j2h1g0f"))
	assert.True(t, ValidParticipantID("PROLIFIC-42"))
	assert.False(t, ValidParticipantID(""))
	assert.False(t, ValidParticipantID("../etc/passwd"))
	assert.False(t, ValidParticipantID("a b"))
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestRegistry_GetOrCreateIsStable(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	r := NewRegistry(Config{Now: clock.Now})

	calls := 0
	assign := func() Assignment {
		calls++
		return Assignment{Condition: 3, PromptID: "b"}
	}

	s1, created, err := r.GetOrCreate(context.Background(), "p_abc123xyz", assign)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 3, s1.Condition)
	assert.Equal(t, "b", s1.PromptID)
	assert.Equal(t, NewSessionID("p_abc123xyz", clock.Now()), s1.SessionID)

	clock.Advance(time.Minute)
	s2, created, err := r.GetOrCreate(context.Background(), "p_abc123xyz", fixed(1, "a"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s1, s2)
	assert.Equal(t, 1, calls)
}

func TestRegistry_GeneratesID(t *testing.T) {
	r := NewRegistry(Config{})
	s, created, err := r.GetOrCreate(context.Background(), "", fixed(1, "a"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Regexp(t, `^p_[0-9a-z]{9}$`, s.ParticipantID)
}

func TestRegistry_RejectsBadID(t *testing.T) {
	r := NewRegistry(Config{})
	_, _, err := r.GetOrCreate(context.Background(), "no spaces", fixed(1, "a"))
	assert.ErrorIs(t, err, ErrInvalidParticipant)
}

func TestRegistry_RestoresFromStore(t *testing.T) {
	store := &memoryStore{}
	first := NewRegistry(Config{Store: store})
	orig, _, err := first.GetOrCreate(context.Background(), "p_abc123xyz", fixed(2, "c"))
	require.NoError(t, err)

	second := NewRegistry(Config{Store: store})
	restored, created, err := second.GetOrCreate(context.Background(), "p_abc123xyz", fixed(4, "d"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, orig, restored)
}

func TestRegistry_Resume(t *testing.T) {
	store := &memoryStore{}
	first := NewRegistry(Config{Store: store})
	orig, _, err := first.GetOrCreate(context.Background(), "p_abc123xyz", fixed(3, "b"))
	require.NoError(t, err)

	second := NewRegistry(Config{Store: store})
	_, err = second.Get("p_abc123xyz")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := second.Resume(context.Background(), "p_abc123xyz")
	require.NoError(t, err)
	assert.Equal(t, orig, got)
	assert.Equal(t, 1, second.Len())

	_, err = second.Resume(context.Background(), "p_unknown00")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = second.Resume(context.Background(), "bad id")
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = NewRegistry(Config{}).Resume(context.Background(), "p_abc123xyz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_StoreFailure(t *testing.T) {
	store := &memoryStore{err: errors.New("database is locked")}
	r := NewRegistry(Config{Store: store})

	_, _, err := r.GetOrCreate(context.Background(), "p_abc123xyz", fixed(1, "a"))
	require.Error(t, err)
	assert.Zero(t, r.Len())
}

func TestRegistry_Workspace(t *testing.T) {
	r := NewRegistry(Config{})
	_, err := r.Workspace("p_missing00")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = r.GetOrCreate(context.Background(), "p_abc123xyz", fixed(4, "a"))
	require.NoError(t, err)

	ws, err := r.Workspace("p_abc123xyz")
	require.NoError(t, err)
	assert.Equal(t, revision.StageOutline, ws.Stage())

	again, err := r.Workspace("p_abc123xyz")
	require.NoError(t, err)
	assert.Same(t, ws, again)
}

func TestRegistry_Sweep(t *testing.T) {
	clock := &fakeClock{t: time.Now().Add(time.Hour)}
	r := NewRegistry(Config{IdleTimeout: 30 * time.Minute, Now: clock.Now})

	_, _, err := r.GetOrCreate(context.Background(), "p_idle00000", fixed(1, "a"))
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	_, _, err = r.GetOrCreate(context.Background(), "p_active000", fixed(1, "a"))
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	assert.Equal(t, []string{"p_idle00000"}, r.Sweep(clock.Now()))

	_, err = r.Get("p_idle00000")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("p_active000")
	assert.NoError(t, err)
}

func TestRegistry_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := &fakeClock{t: time.Now()}
	r := NewRegistry(Config{IdleTimeout: time.Minute, Now: clock.Now})
	_, _, err := r.GetOrCreate(context.Background(), "p_abc123xyz", fixed(1, "a"))
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background(), 5*time.Millisecond))
	assert.Error(t, r.Start(context.Background(), 5*time.Millisecond))

	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
}

func TestRegistry_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx, time.Hour))
	cancel()
	r.Stop()
}

func TestRegistry_RestartsAfterContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx, time.Hour))
	cancel()

	require.Eventually(t, func() bool {
		return r.Start(context.Background(), time.Hour) == nil
	}, time.Second, 5*time.Millisecond)
	r.Stop()
}

func TestRegistry_StartRejectsZeroInterval(t *testing.T) {
	r := NewRegistry(Config{})
	assert.Error(t, r.Start(context.Background(), 0))
}
