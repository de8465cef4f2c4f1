// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/essaylab/services/llm"
	"github.com/AleutianAI/essaylab/services/revision"
	"github.com/AleutianAI/essaylab/services/study/assignment"
	"github.com/AleutianAI/essaylab/services/study/config"
	"github.com/AleutianAI/essaylab/services/study/interactionlog"
	"github.com/AleutianAI/essaylab/services/study/observability"
	"github.com/AleutianAI/essaylab/services/study/session"
	"github.com/AleutianAI/essaylab/services/study/storage/badger"
	"github.com/AleutianAI/essaylab/services/study/storage/sqlite"
)

// =============================================================================
// Test Doubles
// =============================================================================

type MockLLMClient struct {
	mu         sync.Mutex
	Response   string
	Err        error
	CallCount  int
	LastPrompt string
}

func (m *MockLLMClient) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount++
	m.LastPrompt = prompt
	return m.Response, m.Err
}

func (m *MockLLMClient) set(response string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Response, m.Err = response, err
}

type captureEvents struct {
	mu     sync.Mutex
	events []interactionlog.Event
	full   bool
}

func (c *captureEvents) Record(ev interactionlog.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *captureEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.EventType
	}
	return out
}

// =============================================================================
// Harness
// =============================================================================

const (
	catEssay      = "The cat sat on the mat."
	clarityAnswer = "### Issue 1\n> \"cat sat\"\n> **Issue**: informal phrasing\n> **Fix**: \"feline rested\""
)

type harness struct {
	router   *gin.Engine
	sessions *session.Registry
	llm      *MockLLMClient
	events   *captureEvents
	store    *sqlite.Store
	archive  *badger.Archive
	metrics  *observability.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	source, err := StaticConfig(config.Default())
	require.NoError(t, err)

	store, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	archive, err := badger.OpenArchive(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	h := &harness{
		sessions: session.NewRegistry(session.Config{Store: store}),
		llm:      &MockLLMClient{},
		events:   &captureEvents{},
		store:    store,
		archive:  archive,
		metrics:  observability.New(prometheus.NewRegistry()),
	}
	runner := &revision.Runner{
		LLM:      h.llm,
		Prompts:  source.Prompts(),
		Archive:  archive,
		Observer: h.metrics,
		Timeout:  5 * time.Second,
	}
	deps := &RevisionDeps{Sessions: h.sessions, Config: source, Runner: runner, Events: h.events, Metrics: h.metrics}

	r := gin.New()
	r.GET("/health", HealthCheck)
	api := r.Group("/api")
	api.POST("/participants", CreateParticipant(h.sessions, source, assignment.New(nil)))
	api.GET("/participants/:participantId", GetParticipant(h.sessions, source))
	api.POST("/openai", ProxyCompletion(h.llm, llm.GenerationParams{}, h.metrics))
	api.POST("/ideas", GenerateIdeas(h.llm, llm.GenerationParams{}, h.sessions, source, h.events, h.metrics))
	api.POST("/survey/submit", SubmitSurvey(store))
	api.POST("/snapshot/submit", SubmitSnapshot(store))
	api.POST("/log", SubmitLogs(h.events))
	api.GET("/data", ListData(store))

	rev := api.Group("/revision/:participantId")
	rev.PUT("/stage", NavigateStage(deps))
	rev.PUT("/text", UpdateText(deps))
	rev.GET("/issues", GetIssues(deps))
	rev.POST("/tools/:tool", RunTool(deps))
	rev.POST("/tools/:tool/reparse", ReparseTool(deps))
	rev.GET("/tools/:tool/result", GetToolResult(deps))
	rev.POST("/issues/:issueId/:action", IssueAction(deps))

	h.router = r
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// enroll creates a participant in condition with topic "a".
func (h *harness) enroll(t *testing.T, participantID string, condition int) {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/participants",
		map[string]any{"participant_id": participantID, "condition": condition, "prompt_id": "a"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

// enterRevision enrolls participantID and moves them to the revision stage
// with text.
func (h *harness) enterRevision(t *testing.T, participantID string, condition int, text string) {
	t.Helper()
	h.enroll(t, participantID, condition)
	w := h.do(t, http.MethodPut, "/api/revision/"+participantID+"/stage",
		map[string]string{"stage": "revision", "text": text})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func farFuture() time.Time {
	return time.Now().Add(365 * 24 * time.Hour)
}
