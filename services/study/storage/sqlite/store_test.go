// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/essaylab/services/study/interactionlog"
	"github.com/AleutianAI/essaylab/services/study/session"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "study.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	v, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion(), v)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Len(t, counts, 4)
	for table, n := range counts {
		assert.Zero(t, n, table)
	}

	// Running again is a no-op.
	require.NoError(t, s.Migrate(ctx))
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.InsertSurvey(ctx, SurveyResponse{ParticipantID: "p1", SurveyType: "pre"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	surveys, err := s.ListSurveys(ctx)
	require.NoError(t, err)
	assert.Len(t, surveys, 1)
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), MemoryPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.InsertSnapshot(context.Background(), Snapshot{ParticipantID: "p1", Stage: "outline"})
	assert.NoError(t, err)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestSurveys(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.InsertSurvey(ctx, SurveyResponse{
		ParticipantID: "p_abc",
		SurveyType:    "pre",
		PromptID:      "b",
		Condition:     "3",
		Responses:     json.RawMessage(`{"q1":"agree","q2":4}`),
		CreatedAt:     at,
	})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	second, err := s.InsertSurvey(ctx, SurveyResponse{ParticipantID: "p_abc", SurveyType: "post"})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
	assert.JSONEq(t, `{}`, string(second.Responses))
	assert.False(t, second.CreatedAt.IsZero())

	got, err := s.ListSurveys(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, at, got[0].CreatedAt)
	assert.Equal(t, "3", got[0].Condition)
	assert.JSONEq(t, `{"q1":"agree","q2":4}`, string(got[0].Responses))
	assert.Equal(t, "post", got[1].SurveyType)
}

func TestInsertSurvey_Rejects(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	_, err := s.InsertSurvey(ctx, SurveyResponse{SurveyType: "pre"})
	assert.Error(t, err)
	_, err = s.InsertSurvey(ctx, SurveyResponse{ParticipantID: "p1", SurveyType: "pre", Responses: json.RawMessage(`{broken`)})
	assert.Error(t, err)
}

func TestSnapshots(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	for i, stage := range []string{"outline", "draft"} {
		_, err := s.InsertSnapshot(ctx, Snapshot{
			ParticipantID:      "p1",
			Stage:              stage,
			TimeFromStageStart: int64(i * 30000),
			TextContent:        "text " + stage,
			Type:               "periodic",
		})
		require.NoError(t, err)
	}
	_, err := s.InsertSnapshot(ctx, Snapshot{ParticipantID: "p2", Stage: "outline", TextContent: "other"})
	require.NoError(t, err)

	got, err := s.ListSnapshots(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "outline", got[0].Stage)
	assert.Equal(t, int64(30000), got[1].TimeFromStageStart)
	assert.Equal(t, "periodic", got[1].Type)

	_, err = s.InsertSnapshot(ctx, Snapshot{ParticipantID: "p1"})
	assert.Error(t, err)
}

func TestWriteEvents(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []interactionlog.Event{
		{ParticipantID: "p1", SessionID: "p1_1", Stage: "draft", TimeFromStageStart: 10, EventType: "keystroke:a", EventData: json.RawMessage(`{"key":"a"}`), CreatedAt: at},
		{ParticipantID: "p1", SessionID: "p1_1", Stage: "draft", TimeFromStageStart: 20, EventType: "button:submit", CreatedAt: at},
		{ParticipantID: "p2", Stage: "outline", EventType: "browser:focus", CreatedAt: at},
	}
	require.NoError(t, s.WriteEvents(ctx, events))
	require.NoError(t, s.WriteEvents(ctx, nil))

	got, err := s.ListLogs(ctx, "p1")
	require.NoError(t, err)

	want := []interactionlog.Event{
		events[0],
		{ParticipantID: "p1", SessionID: "p1_1", Stage: "draft", TimeFromStageStart: 20, EventType: "button:submit", EventData: json.RawMessage(`{}`), CreatedAt: at},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListLogs mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteEvents_CancelledLeavesNothing(t *testing.T) {
	s := openTemp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WriteEvents(ctx, []interactionlog.Event{{ParticipantID: "p1", Stage: "draft", EventType: "keystroke:a"}})
	require.Error(t, err)

	counts, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts["interaction_logs"])
}

func TestSessions(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.GetSession(ctx, "p_missing")
	assert.True(t, errors.Is(err, session.ErrNotFound))

	sess := session.Session{ParticipantID: "p_abc", SessionID: "p_abc_1", Condition: 2, PromptID: "c", CreatedAt: created}
	require.NoError(t, s.PutSession(ctx, sess))

	// Sessions are immutable; a second put does not overwrite.
	changed := sess
	changed.Condition = 4
	require.NoError(t, s.PutSession(ctx, changed))

	got, err := s.GetSession(ctx, "p_abc")
	require.NoError(t, err)
	assert.Equal(t, sess, got)
}

func TestParseTime(t *testing.T) {
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), parseTime("2025-03-01 12:00:00"))
	assert.True(t, parseTime("garbage").IsZero())
}
