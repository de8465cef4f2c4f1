// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlite stores study data in a single SQLite file.
//
// Four tables are kept: participants (one row per session), survey_responses,
// text_snapshots and interaction_logs. The Store implements session.Store and
// interactionlog.Sink so the registry and the recorder can use it directly.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/essaylab/services/study/interactionlog"
	"github.com/AleutianAI/essaylab/services/study/session"
)

const (
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"

	timeLayout = time.RFC3339Nano
)

// Store wraps the study database.
//
// # Thread Safety
//
// Safe for concurrent use. SQLite serializes writers; busy_timeout makes a
// blocked writer wait instead of failing.
type Store struct {
	db *sql.DB
}

var (
	_ session.Store        = (*Store)(nil)
	_ interactionlog.Sink = (*Store)(nil)
)

// SurveyResponse is one submitted survey. Responses is stored verbatim.
type SurveyResponse struct {
	ID            int64           `json:"id"`
	ParticipantID string          `json:"participant_id"`
	SurveyType    string          `json:"survey_type"`
	PromptID      string          `json:"prompt_id,omitempty"`
	Condition     string          `json:"condition,omitempty"`
	Responses     json.RawMessage `json:"responses"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Snapshot is the participant's text at one moment of a stage.
type Snapshot struct {
	ID                 int64     `json:"id"`
	ParticipantID      string    `json:"participant_id"`
	Stage              string    `json:"stage"`
	TimeFromStageStart int64     `json:"time_from_stage_start"`
	TextContent        string    `json:"text_content"`
	Type               string    `json:"type,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Open opens or creates the database at path and brings its schema up to
// date. Parent directories are created as needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty database path")
	}

	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for ad hoc queries from the CLI.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ===== Surveys =====

// InsertSurvey stores r and returns it with its id. A zero CreatedAt is
// set to now.
func (s *Store) InsertSurvey(ctx context.Context, r SurveyResponse) (SurveyResponse, error) {
	if r.ParticipantID == "" || r.SurveyType == "" {
		return r, errors.New("survey needs participant_id and survey_type")
	}
	if len(r.Responses) == 0 {
		r.Responses = json.RawMessage("{}")
	}
	if !json.Valid(r.Responses) {
		return r, errors.New("survey responses are not valid JSON")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO survey_responses (participant_id, survey_type, prompt_id, condition, responses, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ParticipantID, r.SurveyType, r.PromptID, r.Condition, string(r.Responses), r.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return r, fmt.Errorf("insert survey: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return r, fmt.Errorf("insert survey: %w", err)
	}
	return r, nil
}

// ListSurveys returns every survey in insertion order.
func (s *Store) ListSurveys(ctx context.Context) ([]SurveyResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, participant_id, survey_type, prompt_id, condition, responses, created_at
		 FROM survey_responses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list surveys: %w", err)
	}
	defer rows.Close()

	var out []SurveyResponse
	for rows.Next() {
		var (
			r         SurveyResponse
			responses string
			created   string
		)
		if err := rows.Scan(&r.ID, &r.ParticipantID, &r.SurveyType, &r.PromptID, &r.Condition, &responses, &created); err != nil {
			return nil, fmt.Errorf("scan survey: %w", err)
		}
		r.Responses = json.RawMessage(responses)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ===== Snapshots =====

// InsertSnapshot stores snap and returns it with its id.
func (s *Store) InsertSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error) {
	if snap.ParticipantID == "" || snap.Stage == "" {
		return snap, errors.New("snapshot needs participant_id and stage")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO text_snapshots (participant_id, stage, time_from_stage_start, text_content, type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ParticipantID, snap.Stage, snap.TimeFromStageStart, snap.TextContent, snap.Type, snap.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return snap, fmt.Errorf("insert snapshot: %w", err)
	}
	snap.ID, err = res.LastInsertId()
	if err != nil {
		return snap, fmt.Errorf("insert snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns one participant's snapshots, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, participantID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, participant_id, stage, time_from_stage_start, text_content, type, created_at
		 FROM text_snapshots WHERE participant_id = ? ORDER BY id`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			created string
		)
		if err := rows.Scan(&snap.ID, &snap.ParticipantID, &snap.Stage, &snap.TimeFromStageStart, &snap.TextContent, &snap.Type, &created); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.CreatedAt = parseTime(created)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ===== Interaction logs =====

// WriteEvents stores a batch in one transaction.
func (s *Store) WriteEvents(ctx context.Context, events []interactionlog.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO interaction_logs (participant_id, session_id, stage, time_from_stage_start, event_type, event_data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ev := range events {
			data := ev.EventData
			if len(data) == 0 {
				data = json.RawMessage("{}")
			}
			created := ev.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			if _, err := stmt.ExecContext(ctx,
				ev.ParticipantID, ev.SessionID, ev.Stage, ev.TimeFromStageStart,
				ev.EventType, string(data), created.UTC().Format(timeLayout)); err != nil {
				return fmt.Errorf("insert %s: %w", ev.EventType, err)
			}
		}
		return nil
	})
}

// ListLogs returns one participant's events, oldest first.
func (s *Store) ListLogs(ctx context.Context, participantID string) ([]interactionlog.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id, session_id, stage, time_from_stage_start, event_type, event_data, created_at
		 FROM interaction_logs WHERE participant_id = ? ORDER BY id`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []interactionlog.Event
	for rows.Next() {
		var (
			ev      interactionlog.Event
			data    string
			created string
		)
		if err := rows.Scan(&ev.ParticipantID, &ev.SessionID, &ev.Stage, &ev.TimeFromStageStart, &ev.EventType, &data, &created); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		ev.EventData = json.RawMessage(data)
		ev.CreatedAt = parseTime(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ===== Participants =====

// PutSession records a new session. Sessions never change once created, so
// a second put for the same participant keeps the first row.
func (s *Store) PutSession(ctx context.Context, sess session.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO participants (participant_id, session_id, condition, prompt_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ParticipantID, sess.SessionID, sess.Condition, sess.PromptID, sess.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

// GetSession loads a participant's session or returns session.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, participantID string) (session.Session, error) {
	var (
		sess    session.Session
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT participant_id, session_id, condition, prompt_id, created_at
		 FROM participants WHERE participant_id = ?`, participantID).
		Scan(&sess.ParticipantID, &sess.SessionID, &sess.Condition, &sess.PromptID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, fmt.Errorf("%w: %s", session.ErrNotFound, participantID)
	}
	if err != nil {
		return sess, fmt.Errorf("load participant: %w", err)
	}
	sess.CreatedAt = parseTime(created)
	return sess, nil
}

// Counts returns the row count of each table.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		// Table names come from the fixed list above, never from input.
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// ===== Helpers =====

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	// Rows written by the sqlite3 shell use CURRENT_TIMESTAMP.
	if t, err := time.Parse(time.DateTime, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
