// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

var tables = []string{"participants", "survey_responses", "text_snapshots", "interaction_logs"}

// migrations are applied in order. migrations[i] moves user_version from i
// to i+1; never edit one that has shipped.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS participants (
  participant_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  condition INTEGER NOT NULL,
  prompt_id TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS survey_responses (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  participant_id TEXT NOT NULL,
  survey_type TEXT NOT NULL,
  prompt_id TEXT NOT NULL DEFAULT '',
  condition TEXT NOT NULL DEFAULT '',
  responses TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS text_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  participant_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  time_from_stage_start INTEGER NOT NULL,
  text_content TEXT NOT NULL,
  type TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS interaction_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  participant_id TEXT NOT NULL,
  session_id TEXT NOT NULL DEFAULT '',
  stage TEXT NOT NULL,
  time_from_stage_start INTEGER NOT NULL,
  event_type TEXT NOT NULL,
  event_data TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_survey_participant_id ON survey_responses(participant_id);
CREATE INDEX IF NOT EXISTS idx_snapshot_participant_id ON text_snapshots(participant_id);
CREATE INDEX IF NOT EXISTS idx_interaction_participant_id ON interaction_logs(participant_id);
CREATE INDEX IF NOT EXISTS idx_interaction_event_type ON interaction_logs(event_type);
`,
}

// SchemaVersion is the user_version after Migrate.
func SchemaVersion() int {
	return len(migrations)
}

// Migrate applies any migrations the database has not seen. It is safe to
// call on every start.
func (s *Store) Migrate(ctx context.Context) error {
	version, err := s.Version(ctx)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Version returns the schema version recorded in the database.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
