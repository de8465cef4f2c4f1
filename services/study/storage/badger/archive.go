// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/essaylab/services/revision"
	"github.com/AleutianAI/essaylab/services/study/session"
)

// ErrNotFound means no archived result matches.
var ErrNotFound = errors.New("archived result not found")

const (
	resultPrefix = "result/"
	sequenceKey  = "seq/result"

	// sequenceLease is how many ids Badger reserves per disk write.
	sequenceLease = 64
)

// Entry is one archived result with its archive-wide sequence number.
type Entry struct {
	Seq        uint64                 `json:"seq"`
	ArchivedAt time.Time              `json:"archived_at"`
	Record     revision.ArchiveRecord `json:"record"`
}

// Archive stores raw tool results under
// result/<participant>/<stage>/<tool>/<seq>, with seq zero-padded so keys
// sort chronologically.
//
// # Thread Safety
//
// Safe for concurrent use.
type Archive struct {
	db    *DB
	seq   *badger.Sequence
	owned bool
	now   func() time.Time
}

var _ revision.ResultArchive = (*Archive)(nil)

// OpenArchive opens a database from cfg and wraps it. Close closes both.
func OpenArchive(cfg Config) (*Archive, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	a, err := NewArchive(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.owned = true
	return a, nil
}

// NewArchive wraps an already open database. The caller keeps ownership of
// db.
func NewArchive(db *DB) (*Archive, error) {
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceLease)
	if err != nil {
		return nil, fmt.Errorf("archive sequence: %w", err)
	}
	return &Archive{db: db, seq: seq, now: time.Now}, nil
}

// Close releases unused sequence ids and, for OpenArchive, the database.
func (a *Archive) Close() error {
	err := a.seq.Release()
	if a.owned {
		err = errors.Join(err, a.db.Close())
	}
	return err
}

// Put stores rec under a fresh sequence number.
func (a *Archive) Put(ctx context.Context, rec revision.ArchiveRecord) error {
	if !session.ValidParticipantID(rec.ParticipantID) {
		return fmt.Errorf("%w: %q", session.ErrInvalidParticipant, rec.ParticipantID)
	}
	seq, err := a.seq.Next()
	if err != nil {
		return fmt.Errorf("next archive id: %w", err)
	}
	entry := Entry{Seq: seq, ArchivedAt: a.now().UTC(), Record: rec}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode archive entry: %w", err)
	}

	key := resultKey(rec.ParticipantID, rec.Stage, rec.Result.Tool, seq)
	return a.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Latest returns the newest result for one participant, stage and tool.
func (a *Archive) Latest(ctx context.Context, participantID string, stage revision.Stage, tool revision.ToolType) (Entry, error) {
	prefix := []byte(fmt.Sprintf("%s%s/%s/%s/", resultPrefix, participantID, stage, tool))

	var (
		entry Entry
		found bool
	)
	err := a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode Seek lands on the last key <= its argument.
		seekKey := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seekKey)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return Entry{}, fmt.Errorf("read archive: %w", err)
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, participantID, stage, tool)
	}
	return entry, nil
}

// List returns every result for a participant, oldest first.
func (a *Archive) List(ctx context.Context, participantID string) ([]Entry, error) {
	prefix := []byte(resultPrefix + participantID + "/")

	var entries []Entry
	err := a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	// Keys group by stage and tool; callers want arrival order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func resultKey(participantID string, stage revision.Stage, tool revision.ToolType, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s/%020d", resultPrefix, participantID, stage, tool, seq))
}
