// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/essaylab/pkg/ux"
	"github.com/AleutianAI/essaylab/pkg/validation"
	"github.com/AleutianAI/essaylab/services/revision"
	"github.com/AleutianAI/essaylab/services/study/config"
	"github.com/AleutianAI/essaylab/services/study/storage/badger"
	"github.com/AleutianAI/essaylab/services/study/storage/sqlite"
)

// =============================================================================
// db init
// =============================================================================

func runDBInit(cmd *cobra.Command, _ []string) error {
	p, err := printer(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return initDatabase(cmd.Context(), p, cfg.Storage.DBPath)
}

func initDatabase(ctx context.Context, p *ux.Printer, path string) error {
	store, err := sqlite.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	p.Success(fmt.Sprintf("Database ready at %s", path))

	tables := make([]string, 0, len(counts))
	for name := range counts {
		tables = append(tables, name)
	}
	slices.Sort(tables)
	for _, name := range tables {
		if p.Mode() == ux.ModeMachine {
			p.Record(name, strconv.FormatInt(counts[name], 10))
			continue
		}
		p.Info(fmt.Sprintf("%-18s %d rows", name, counts[name]))
	}
	return nil
}

// =============================================================================
// results
// =============================================================================

func runResults(cmd *cobra.Command, _ []string) error {
	p, err := printer(cmd)
	if err != nil {
		return err
	}
	participantID, err := validation.SanitizeParticipantID(resultsParticipant)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	archive, err := badger.OpenArchive(badger.Config{Path: cfg.Storage.ResultsPath})
	if err != nil {
		return fmt.Errorf("open result archive (is the service still running?): %w", err)
	}
	defer archive.Close()

	var tool revision.ToolType
	if resultsTool != "" {
		if tool, err = revision.ParseToolType(resultsTool); err != nil {
			return err
		}
	}
	return listResults(cmd.Context(), p, archive, participantID, tool)
}

// resultLister is the read side of the result archive.
type resultLister interface {
	List(ctx context.Context, participantID string) ([]badger.Entry, error)
}

func listResults(ctx context.Context, p *ux.Printer, archive resultLister, participantID string, tool revision.ToolType) error {
	entries, err := archive.List(ctx, participantID)
	if err != nil {
		return err
	}
	if tool != "" {
		entries = slices.DeleteFunc(entries, func(e badger.Entry) bool { return e.Record.Result.Tool != tool })
	}
	if len(entries) == 0 {
		p.Warning(fmt.Sprintf("No archived results for %s", participantID))
		return nil
	}

	for _, e := range entries {
		rec := e.Record
		if p.Mode() == ux.ModeMachine {
			p.Record(strconv.FormatUint(e.Seq, 10), e.ArchivedAt.Format(time.RFC3339), string(rec.Stage),
				string(rec.Result.Tool), string(rec.Result.Status), strconv.Itoa(rec.Issues),
				strconv.Itoa(rec.Rejected), strconv.FormatBool(rec.Applied))
			continue
		}
		title := fmt.Sprintf("#%d %s %s at %s", e.Seq, rec.Stage, rec.Result.Tool, e.ArchivedAt.Format(time.DateTime))
		p.Box(title, rec.Result.Raw)
		summary := fmt.Sprintf("%s, %d issues, %d rejected", rec.Result.Status, rec.Issues, rec.Rejected)
		if !rec.Applied {
			summary += ", discarded"
		}
		p.Muted(summary)
	}
	return nil
}
