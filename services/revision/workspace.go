// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNoResult is returned when a tool has not produced a result yet in the
// current stage.
var ErrNoResult = errors.New("no result for tool")

// =============================================================================
// Stages
// =============================================================================

// Stage is one step of the writing task.
type Stage string

const (
	StageOutline  Stage = "outline"
	StageDraft    Stage = "draft"
	StageRevision Stage = "revision"
)

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	switch st := Stage(strings.ToLower(strings.TrimSpace(s))); st {
	case StageOutline, StageDraft, StageRevision:
		return st, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// =============================================================================
// Types
// =============================================================================

// Ticket identifies one tool invocation. It carries the essay text the
// prompt was built from.
type Ticket struct {
	Tool       ToolType `json:"tool"`
	Stage      Stage    `json:"stage"`
	Generation uint64   `json:"generation"`
	Seq        uint64   `json:"seq"`
	Essay      string   `json:"-"`
}

// DiscardReason says why a tool result was not applied.
type DiscardReason string

const (
	DiscardNone         DiscardReason = ""
	DiscardStageChanged DiscardReason = "stage_changed"
	DiscardSuperseded   DiscardReason = "superseded"
)

// Outcome reports what CompleteInvocation did with a result.
type Outcome struct {
	Applied bool          `json:"applied"`
	Discard DiscardReason `json:"discard,omitempty"`
	Parse   ParseResult   `json:"parse"`
	Changed []string      `json:"changed,omitempty"`
}

// RemedyOutcome reports the effect of ApplyRemedy.
type RemedyOutcome struct {
	Applied bool      `json:"applied"`
	Edit    Edit      `json:"edit"`
	Issue   IssueView `json:"issue"`
	Changed []string  `json:"changed,omitempty"`
}

// Snapshot is a consistent read of a workspace.
type Snapshot struct {
	Stage      Stage        `json:"stage"`
	Generation uint64       `json:"generation"`
	Text       string       `json:"text"`
	Issues     []IssueView  `json:"issues"`
	Spans      []Span       `json:"spans"`
	Results    []ToolResult `json:"results"`
}

// =============================================================================
// Workspace
// =============================================================================

// Workspace owns one participant's writing state: the essay text, the
// issue store, the current stage and the latest raw result per tool.
//
// # Description
//
// Every operation takes the workspace lock and runs to completion, so text
// reconciliation, parsing and edit application never interleave. Model
// calls happen outside the lock between BeginInvocation and
// CompleteInvocation. Navigating to another stage bumps the generation
// counter; tickets from an earlier generation are discarded on arrival.
//
// # Thread Safety
//
// Safe for concurrent use.
type Workspace struct {
	mu         sync.Mutex
	text       string
	stage      Stage
	generation uint64
	store      *Store
	results    map[ToolType]ToolResult
	touched    time.Time
	stageStart time.Time
	now        func() time.Time
}

// NewWorkspace creates a workspace positioned at stage with text.
func NewWorkspace(stage Stage, text string) *Workspace {
	w := &Workspace{
		text:    text,
		stage:   stage,
		store:   NewStore(),
		results: make(map[ToolType]ToolResult),
		now:     time.Now,
	}
	w.touched = w.now()
	w.stageStart = w.touched
	return w
}

// Text returns the current essay text.
func (w *Workspace) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text
}

// Stage returns the current stage.
func (w *Workspace) Stage() Stage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stage
}

// LastTouched returns when the workspace was last mutated.
func (w *Workspace) LastTouched() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.touched
}

// StageStarted returns when the workspace entered its current stage.
func (w *Workspace) StageStarted() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stageStart
}

// SetText replaces the essay text and reconciles resolved flags. It returns
// the ids whose resolved flag changed.
func (w *Workspace) SetText(text string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.text = text
	w.touched = w.now()
	return w.store.RecomputeResolved(text)
}

// BeginInvocation allocates a ticket for a run of tool against the current
// essay.
func (w *Workspace) BeginInvocation(tool ToolType) (Ticket, error) {
	if _, ok := LookupTool(tool); !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touched = w.now()
	return Ticket{
		Tool:       tool,
		Stage:      w.stage,
		Generation: w.generation,
		Seq:        w.store.BeginRun(tool),
		Essay:      w.text,
	}, nil
}

// CompleteInvocation applies the result of a ticketed run.
//
// # Description
//
// The result is discarded when the stage changed since the ticket was
// issued, or when a newer run of the same tool has already been applied.
// Otherwise the raw answer is kept verbatim, parsed against the essay as
// it is now (not as it was when the ticket was issued), and replaces the
// tool's issues in the store.
//
// # Outputs
//
//   - Outcome: Applied, or the discard reason.
//   - error: Only for a ticket naming an unknown tool.
func (w *Workspace) CompleteInvocation(ticket Ticket, result ToolResult) (Outcome, error) {
	if _, ok := LookupTool(ticket.Tool); !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownTool, ticket.Tool)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if ticket.Generation != w.generation {
		return Outcome{Discard: DiscardStageChanged}, nil
	}
	if !w.store.Admit(ticket.Tool, ticket.Seq) {
		return Outcome{Discard: DiscardSuperseded}, nil
	}

	result.Tool = ticket.Tool
	result.Seq = ticket.Seq
	if result.ReceivedAt.IsZero() {
		result.ReceivedAt = w.now()
	}
	w.results[ticket.Tool] = result
	w.touched = w.now()

	parsed, changed := w.reparseLocked(ticket.Tool, result.Raw)
	return Outcome{Applied: true, Parse: parsed, Changed: changed}, nil
}

// Reparse runs the parser again on the retained raw result of tool.
func (w *Workspace) Reparse(tool ToolType) (ParseResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	result, ok := w.results[tool]
	if !ok {
		return ParseResult{Tool: tool}, fmt.Errorf("%w: %s", ErrNoResult, tool)
	}
	parsed, _ := w.reparseLocked(tool, result.Raw)
	return parsed, nil
}

func (w *Workspace) reparseLocked(tool ToolType, raw string) (ParseResult, []string) {
	parsed := Parse(tool, raw, w.text)
	w.store.ReplaceToolIssues(tool, parsed.Issues)
	return parsed, w.store.RecomputeResolved(w.text)
}

// Result returns the latest raw result of tool in the current stage.
func (w *Workspace) Result(tool ToolType) (ToolResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.results[tool]
	return r, ok
}

// ApplyRemedy applies an issue's remedy to the essay.
//
// # Description
//
// A stale remedy (the anchor is gone, so the issue is resolved) or a
// dismissed issue leaves the essay unchanged and reports Applied == false.
// On success the essay is updated, the issue is dismissed and every issue
// is reconciled against the new text.
//
// # Outputs
//
//   - RemedyOutcome: The edit and the issue's state after the call.
//   - error: ErrIssueNotFound, or ErrNoRemedy for advisory issues.
func (w *Workspace) ApplyRemedy(id string) (RemedyOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	view, ok := w.store.Get(id)
	if !ok {
		return RemedyOutcome{}, fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	if view.Issue.Remedy.Kind == RemedyNone {
		return RemedyOutcome{Issue: view, Edit: Edit{Text: w.text}}, fmt.Errorf("%w: %s", ErrNoRemedy, id)
	}
	// Dismissed issues must be restored before their remedy runs again;
	// an insertion keeps its anchor, so Resolved alone does not stop a
	// second apply.
	if view.Resolved || view.Disposition == DispositionDismissed {
		return RemedyOutcome{Issue: view, Edit: Edit{Text: w.text}}, nil
	}

	edit, applied, err := Apply(w.text, view.Issue)
	if err != nil {
		return RemedyOutcome{Issue: view, Edit: edit}, err
	}
	if !applied {
		return RemedyOutcome{Issue: view, Edit: edit}, nil
	}

	w.text = edit.Text
	w.touched = w.now()
	w.store.markDismissed(id)
	changed := w.store.RecomputeResolved(w.text)
	view, _ = w.store.Get(id)
	return RemedyOutcome{Applied: true, Edit: edit, Issue: view, Changed: changed}, nil
}

// ApplyAction performs a disposition action on an issue.
func (w *Workspace) ApplyAction(id string, action DispositionAction) (IssueView, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touched = w.now()
	return w.store.Apply(id, action)
}

// Navigate moves to stage with text. All issues and results are dropped
// and any run still in flight is orphaned.
func (w *Workspace) Navigate(stage Stage, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.store.ClearAll()
	w.generation++
	w.stage = stage
	w.text = text
	w.results = make(map[ToolType]ToolResult)
	w.touched = w.now()
	w.stageStart = w.touched
}

// Snapshot returns the issues, display spans and results as of now.
func (w *Workspace) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	issues := w.store.Issues()
	results := make([]ToolResult, 0, len(w.results))
	for _, spec := range AllTools() {
		if r, ok := w.results[spec.Type]; ok {
			results = append(results, r)
		}
	}
	return Snapshot{
		Stage:      w.stage,
		Generation: w.generation,
		Text:       w.text,
		Issues:     issues,
		Spans:      BuildSpans(w.text, issues),
		Results:    results,
	}
}
