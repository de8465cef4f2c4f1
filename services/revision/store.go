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
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Issue Status
// =============================================================================

// Disposition is the user's handling of an issue card.
type Disposition string

const (
	DispositionActive    Disposition = "active"
	DispositionCollapsed Disposition = "collapsed"
	DispositionDismissed Disposition = "dismissed"
)

// Status is what the UI renders for an issue: the disposition, or
// StatusResolved when the anchor text is gone from the essay.
type Status string

const (
	StatusActive    Status = Status(DispositionActive)
	StatusCollapsed Status = Status(DispositionCollapsed)
	StatusDismissed Status = Status(DispositionDismissed)
	StatusResolved  Status = "resolved"
)

// DispositionAction is a user action on an issue card.
type DispositionAction string

const (
	ActionCollapse DispositionAction = "collapse"
	ActionExpand   DispositionAction = "expand"
	ActionDismiss  DispositionAction = "dismiss"
	ActionRestore  DispositionAction = "restore"
)

// ParseDispositionAction validates an action name.
func ParseDispositionAction(s string) (DispositionAction, error) {
	switch a := DispositionAction(strings.ToLower(s)); a {
	case ActionCollapse, ActionExpand, ActionDismiss, ActionRestore:
		return a, nil
	}
	return "", fmt.Errorf("unknown issue action %q", s)
}

// IssueView is an issue together with its derived state.
type IssueView struct {
	Issue       Issue       `json:"issue"`
	Resolved    bool        `json:"resolved"`
	Disposition Disposition `json:"disposition"`
	Status      Status      `json:"status"`
}

// =============================================================================
// Store
// =============================================================================

type entry struct {
	issue       Issue
	resolved    bool
	disposition Disposition
}

func (e *entry) status() Status {
	if e.resolved {
		return StatusResolved
	}
	return Status(e.disposition)
}

func (e *entry) view() IssueView {
	return IssueView{
		Issue:       e.issue,
		Resolved:    e.resolved,
		Disposition: e.disposition,
		Status:      e.status(),
	}
}

// Store is the authoritative collection of live issues for one writing
// stage, across all tool types.
//
// # Description
//
// Issues are keyed by id and namespaced by tool: replacing one tool's
// batch never touches another tool's entries. The resolved flag of every
// anchored issue is a pure function of its anchor and the current essay
// and is refreshed by RecomputeResolved after each mutation. The store also
// hands out per-tool run numbers so that a slow, older invocation of a tool
// never replaces the issues of a newer one.
//
// # Thread Safety
//
// Not safe for concurrent use. Workspace serializes access.
type Store struct {
	entries map[string]*entry
	runs    map[ToolType]uint64
	applied map[ToolType]uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		runs:    make(map[ToolType]uint64),
		applied: make(map[ToolType]uint64),
	}
}

// ReplaceToolIssues swaps every issue produced by tool for issues.
//
// # Description
//
// Entries of other tools keep their identity and disposition. The new
// batch starts Active and unresolved; callers run RecomputeResolved after
// the replacement. Issues whose Tool differs from tool are ignored so one
// tool can never write into another's namespace.
//
// # Outputs
//
//   - int: Number of issues inserted.
func (s *Store) ReplaceToolIssues(tool ToolType, issues []Issue) int {
	for id, e := range s.entries {
		if e.issue.Tool == tool {
			delete(s.entries, id)
		}
	}
	inserted := 0
	for _, issue := range issues {
		if issue.Tool != tool {
			continue
		}
		s.entries[issue.ID] = &entry{issue: issue, disposition: DispositionActive}
		inserted++
	}
	return inserted
}

// RecomputeResolved refreshes the resolved flag of every anchored issue
// against essay and returns the ids whose flag changed, sorted.
// Unanchored issues are never resolved.
func (s *Store) RecomputeResolved(essay string) []string {
	var changed []string
	for id, e := range s.entries {
		resolved := e.issue.Anchored() && !strings.Contains(essay, e.issue.AnchorText)
		if resolved != e.resolved {
			e.resolved = resolved
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

// ClearAll drops every issue. Run tickets survive so that responses issued
// before the clear still compare as older than any later run.
func (s *Store) ClearAll() {
	s.entries = make(map[string]*entry)
}

// Len returns the number of live issues.
func (s *Store) Len() int {
	return len(s.entries)
}

// Get returns the issue with id and its derived state.
func (s *Store) Get(id string) (IssueView, bool) {
	e, ok := s.entries[id]
	if !ok {
		return IssueView{}, false
	}
	return e.view(), true
}

// Issues returns all issues in tool display order, then sequence.
func (s *Store) Issues() []IssueView {
	out := make([]IssueView, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.view())
	}
	sortViews(out)
	return out
}

// ToolIssues returns the issues produced by tool, by sequence.
func (s *Store) ToolIssues(tool ToolType) []IssueView {
	var out []IssueView
	for _, e := range s.entries {
		if e.issue.Tool == tool {
			out = append(out, e.view())
		}
	}
	sortViews(out)
	return out
}

func sortViews(views []IssueView) {
	sort.Slice(views, func(i, j int) bool {
		a, b := views[i].Issue, views[j].Issue
		if ra, rb := toolRank(a.Tool), toolRank(b.Tool); ra != rb {
			return ra < rb
		}
		return a.Sequence < b.Sequence
	})
}

// Apply performs a disposition action on an issue.
//
// Dismiss also collapses the card; Restore and Expand both return it to
// Active. Resolved issues reject every action with ErrIssueResolved.
func (s *Store) Apply(id string, action DispositionAction) (IssueView, error) {
	e, ok := s.entries[id]
	if !ok {
		return IssueView{}, fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	if e.resolved {
		return e.view(), fmt.Errorf("%w: %s", ErrIssueResolved, id)
	}
	switch action {
	case ActionCollapse:
		if e.disposition == DispositionActive {
			e.disposition = DispositionCollapsed
		}
	case ActionExpand:
		if e.disposition == DispositionCollapsed {
			e.disposition = DispositionActive
		}
	case ActionDismiss:
		e.disposition = DispositionDismissed
	case ActionRestore:
		e.disposition = DispositionActive
	default:
		return e.view(), fmt.Errorf("unknown issue action %q", action)
	}
	return e.view(), nil
}

// markDismissed is used after a remedy is applied. Unlike Apply it does
// not refuse resolved issues, since applying a remedy usually resolves them.
func (s *Store) markDismissed(id string) {
	if e, ok := s.entries[id]; ok {
		e.disposition = DispositionDismissed
	}
}

// =============================================================================
// Run Tickets
// =============================================================================

// BeginRun allocates the next run number for tool. Numbers start at 1 and
// only grow.
func (s *Store) BeginRun(tool ToolType) uint64 {
	s.runs[tool]++
	return s.runs[tool]
}

// Admit decides whether the response of run seq may replace tool's issues
// and records it when it may. A response is admitted when its run number
// is higher than every response already admitted for the tool, so a slow
// earlier run can never overwrite a newer one, while an earlier run that
// returns first is still shown until the newer one lands.
func (s *Store) Admit(tool ToolType, seq uint64) bool {
	if seq == 0 || seq > s.runs[tool] || seq <= s.applied[tool] {
		return false
	}
	s.applied[tool] = seq
	return true
}

// LatestRun returns the newest run number started for tool.
func (s *Store) LatestRun(tool ToolType) uint64 {
	return s.runs[tool]
}
