// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package revision

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueIDs(views []IssueView) []string {
	ids := make([]string, len(views))
	for i, v := range views {
		ids[i] = v.Issue.ID
	}
	return ids
}

func mustParse(t *testing.T, tool ToolType, raw, essay string) []Issue {
	t.Helper()
	res := Parse(tool, raw, essay)
	require.NotEmpty(t, res.Issues)
	return res.Issues
}

// =============================================================================
// Replacement Tests
// =============================================================================

func TestStore_ReplaceToolIssuesLeavesOtherToolsAlone(t *testing.T) {
	store := NewStore()
	clarity := mustParse(t, ToolClarity, "### Issue 1\n> \"cat sat\"\n> **Fix**: \"feline rested\"", catEssay)
	proof := mustParse(t, ToolProofreader, "### Issue 1\n> \"mat\"\n> **Fix**: \"rug\"\n### Issue 2\n> \"The\"\n> **Fix**: \"A\"", catEssay)

	store.ReplaceToolIssues(ToolClarity, clarity)
	store.ReplaceToolIssues(ToolProofreader, proof)
	_, err := store.Apply("proofreader-2", ActionCollapse)
	require.NoError(t, err)

	before := store.ToolIssues(ToolProofreader)

	second := mustParse(t, ToolClarity, "### Issue 1\n> \"on the\"\n> **Fix**: \"upon the\"\n### Issue 2\n> \"sat\"\n> **Fix**: \"rested\"", catEssay)
	n := store.ReplaceToolIssues(ToolClarity, second)
	assert.Equal(t, 2, n)

	after := store.ToolIssues(ToolProofreader)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("proofreader issues changed (-before +after):\n%s", diff)
	}

	clarityNow := store.ToolIssues(ToolClarity)
	require.Len(t, clarityNow, 2)
	assert.Equal(t, "on the", clarityNow[0].Issue.AnchorText)
	assert.Equal(t, "sat", clarityNow[1].Issue.AnchorText)
	assert.Equal(t, 4, store.Len())
}

func TestStore_ReplaceToolIssuesIsIdempotent(t *testing.T) {
	store := NewStore()
	issues := mustParse(t, ToolClarity, "### Issue 1\n> \"cat sat\"\n> **Fix**: \"feline rested\"", catEssay)

	store.ReplaceToolIssues(ToolClarity, issues)
	first := store.Issues()
	store.ReplaceToolIssues(ToolClarity, issues)

	if diff := cmp.Diff(first, store.Issues()); diff != "" {
		t.Errorf("second replace changed contents (-first +second):\n%s", diff)
	}
}

func TestStore_ReplaceIgnoresForeignTool(t *testing.T) {
	store := NewStore()
	proof := mustParse(t, ToolProofreader, "### Issue 1\n> \"mat\"\n> **Fix**: \"rug\"", catEssay)

	n := store.ReplaceToolIssues(ToolClarity, proof)

	assert.Zero(t, n)
	assert.Zero(t, store.Len())
}

func TestStore_IssuesOrderedByToolThenSequence(t *testing.T) {
	store := NewStore()
	store.ReplaceToolIssues(ToolProofreader, mustParse(t, ToolProofreader, "### Issue 1\n> \"mat\"\n### Issue 2\n> \"The\"", catEssay))
	store.ReplaceToolIssues(ToolArgument, mustParse(t, ToolArgument, "### Issue 1\n**Issue**: needs evidence", catEssay))
	store.ReplaceToolIssues(ToolClarity, mustParse(t, ToolClarity, "### Issue 1\n> \"sat\"", catEssay))

	assert.Equal(t, []string{"argument-1", "clarity-1", "proofreader-1", "proofreader-2"}, issueIDs(store.Issues()))
}

// =============================================================================
// Resolution Tests
// =============================================================================

func TestStore_RepeatedAnchorStaysUnresolved(t *testing.T) {
	essay := "A nice day and a nice walk."
	store := NewStore()
	store.ReplaceToolIssues(ToolClarity, mustParse(t, ToolClarity, "### Issue 1\n> \"nice\"\n> **Fix**: \"pleasant\"", essay))
	store.RecomputeResolved(essay)

	issue, ok := store.Get("clarity-1")
	require.True(t, ok)
	assert.Len(t, FindAllOccurrences(essay, issue.Issue.AnchorText), 2)

	changed := store.RecomputeResolved("A sunny day and a nice walk.")
	assert.Empty(t, changed)
	issue, _ = store.Get("clarity-1")
	assert.False(t, issue.Resolved)
	assert.Equal(t, StatusActive, issue.Status)

	changed = store.RecomputeResolved("A sunny day and a long walk.")
	assert.Equal(t, []string{"clarity-1"}, changed)
	issue, _ = store.Get("clarity-1")
	assert.True(t, issue.Resolved)
	assert.Equal(t, StatusResolved, issue.Status)

	changed = store.RecomputeResolved(essay)
	assert.Equal(t, []string{"clarity-1"}, changed)
	issue, _ = store.Get("clarity-1")
	assert.False(t, issue.Resolved)
}

func TestStore_UnanchoredNeverResolves(t *testing.T) {
	store := NewStore()
	store.ReplaceToolIssues(ToolArgument, mustParse(t, ToolArgument, "### Issue 1\n**Issue**: needs evidence", catEssay))

	assert.Empty(t, store.RecomputeResolved(""))
	issue, _ := store.Get("argument-1")
	assert.False(t, issue.Resolved)
}

func TestStore_ClearAll(t *testing.T) {
	store := NewStore()
	store.ReplaceToolIssues(ToolClarity, mustParse(t, ToolClarity, "### Issue 1\n> \"sat\"", catEssay))
	seq := store.BeginRun(ToolClarity)

	store.ClearAll()

	assert.Zero(t, store.Len())
	assert.Equal(t, seq, store.LatestRun(ToolClarity))
}

// =============================================================================
// Disposition Tests
// =============================================================================

func TestStore_DispositionTransitions(t *testing.T) {
	store := NewStore()
	store.ReplaceToolIssues(ToolClarity, mustParse(t, ToolClarity, "### Issue 1\n> \"sat\"", catEssay))

	steps := []struct {
		action DispositionAction
		want   Status
	}{
		{ActionExpand, StatusActive},
		{ActionCollapse, StatusCollapsed},
		{ActionCollapse, StatusCollapsed},
		{ActionExpand, StatusActive},
		{ActionDismiss, StatusDismissed},
		{ActionExpand, StatusDismissed},
		{ActionCollapse, StatusDismissed},
		{ActionRestore, StatusActive},
	}
	for i, step := range steps {
		view, err := store.Apply("clarity-1", step.action)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.want, view.Status, "step %d (%s)", i, step.action)
	}
}

func TestStore_ResolvedRefusesActions(t *testing.T) {
	store := NewStore()
	store.ReplaceToolIssues(ToolClarity, mustParse(t, ToolClarity, "### Issue 1\n> \"sat\"", catEssay))
	store.RecomputeResolved("The cat rested on the mat.")

	_, err := store.Apply("clarity-1", ActionDismiss)
	assert.ErrorIs(t, err, ErrIssueResolved)
}

func TestStore_ApplyUnknownIssue(t *testing.T) {
	_, err := NewStore().Apply("clarity-9", ActionDismiss)
	assert.ErrorIs(t, err, ErrIssueNotFound)
}

func TestParseDispositionAction(t *testing.T) {
	a, err := ParseDispositionAction("Dismiss")
	require.NoError(t, err)
	assert.Equal(t, ActionDismiss, a)

	_, err = ParseDispositionAction("delete")
	assert.Error(t, err)
}

// =============================================================================
// Run Ticket Tests
// =============================================================================

func TestStore_AdmitNeverLetsOlderRunWin(t *testing.T) {
	store := NewStore()
	first := store.BeginRun(ToolProofreader)
	second := store.BeginRun(ToolProofreader)
	other := store.BeginRun(ToolClarity)

	assert.True(t, store.Admit(ToolProofreader, second))
	assert.False(t, store.Admit(ToolProofreader, first))
	assert.False(t, store.Admit(ToolProofreader, second))
	assert.True(t, store.Admit(ToolClarity, other))
}

func TestStore_AdmitInOrderArrival(t *testing.T) {
	store := NewStore()
	first := store.BeginRun(ToolProofreader)
	second := store.BeginRun(ToolProofreader)

	assert.True(t, store.Admit(ToolProofreader, first))
	assert.True(t, store.Admit(ToolProofreader, second))
	assert.False(t, store.Admit(ToolProofreader, 0))
	assert.False(t, store.Admit(ToolProofreader, second+1))
}
