// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/essaylab/services/revision"
)

func TestRevisionFlow(t *testing.T) {
	h := newHarness(t)
	h.enterRevision(t, "p_reviser01", 4, catEssay)
	h.llm.set(clarityAnswer, nil)

	w := h.do(t, http.MethodPost, "/api/revision/p_reviser01/tools/clarity", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decode[RunResponse](t, w)
	assert.True(t, run.Report.Outcome.Applied)
	assert.Equal(t, revision.ResultSuccess, run.Report.Result.Status)
	require.Len(t, run.Snapshot.Issues, 1)
	assert.Equal(t, "clarity-1", run.Snapshot.Issues[0].Issue.ID)
	assert.Contains(t, h.llm.LastPrompt, catEssay)

	w = h.do(t, http.MethodGet, "/api/revision/p_reviser01/tools/clarity/result", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, clarityAnswer, decode[revision.ToolResult](t, w).Raw)

	w = h.do(t, http.MethodPost, "/api/revision/p_reviser01/issues/clarity-1/apply", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	applied := decode[RemedyResponse](t, w)
	assert.True(t, applied.Outcome.Applied)
	assert.Equal(t, "The feline rested on the mat.", applied.Snapshot.Text)
	assert.Equal(t, revision.StatusResolved, applied.Outcome.Issue.Status)

	// The anchor is gone, so a second apply is a no-op.
	w = h.do(t, http.MethodPost, "/api/revision/p_reviser01/issues/clarity-1/apply", nil)
	require.Equal(t, http.StatusOK, w.Code)
	again := decode[RemedyResponse](t, w)
	assert.False(t, again.Outcome.Applied)
	assert.Equal(t, "The feline rested on the mat.", again.Snapshot.Text)

	want := []string{"navigation:stage_change", "api_call:success", "button:apply_remedy", "button:apply_remedy"}
	if diff := cmp.Diff(want, h.events.types()); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RemediesAppliedTotal.WithLabelValues("clarity", "replace", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RemediesAppliedTotal.WithLabelValues("clarity", "replace", "not_applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ToolRunsTotal.WithLabelValues("clarity", "success")))

	entry, err := h.archive.Latest(context.Background(), "p_reviser01", revision.StageRevision, revision.ToolClarity)
	require.NoError(t, err)
	assert.Equal(t, clarityAnswer, entry.Record.Result.Raw)
	assert.True(t, entry.Record.Applied)
}

func TestRunTool_Forbidden(t *testing.T) {
	h := newHarness(t)

	h.enterRevision(t, "p_noai0001", 1, catEssay)
	w := h.do(t, http.MethodPost, "/api/revision/p_noai0001/tools/proofreader", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	h.enroll(t, "p_early0001", 4)
	w = h.do(t, http.MethodPut, "/api/revision/p_early0001/stage", map[string]string{"stage": "draft", "text": catEssay})
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, http.MethodPost, "/api/revision/p_early0001/tools/proofreader", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "draft")

	assert.Zero(t, h.llm.CallCount)
}

func TestRunTool_ModelFailure(t *testing.T) {
	h := newHarness(t)
	h.enterRevision(t, "p_failing01", 4, catEssay)
	h.llm.set(clarityAnswer, nil)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/revision/p_failing01/tools/clarity", nil).Code)

	h.llm.set("", errors.New("connection reset"))
	w := h.do(t, http.MethodPost, "/api/revision/p_failing01/tools/clarity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	run := decode[RunResponse](t, w)
	assert.Equal(t, revision.ResultError, run.Report.Result.Status)
	assert.Contains(t, run.Report.Result.Raw, "Please try again")
	assert.Empty(t, run.Snapshot.Issues)
	assert.Contains(t, h.events.types(), "api_call:error")
}

func TestRunTool_UnknownToolAndParticipant(t *testing.T) {
	h := newHarness(t)
	h.enterRevision(t, "p_reviser02", 4, catEssay)

	w := h.do(t, http.MethodPost, "/api/revision/p_reviser02/tools/thesaurus", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/revision/p_ghost0001/tools/clarity", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/revision/bad%20id/tools/clarity", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateText_ReportsChangedIssues(t *testing.T) {
	h := newHarness(t)
	h.enterRevision(t, "p_typist001", 4, catEssay)
	h.llm.set(clarityAnswer, nil)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/revision/p_typist001/tools/clarity", nil).Code)

	w := h.do(t, http.MethodPut, "/api/revision/p_typist001/text", map[string]string{"text": "The dog sat on the mat."})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[TextResponse](t, w)
	assert.Equal(t, []string{"clarity-1"}, resp.Changed)
	require.Len(t, resp.Snapshot.Issues, 1)
	assert.True(t, resp.Snapshot.Issues[0].Resolved)

	w = h.do(t, http.MethodPut, "/api/revision/p_typist001/text", map[string]string{"text": "The dog sat on the rug."})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[TextResponse](t, w).Changed)
}

func TestNavigateStage_ClearsIssues(t *testing.T) {
	h := newHarness(t)
	h.enterRevision(t, "p_walker001", 4, catEssay)
	h.llm.set(clarityAnswer, nil)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/revision/p_walker001/tools/clarity", nil).Code)

	w := h.do(t, http.MethodPut, "/api/revision/p_walker001/stage", map[string]string{"stage": "draft", "text": catEssay})
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[revision.Snapshot](t, w)
	assert.Equal(t, revision.StageDraft, snap.Stage)
	assert.Empty(t, snap.Issues)
	assert.Equal(t, uint64(2), snap.Generation)

	w = h.do(t, http.MethodPut, "/api/revision/p_walker001/stage", map[string]string{"stage": "final"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReparseAndResult_NoResult(t *testing.T) {
	h := newHarness(t)
	h.enterRevision(t, "p_reparse01", 4, catEssay)

	w := h.do(t, http.MethodPost, "/api/revision/p_reparse01/tools/argument/reparse", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(t, http.MethodGet, "/api/revision/p_reparse01/tools/argument/result", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	h.llm.set(clarityAnswer, nil)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/revision/p_reparse01/tools/clarity", nil).Code)
	w = h.do(t, http.MethodPost, "/api/revision/p_reparse01/tools/clarity/reparse", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ReparseResponse](t, w)
	assert.Len(t, resp.Parse.Issues, 1)
}

func TestReparseTool_CountsRejectionsAndHonorsStage(t *testing.T) {
	h := newHarness(t)
	h.enterRevision(t, "p_reparse02", 4, catEssay)
	h.llm.set(clarityAnswer+"\n### Issue 2\n> \"a dog barked\"\n> **Fix**: \"a hound bayed\"", nil)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/revision/p_reparse02/tools/clarity", nil).Code)

	rejected := h.metrics.AnchorsRejectedTotal.WithLabelValues("clarity")
	require.Equal(t, 1.0, testutil.ToFloat64(rejected))

	w := h.do(t, http.MethodPost, "/api/revision/p_reparse02/tools/clarity/reparse", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[ReparseResponse](t, w).Parse.Rejected, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(rejected))

	h.enterRevision(t, "p_noai0002", 1, catEssay)
	w = h.do(t, http.MethodPost, "/api/revision/p_noai0002/tools/clarity/reparse", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestIssueAction(t *testing.T) {
	h := newHarness(t)
	h.enterRevision(t, "p_actions01", 4, catEssay)
	h.llm.set(clarityAnswer, nil)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/revision/p_actions01/tools/clarity", nil).Code)

	w := h.do(t, http.MethodPost, "/api/revision/p_actions01/issues/clarity-1/dismiss", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, revision.StatusDismissed, decode[IssueResponse](t, w).Issue.Status)

	w = h.do(t, http.MethodPost, "/api/revision/p_actions01/issues/clarity-1/restore", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, revision.StatusActive, decode[IssueResponse](t, w).Issue.Status)

	w = h.do(t, http.MethodPost, "/api/revision/p_actions01/issues/clarity-1/shred", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/revision/p_actions01/issues/clarity-9/collapse", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/revision/p_actions01/issues/clarity-9/apply", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Contains(t, h.events.types(), "button:issue_dismiss")
}

func TestIssueAction_AdvisoryIssueHasNoRemedy(t *testing.T) {
	h := newHarness(t)
	h.enterRevision(t, "p_advice001", 4, catEssay)
	h.llm.set("### Issue 1\n> \"cat sat\"\n> **Issue**: vague subject", nil)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/revision/p_advice001/tools/clarity", nil).Code)

	w := h.do(t, http.MethodPost, "/api/revision/p_advice001/issues/clarity-1/apply", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RemediesAppliedTotal.WithLabelValues("clarity", "none", "no_remedy")))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{revision.ErrIssueNotFound, http.StatusNotFound},
		{revision.ErrUnknownTool, http.StatusNotFound},
		{revision.ErrNoResult, http.StatusNotFound},
		{revision.ErrIssueResolved, http.StatusConflict},
		{revision.ErrNoRemedy, http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
