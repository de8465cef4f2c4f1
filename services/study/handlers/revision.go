// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/essaylab/services/revision"
	"github.com/AleutianAI/essaylab/services/study/datatypes"
	"github.com/AleutianAI/essaylab/services/study/interactionlog"
	"github.com/AleutianAI/essaylab/services/study/observability"
	"github.com/AleutianAI/essaylab/services/study/session"
)

// actionApply is the issue action that applies the issue's remedy. The
// other actions are revision.DispositionAction values.
const actionApply = "apply"

// RevisionDeps are the collaborators of the revision endpoints.
type RevisionDeps struct {
	Sessions *session.Registry
	Config   ConfigSource
	Runner   *revision.Runner
	Events   EventRecorder
	Metrics  *observability.Metrics
}

// TextResponse answers a text update with the issues whose resolved flag
// flipped.
type TextResponse struct {
	Changed  []string          `json:"changed"`
	Snapshot revision.Snapshot `json:"snapshot"`
}

// RunResponse answers a tool run. A failed model call is still a 200 with
// Report.Result.Status == "error".
type RunResponse struct {
	Report   revision.RunReport `json:"report"`
	Snapshot revision.Snapshot  `json:"snapshot"`
}

// ReparseResponse answers a reparse of the stored result.
type ReparseResponse struct {
	Parse    revision.ParseResult `json:"parse"`
	Snapshot revision.Snapshot    `json:"snapshot"`
}

// RemedyResponse answers an apply. Outcome.Applied is false for a stale
// remedy; the essay is then unchanged.
type RemedyResponse struct {
	Outcome  revision.RemedyOutcome `json:"outcome"`
	Snapshot revision.Snapshot      `json:"snapshot"`
}

// IssueResponse answers a disposition change.
type IssueResponse struct {
	Issue    revision.IssueView `json:"issue"`
	Snapshot revision.Snapshot  `json:"snapshot"`
}

func (d *RevisionDeps) workspace(ctx context.Context, participantID string) (session.Session, *revision.Workspace, error) {
	sess, err := d.Sessions.Resume(ctx, participantID)
	if err != nil {
		return session.Session{}, nil, err
	}
	ws, err := d.Sessions.Workspace(participantID)
	if err != nil {
		return session.Session{}, nil, err
	}
	return sess, ws, nil
}

func (d *RevisionDeps) record(sess session.Session, ws *revision.Workspace, payload interactionlog.Payload) {
	record(d.Events, originFor(sess, ws.Stage(), ws.StageStarted()), payload)
}

// =============================================================================
// Stage and Text
// =============================================================================

// NavigateStage moves the participant's workspace to another stage. All
// issues are dropped and any run still in flight will be discarded.
func NavigateStage(d *RevisionDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleNavigateStage")
		defer span.End()

		var req datatypes.NavigateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, span, err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, span, err)
			return
		}
		stage, err := revision.ParseStage(req.Stage)
		if err != nil {
			badRequest(c, span, err)
			return
		}

		sess, ws, err := d.workspace(ctx, c.Param("participantId"))
		if err != nil {
			fail(c, span, "failed to load workspace", err)
			return
		}
		from := ws.Stage()
		ws.Navigate(stage, req.Text)
		span.SetAttributes(attribute.String("from", string(from)), attribute.String("to", string(stage)))
		d.record(sess, ws, interactionlog.Navigation(string(from), string(stage)))

		c.JSON(http.StatusOK, ws.Snapshot())
	}
}

// UpdateText replaces the essay text and reconciles every issue against it.
func UpdateText(d *RevisionDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleUpdateText")
		defer span.End()

		var req datatypes.TextRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, span, err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, span, err)
			return
		}

		_, ws, err := d.workspace(ctx, c.Param("participantId"))
		if err != nil {
			fail(c, span, "failed to load workspace", err)
			return
		}
		changed := ws.SetText(req.Text)
		if changed == nil {
			changed = []string{}
		}
		c.JSON(http.StatusOK, TextResponse{Changed: changed, Snapshot: ws.Snapshot()})
	}
}

// GetIssues returns the workspace snapshot: issues, display spans and raw
// results.
func GetIssues(d *RevisionDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleGetIssues")
		defer span.End()

		_, ws, err := d.workspace(ctx, c.Param("participantId"))
		if err != nil {
			fail(c, span, "failed to load workspace", err)
			return
		}
		c.JSON(http.StatusOK, ws.Snapshot())
	}
}

// =============================================================================
// Tools
// =============================================================================

// RunTool invokes a revision tool against the participant's essay.
//
// # Description
//
// Runs are allowed only in the revision stage and only for conditions with
// revision AI support; anything else is 403. The model call happens while
// the participant keeps editing. If they navigate away or start a newer run
// of the same tool before it returns, the result is recorded as discarded.
func RunTool(d *RevisionDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleRunTool")
		defer span.End()

		participantID := c.Param("participantId")
		tool, err := revision.ParseToolType(c.Param("tool"))
		if err != nil {
			fail(c, span, "unknown tool", err)
			return
		}
		span.SetAttributes(attribute.String("participant_id", participantID), attribute.String("tool", string(tool)))

		sess, ws, err := d.workspace(ctx, participantID)
		if err != nil {
			fail(c, span, "failed to load workspace", err)
			return
		}
		if reason := d.runBlocked(sess, ws); reason != "" {
			span.SetStatus(codes.Error, "tool run refused")
			c.JSON(http.StatusForbidden, gin.H{"error": reason})
			return
		}

		start := time.Now()
		report, err := d.Runner.Run(ctx, participantID, ws, tool)
		elapsed := time.Since(start)
		if err != nil {
			fail(c, span, "failed to run tool", err)
			return
		}

		d.record(sess, ws, interactionlog.APICall(string(tool), "", report.Result.Raw, string(report.Result.Status), elapsed,
			map[string]any{
				"seq":      report.Ticket.Seq,
				"applied":  report.Outcome.Applied,
				"discard":  string(report.Outcome.Discard),
				"issues":   len(report.Outcome.Parse.Issues),
				"rejected": len(report.Outcome.Parse.Rejected),
			}))
		c.JSON(http.StatusOK, RunResponse{Report: report, Snapshot: ws.Snapshot()})
	}
}

// runBlocked returns why a run is refused, or "" when it may proceed.
func (d *RevisionDeps) runBlocked(sess session.Session, ws *revision.Workspace) string {
	if stage := ws.Stage(); stage != revision.StageRevision {
		return fmt.Sprintf("revision tools are not available during the %s stage", stage)
	}
	cond, ok := d.Config.Current().Study.Condition(sess.Condition)
	if !ok || !cond.Supports(revision.StageRevision) {
		return "revision tools are not available in this study condition"
	}
	return ""
}

// ReparseTool parses the tool's stored result again against the current
// essay. It is refused wherever RunTool is.
func ReparseTool(d *RevisionDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleReparseTool")
		defer span.End()

		tool, err := revision.ParseToolType(c.Param("tool"))
		if err != nil {
			fail(c, span, "unknown tool", err)
			return
		}
		participantID := c.Param("participantId")
		sess, ws, err := d.workspace(ctx, participantID)
		if err != nil {
			fail(c, span, "failed to load workspace", err)
			return
		}
		if reason := d.runBlocked(sess, ws); reason != "" {
			span.SetStatus(codes.Error, "reparse refused")
			c.JSON(http.StatusForbidden, gin.H{"error": reason})
			return
		}
		parsed, err := d.Runner.Reparse(participantID, ws, tool)
		if err != nil {
			fail(c, span, "failed to reparse", err)
			return
		}
		c.JSON(http.StatusOK, ReparseResponse{Parse: parsed, Snapshot: ws.Snapshot()})
	}
}

// GetToolResult returns the raw answer of the tool's latest applied run.
func GetToolResult(d *RevisionDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleGetToolResult")
		defer span.End()

		tool, err := revision.ParseToolType(c.Param("tool"))
		if err != nil {
			fail(c, span, "unknown tool", err)
			return
		}
		_, ws, err := d.workspace(ctx, c.Param("participantId"))
		if err != nil {
			fail(c, span, "failed to load workspace", err)
			return
		}
		result, ok := ws.Result(tool)
		if !ok {
			fail(c, span, "no result", fmt.Errorf("%w: %s", revision.ErrNoResult, tool))
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// =============================================================================
// Issues
// =============================================================================

// IssueAction applies an issue's remedy ("apply") or changes its
// disposition (collapse, expand, dismiss, restore).
func IssueAction(d *RevisionDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleIssueAction")
		defer span.End()

		issueID := c.Param("issueId")
		action := c.Param("action")
		span.SetAttributes(attribute.String("issue_id", issueID), attribute.String("action", action))

		var disposition revision.DispositionAction
		if action != actionApply {
			var err error
			if disposition, err = revision.ParseDispositionAction(action); err != nil {
				badRequest(c, span, err)
				return
			}
		}

		sess, ws, err := d.workspace(ctx, c.Param("participantId"))
		if err != nil {
			fail(c, span, "failed to load workspace", err)
			return
		}

		if action == actionApply {
			d.applyRemedy(c, span, sess, ws, issueID)
			return
		}
		view, err := ws.ApplyAction(issueID, disposition)
		if err != nil {
			fail(c, span, "failed to update issue", err)
			return
		}
		d.record(sess, ws, interactionlog.Button("issue_"+string(disposition), map[string]any{
			"issueId": issueID,
			"tool":    string(view.Issue.Tool),
		}))
		c.JSON(http.StatusOK, IssueResponse{Issue: view, Snapshot: ws.Snapshot()})
	}
}

func (d *RevisionDeps) applyRemedy(c *gin.Context, span trace.Span, sess session.Session, ws *revision.Workspace, issueID string) {
	outcome, err := ws.ApplyRemedy(issueID)
	if outcome.Issue.Issue.ID != "" && d.Metrics != nil {
		d.Metrics.RemedyApplied(outcome.Issue.Issue, outcome.Applied, err)
	}
	if err != nil {
		fail(c, span, "failed to apply remedy", err)
		return
	}
	if !outcome.Applied {
		slog.Info("Stale remedy ignored", "participant_id", sess.ParticipantID, "issue_id", issueID)
	}
	d.record(sess, ws, interactionlog.Button("apply_remedy", map[string]any{
		"issueId":  issueID,
		"tool":     string(outcome.Issue.Issue.Tool),
		"kind":     string(outcome.Issue.Issue.Remedy.Kind),
		"applied":  outcome.Applied,
		"strategy": string(outcome.Edit.Strategy),
	}))
	c.JSON(http.StatusOK, RemedyResponse{Outcome: outcome, Snapshot: ws.Snapshot()})
}
