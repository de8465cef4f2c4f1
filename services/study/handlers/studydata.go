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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/essaylab/services/study/datatypes"
	"github.com/AleutianAI/essaylab/services/study/interactionlog"
	"github.com/AleutianAI/essaylab/services/study/storage/sqlite"
)

// SurveyStore persists survey responses.
type SurveyStore interface {
	InsertSurvey(ctx context.Context, r sqlite.SurveyResponse) (sqlite.SurveyResponse, error)
	ListSurveys(ctx context.Context) ([]sqlite.SurveyResponse, error)
}

// SnapshotStore persists text snapshots.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap sqlite.Snapshot) (sqlite.Snapshot, error)
}

// SubmitSurvey stores one survey and returns the stored row.
func SubmitSurvey(store SurveyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleSubmitSurvey")
		defer span.End()

		var req datatypes.SurveyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, span, err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, span, err)
			return
		}
		span.SetAttributes(attribute.String("participant_id", req.ParticipantID), attribute.String("survey_type", req.SurveyType))

		row := sqlite.SurveyResponse{
			ParticipantID: req.ParticipantID,
			SurveyType:    req.SurveyType,
			PromptID:      req.PromptID,
			Condition:     string(req.Condition),
			Responses:     req.Responses,
		}
		if req.Timestamp != nil {
			row.CreatedAt = req.Timestamp.UTC()
		}
		stored, err := store.InsertSurvey(ctx, row)
		if err != nil {
			fail(c, span, "failed to save survey", err)
			return
		}
		slog.Info("Survey saved", "participant_id", stored.ParticipantID, "survey_type", stored.SurveyType, "id", stored.ID)
		c.JSON(http.StatusOK, stored)
	}
}

// SubmitSnapshot stores a copy of the participant's text.
func SubmitSnapshot(store SnapshotStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleSubmitSnapshot")
		defer span.End()

		var req datatypes.SnapshotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, span, err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, span, err)
			return
		}

		snap := sqlite.Snapshot{
			ParticipantID:      req.ParticipantID,
			Stage:              req.Stage,
			TimeFromStageStart: req.TimeFromStageStart,
			TextContent:        req.TextContent,
			Type:               req.Type,
		}
		if req.CreatedAt != nil {
			snap.CreatedAt = req.CreatedAt.UTC()
		}
		stored, err := store.InsertSnapshot(ctx, snap)
		if err != nil {
			fail(c, span, "failed to save snapshot", err)
			return
		}
		c.JSON(http.StatusOK, stored)
	}
}

// SubmitLogs queues browser interaction events. The body is one entry or
// an array of them. Events are written in the background, so the response
// only says how many were accepted into the queue.
func SubmitLogs(events EventRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := studyTracer.Start(c.Request.Context(), "HandleSubmitLogs")
		defer span.End()

		var batch datatypes.LogBatch
		if err := c.ShouldBindJSON(&batch); err != nil {
			badRequest(c, span, err)
			return
		}
		if err := batch.Validate(); err != nil {
			badRequest(c, span, err)
			return
		}

		now := time.Now().UTC()
		accepted := 0
		for _, entry := range batch {
			ev := interactionlog.Event{
				ParticipantID:      entry.ParticipantID,
				SessionID:          entry.SessionID,
				Stage:              entry.Stage,
				TimeFromStageStart: entry.TimeFromStageStart,
				EventType:          entry.EventType,
				EventData:          entry.EventData,
				CreatedAt:          now,
			}
			if events.Record(ev) {
				accepted++
			}
		}
		span.SetAttributes(attribute.Int("events", len(batch)), attribute.Int("accepted", accepted))
		if accepted < len(batch) {
			slog.Warn("Interaction log queue full, events dropped", "dropped", len(batch)-accepted)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "interaction log is full", "accepted": accepted})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
	}
}

// ListData returns every stored survey response for export.
func ListData(store SurveyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleListData")
		defer span.End()

		rows, err := store.ListSurveys(ctx)
		if err != nil {
			fail(c, span, "failed to list surveys", err)
			return
		}
		if rows == nil {
			rows = []sqlite.SurveyResponse{}
		}
		c.JSON(http.StatusOK, rows)
	}
}
