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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/essaylab/services/study/assignment"
	"github.com/AleutianAI/essaylab/services/study/config"
	"github.com/AleutianAI/essaylab/services/study/datatypes"
	"github.com/AleutianAI/essaylab/services/study/session"
)

// CreateParticipant enrolls a participant, or returns the existing
// enrollment for a known id.
//
// # Description
//
// The condition and topic are drawn by the assigner unless the request
// pins them. A participant who already has a session keeps their original
// assignment whatever the request says.
func CreateParticipant(sessions *session.Registry, source ConfigSource, assigner *assignment.Assigner) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleCreateParticipant")
		defer span.End()

		var req datatypes.CreateParticipantRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, span, err)
				return
			}
		}
		if err := req.Validate(); err != nil {
			badRequest(c, span, err)
			return
		}

		cfg := source.Current()
		drawn, err := assigner.Assign(cfg.Study, assignment.Forced{Condition: req.Condition, PromptID: req.PromptID})
		if err != nil {
			if errors.Is(err, assignment.ErrUnknownCondition) || errors.Is(err, assignment.ErrUnknownPrompt) {
				badRequest(c, span, err)
				return
			}
			fail(c, span, "failed to assign condition", err)
			return
		}

		sess, created, err := sessions.GetOrCreate(ctx, req.ParticipantID, func() session.Assignment { return drawn })
		if err != nil {
			fail(c, span, "failed to create session", err)
			return
		}
		span.SetAttributes(
			attribute.String("participant_id", sess.ParticipantID),
			attribute.Int("condition", sess.Condition),
			attribute.Bool("created", created))

		if created {
			slog.Info("Participant enrolled",
				"participant_id", sess.ParticipantID,
				"condition", sess.Condition,
				"prompt_id", sess.PromptID)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, buildPlan(cfg, sess, created))
	}
}

// GetParticipant returns an existing participant's plan.
func GetParticipant(sessions *session.Registry, source ConfigSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleGetParticipant")
		defer span.End()

		participantID := c.Param("participantId")
		sess, err := sessions.Resume(ctx, participantID)
		if err != nil {
			fail(c, span, "failed to load session", err)
			return
		}
		c.JSON(http.StatusOK, buildPlan(source.Current(), sess, false))
	}
}

// buildPlan joins a session with the study settings of its condition. A
// condition removed from the config since enrollment gets no AI support.
func buildPlan(cfg *config.Config, sess session.Session, created bool) datatypes.StudyPlan {
	cond, _ := cfg.Study.Condition(sess.Condition)
	plan := datatypes.StudyPlan{
		Session:        sess,
		Created:        created,
		ConditionName:  cond.Name,
		PromptText:     cfg.Study.Topics[sess.PromptID],
		WarningSeconds: cfg.Study.WarningSeconds,
		Stages:         make([]datatypes.StagePlan, 0, len(cfg.Study.Stages)),
	}
	for _, st := range cfg.Study.Stages {
		plan.Stages = append(plan.Stages, datatypes.StagePlan{
			Name:         string(st.Name),
			Title:        st.Title,
			Instructions: st.Instructions,
			Minutes:      st.Minutes,
			AISupport:    cond.Supports(st.Name),
		})
	}
	return plan
}
