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
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/essaylab/services/llm"
	"github.com/AleutianAI/essaylab/services/revision"
	"github.com/AleutianAI/essaylab/services/study/config"
	"github.com/AleutianAI/essaylab/services/study/datatypes"
	"github.com/AleutianAI/essaylab/services/study/interactionlog"
	"github.com/AleutianAI/essaylab/services/study/observability"
	"github.com/AleutianAI/essaylab/services/study/session"
)

const (
	endpointCompletion = "openai"
	endpointIdeas      = "ideas"
)

// ideaStages maps each idea prompt to the stage whose AI support it needs.
var ideaStages = map[string]revision.Stage{
	config.PromptOutline:     revision.StageOutline,
	config.PromptSingleIdea:  revision.StageOutline,
	config.PromptIdeaOutline: revision.StageOutline,
	config.PromptDraft:       revision.StageDraft,
	config.PromptAIDraft:     revision.StageDraft,
}

// ProxyCompletion forwards a raw prompt to the model.
func ProxyCompletion(client llm.LLMClient, params llm.GenerationParams, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleProxyCompletion")
		defer span.End()

		var req datatypes.CompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, span, err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, span, err)
			return
		}

		start := time.Now()
		completion, err := client.Generate(ctx, req.Prompt, params)
		metrics.LLMRequest(endpointCompletion, err, time.Since(start))
		if err != nil {
			slog.Error("Model request failed", "endpoint", endpointCompletion, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "model request failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get a response from the model"})
			return
		}
		c.JSON(http.StatusOK, datatypes.CompletionResponse{Completion: completion})
	}
}

// GenerateIdeas renders one of the idea prompts server-side and returns the
// model's answer.
//
// # Description
//
// The participant's topic comes from their session, never the request. The
// call is refused with 403 when the participant's condition has no AI
// support for the stage the prompt belongs to. Every call, successful or
// not, is written to the interaction log.
func GenerateIdeas(client llm.LLMClient, params llm.GenerationParams, sessions *session.Registry, source ConfigSource, events EventRecorder, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := studyTracer.Start(c.Request.Context(), "HandleGenerateIdeas")
		defer span.End()

		var req datatypes.IdeasRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, span, err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, span, err)
			return
		}
		span.SetAttributes(attribute.String("participant_id", req.ParticipantID), attribute.String("kind", req.Kind))

		sess, err := sessions.Resume(ctx, req.ParticipantID)
		if err != nil {
			fail(c, span, "failed to load session", err)
			return
		}

		cfg := source.Current()
		stage := ideaStages[req.Kind]
		cond, _ := cfg.Study.Condition(sess.Condition)
		if !cond.Supports(stage) {
			span.SetStatus(codes.Error, "ai support disabled")
			c.JSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("AI support is not available during the %s stage", stage)})
			return
		}

		prompt, err := source.Prompts().Render(req.Kind, config.PromptData{
			Topic:         cfg.Study.Topics[sess.PromptID],
			Outline:       req.Outline,
			Essay:         req.Essay,
			Idea:          req.Idea,
			ExistingIdeas: req.ExistingIdeas,
		})
		if err != nil {
			fail(c, span, "failed to render prompt", err)
			return
		}

		start := time.Now()
		completion, genErr := client.Generate(ctx, prompt, params)
		elapsed := time.Since(start)
		metrics.LLMRequest(endpointIdeas, genErr, elapsed)

		status := "success"
		if genErr != nil {
			status = "error"
		}
		origin := interactionlog.Origin{ParticipantID: sess.ParticipantID, SessionID: sess.SessionID, Stage: string(stage)}
		record(events, origin, interactionlog.APICall(req.Kind, prompt, completion, status, elapsed, nil))

		if genErr != nil {
			slog.Error("Model request failed",
				"endpoint", endpointIdeas, "kind", req.Kind,
				"participant_id", sess.ParticipantID, "error", genErr)
			span.RecordError(genErr)
			span.SetStatus(codes.Error, "model request failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get a response from the model"})
			return
		}
		c.JSON(http.StatusOK, datatypes.CompletionResponse{Completion: completion})
	}
}
