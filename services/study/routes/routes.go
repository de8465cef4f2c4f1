// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/essaylab/pkg/extensions"
	"github.com/AleutianAI/essaylab/services/llm"
	"github.com/AleutianAI/essaylab/services/revision"
	"github.com/AleutianAI/essaylab/services/study/assignment"
	"github.com/AleutianAI/essaylab/services/study/handlers"
	"github.com/AleutianAI/essaylab/services/study/middleware"
	"github.com/AleutianAI/essaylab/services/study/observability"
	"github.com/AleutianAI/essaylab/services/study/session"
)

// StudyStore holds surveys and snapshots. sqlite.Store implements it.
type StudyStore interface {
	handlers.SurveyStore
	handlers.SnapshotStore
}

// Dependencies are everything the routes hand to their handlers.
type Dependencies struct {
	Sessions *session.Registry
	Config   handlers.ConfigSource
	Assigner *assignment.Assigner
	LLM      llm.LLMClient
	Params   llm.GenerationParams
	Runner   *revision.Runner
	Store    StudyStore
	Events   handlers.EventRecorder
	Metrics  *observability.Metrics

	// MetricsHandler serves /metrics. Nil leaves the route out.
	MetricsHandler http.Handler

	// DataAuth guards GET /api/data. Nil leaves it open.
	DataAuth extensions.AuthProvider
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	api := router.Group("/api")
	{
		api.POST("/participants", handlers.CreateParticipant(deps.Sessions, deps.Config, deps.Assigner))
		api.GET("/participants/:participantId", handlers.GetParticipant(deps.Sessions, deps.Config))

		// Model proxies
		api.POST("/openai", handlers.ProxyCompletion(deps.LLM, deps.Params, deps.Metrics))
		api.POST("/ideas", handlers.GenerateIdeas(deps.LLM, deps.Params, deps.Sessions, deps.Config, deps.Events, deps.Metrics))

		// Research data
		api.POST("/survey/submit", handlers.SubmitSurvey(deps.Store))
		api.POST("/snapshot/submit", handlers.SubmitSnapshot(deps.Store))
		api.POST("/log", handlers.SubmitLogs(deps.Events))
		if deps.DataAuth != nil {
			api.GET("/data", middleware.AuthMiddleware(deps.DataAuth, extensions.RoleResearcher), handlers.ListData(deps.Store))
		} else {
			api.GET("/data", handlers.ListData(deps.Store))
		}

		rd := &handlers.RevisionDeps{
			Sessions: deps.Sessions,
			Config:   deps.Config,
			Runner:   deps.Runner,
			Events:   deps.Events,
			Metrics:  deps.Metrics,
		}
		workspace := api.Group("/revision/:participantId")
		{
			workspace.PUT("/stage", handlers.NavigateStage(rd))
			workspace.PUT("/text", handlers.UpdateText(rd))
			workspace.GET("/issues", handlers.GetIssues(rd))
			workspace.POST("/tools/:tool", handlers.RunTool(rd))
			workspace.POST("/tools/:tool/reparse", handlers.ReparseTool(rd))
			workspace.GET("/tools/:tool/result", handlers.GetToolResult(rd))
			// :action is "apply" or a disposition change.
			workspace.POST("/issues/:issueId/:action", handlers.IssueAction(rd))
		}
	}
}
