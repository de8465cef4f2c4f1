// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the study service's HTTP endpoints as gin
// handler closures over their collaborators.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/essaylab/services/revision"
	"github.com/AleutianAI/essaylab/services/study/config"
	"github.com/AleutianAI/essaylab/services/study/interactionlog"
	"github.com/AleutianAI/essaylab/services/study/session"
)

var studyTracer = otel.Tracer("essaylab.study.handlers")

// ConfigSource yields the live configuration. config.Watcher implements it.
type ConfigSource interface {
	Current() *config.Config
	Prompts() *config.Prompts
}

// EventRecorder queues an interaction event for storage.
// interactionlog.Recorder implements it.
type EventRecorder interface {
	Record(ev interactionlog.Event) bool
}

// staticSource serves a fixed config, for callers without a file watcher.
type staticSource struct {
	cfg     *config.Config
	prompts *config.Prompts
}

// StaticConfig wraps cfg as a ConfigSource.
func StaticConfig(cfg *config.Config) (ConfigSource, error) {
	prompts, err := config.NewPrompts(cfg.Prompts)
	if err != nil {
		return nil, err
	}
	return &staticSource{cfg: cfg, prompts: prompts}, nil
}

func (s *staticSource) Current() *config.Config  { return s.cfg }
func (s *staticSource) Prompts() *config.Prompts { return s.prompts }

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// =============================================================================
// Error Mapping
// =============================================================================

// statusFor maps a session or revision error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidParticipant):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, revision.ErrUnknownTool),
		errors.Is(err, revision.ErrIssueNotFound),
		errors.Is(err, revision.ErrNoResult):
		return http.StatusNotFound
	case errors.Is(err, revision.ErrIssueResolved),
		errors.Is(err, revision.ErrNoRemedy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail records err on span and writes the mapped status. Server errors are
// logged and their detail withheld from the client.
func fail(c *gin.Context, span trace.Span, msg string, err error) {
	status := statusFor(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, "error", err, "path", c.FullPath())
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// badRequest reports a binding or validation failure.
func badRequest(c *gin.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "invalid request")
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
}

// =============================================================================
// Server-side Events
// =============================================================================

// record stores a server-side interaction event. Failures only log; the
// participant's request never depends on the log.
func record(events EventRecorder, origin interactionlog.Origin, payload interactionlog.Payload) {
	if events == nil {
		return
	}
	ev, err := interactionlog.NewEvent(origin, payload, time.Now())
	if err != nil {
		slog.Warn("Failed to build interaction event", "type", payload.Type, "error", err)
		return
	}
	if !events.Record(ev) {
		slog.Warn("Interaction log queue full, event dropped",
			"type", ev.EventType, "participant_id", ev.ParticipantID)
	}
}

// originFor builds the event origin for a participant's current stage.
func originFor(s session.Session, stage revision.Stage, stageStart time.Time) interactionlog.Origin {
	return interactionlog.Origin{
		ParticipantID: s.ParticipantID,
		SessionID:     s.SessionID,
		Stage:         string(stage),
		StageStart:    stageStart,
	}
}
