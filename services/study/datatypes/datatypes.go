// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response bodies of the study API.
//
// Requests are bound with gin and then checked with Validate, which runs
// go-playground/validator over the struct tags plus the custom rules
// registered in init.
package datatypes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/essaylab/services/study/session"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxTextBytes bounds essay text, prompts and snapshot bodies.
	MaxTextBytes = 64 * 1024

	// MaxEventDataBytes bounds one interaction event's JSON payload.
	MaxEventDataBytes = 16 * 1024

	// MaxLogBatch is the most events accepted in one /api/log call.
	MaxLogBatch = 100

	// MaxExistingIdeas bounds the idea list sent for single-idea prompts.
	MaxExistingIdeas = 50
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = validate.RegisterValidation("participantid", validateParticipantID)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	limit := MaxTextBytes
	if p := fl.Param(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			limit = n
		}
	}
	return len(fl.Field().String()) <= limit
}

func validateParticipantID(fl validator.FieldLevel) bool {
	return session.ValidParticipantID(fl.Field().String())
}

// =============================================================================
// Flexible scalars
// =============================================================================

// FlexString accepts a JSON string or number. The browser sends the study
// condition as either, depending on where it was read from.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = FlexString(n.String())
	return nil
}

// =============================================================================
// Participants
// =============================================================================

// CreateParticipantRequest is the body of POST /api/participants. Every
// field is optional; an existing participant id returns the stored session.
type CreateParticipantRequest struct {
	ParticipantID string `json:"participant_id" validate:"omitempty,participantid"`
	Condition     int    `json:"condition" validate:"gte=0"`
	PromptID      string `json:"prompt_id" validate:"omitempty,max=50"`
}

func (r *CreateParticipantRequest) Validate() error {
	return validate.Struct(r)
}

// StagePlan is what the client needs to run one stage.
type StagePlan struct {
	Name         string `json:"name"`
	Title        string `json:"title"`
	Instructions string `json:"instructions"`
	Minutes      int    `json:"minutes"`
	AISupport    bool   `json:"ai_support"`
}

// StudyPlan is a participant's session together with their condition's
// stage settings and essay topic.
type StudyPlan struct {
	Session        session.Session `json:"session"`
	Created        bool            `json:"created"`
	ConditionName  string          `json:"condition_name"`
	PromptText     string          `json:"prompt_text"`
	Stages         []StagePlan     `json:"stages"`
	WarningSeconds []int           `json:"warning_seconds"`
}

// =============================================================================
// Model proxy
// =============================================================================

// CompletionRequest is the body of POST /api/openai.
type CompletionRequest struct {
	Prompt string `json:"prompt" validate:"required,maxbytes"`
}

func (r *CompletionRequest) Validate() error {
	return validate.Struct(r)
}

// CompletionResponse carries the model's answer.
type CompletionResponse struct {
	Completion string `json:"completion"`
}

// IdeasRequest is the body of POST /api/ideas. Kind names the prompt
// template; the other fields fill it.
type IdeasRequest struct {
	ParticipantID string   `json:"participant_id" validate:"required,participantid"`
	Kind          string   `json:"kind" validate:"required,oneof=outline draft ai_draft single_idea idea_outline"`
	Outline       string   `json:"outline" validate:"maxbytes"`
	Essay         string   `json:"essay" validate:"maxbytes"`
	Idea          string   `json:"idea" validate:"maxbytes=4096"`
	ExistingIdeas []string `json:"existing_ideas" validate:"max=50,dive,maxbytes=4096"`
}

func (r *IdeasRequest) Validate() error {
	return validate.Struct(r)
}

// =============================================================================
// Surveys, snapshots and logs
// =============================================================================

// SurveyRequest is the body of POST /api/survey/submit.
type SurveyRequest struct {
	ParticipantID string          `json:"participant_id" validate:"required,participantid"`
	SurveyType    string          `json:"survey_type" validate:"required,max=20"`
	PromptID      string          `json:"prompt_id" validate:"max=50"`
	Condition     FlexString      `json:"condition" validate:"max=50"`
	Responses     json.RawMessage `json:"responses" validate:"required"`
	Timestamp     *time.Time      `json:"timestamp"`
}

func (r *SurveyRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if !json.Valid(r.Responses) {
		return fmt.Errorf("responses is not valid JSON")
	}
	return nil
}

// SnapshotRequest is the body of POST /api/snapshot/submit.
type SnapshotRequest struct {
	ParticipantID      string     `json:"participant_id" validate:"required,participantid"`
	Stage              string     `json:"stage" validate:"required,oneof=outline draft revision"`
	TimeFromStageStart int64      `json:"time_from_stage_start" validate:"gte=0"`
	TextContent        string     `json:"text_content" validate:"maxbytes"`
	Type               string     `json:"type" validate:"max=20"`
	CreatedAt          *time.Time `json:"created_at"`
}

func (r *SnapshotRequest) Validate() error {
	return validate.Struct(r)
}

// LogEntry is one interaction event posted by the browser.
type LogEntry struct {
	ParticipantID      string          `json:"participant_id" validate:"required,participantid"`
	SessionID          string          `json:"session_id" validate:"max=100"`
	Stage              string          `json:"stage" validate:"required,max=20"`
	TimeFromStageStart int64           `json:"time_from_stage_start" validate:"gte=0"`
	EventType          string          `json:"event_type" validate:"required,max=100"`
	EventData          json.RawMessage `json:"event_data"`
}

// LogBatch is the body of POST /api/log: either one entry or an array.
type LogBatch []LogEntry

func (b *LogBatch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var entries []LogEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return err
		}
		*b = entries
		return nil
	}
	var one LogEntry
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*b = LogBatch{one}
	return nil
}

func (b LogBatch) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("no log entries")
	}
	if len(b) > MaxLogBatch {
		return fmt.Errorf("too many log entries: %d > %d", len(b), MaxLogBatch)
	}
	for i := range b {
		if err := validate.Struct(&b[i]); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if len(b[i].EventData) > MaxEventDataBytes {
			return fmt.Errorf("entry %d: event_data exceeds %d bytes", i, MaxEventDataBytes)
		}
		if len(b[i].EventData) > 0 && !json.Valid(b[i].EventData) {
			return fmt.Errorf("entry %d: event_data is not valid JSON", i)
		}
	}
	return nil
}

// =============================================================================
// Revision
// =============================================================================

// NavigateRequest is the body of PUT /api/revision/:participantId/stage.
type NavigateRequest struct {
	Stage string `json:"stage" validate:"required,oneof=outline draft revision"`
	Text  string `json:"text" validate:"maxbytes"`
}

func (r *NavigateRequest) Validate() error {
	r.Stage = strings.ToLower(strings.TrimSpace(r.Stage))
	return validate.Struct(r)
}

// TextRequest is the body of PUT /api/revision/:participantId/text.
type TextRequest struct {
	Text string `json:"text" validate:"maxbytes"`
}

func (r *TextRequest) Validate() error {
	return validate.Struct(r)
}
