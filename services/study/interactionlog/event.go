// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package interactionlog records what participants do while writing.
//
// Events come from two places: the browser posts keystrokes, clicks and
// focus changes to /api/log, and the service itself records tool runs,
// remedy applications and stage changes. Both go through a Recorder, which
// batches them to one or more Sinks.
//
// Event types are "category:detail", e.g. "keystroke:paste" or
// "api_call:success". The detail part is free form.
package interactionlog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event categories.
const (
	CategoryKeystroke     = "keystroke"
	CategoryButton        = "button"
	CategoryAPICall       = "api_call"
	CategoryBrowser       = "browser"
	CategoryError         = "error"
	CategoryTextSelection = "text_selection"
	CategoryNavigation    = "navigation"
)

// Event is one stored interaction.
type Event struct {
	ParticipantID string `json:"participant_id"`
	SessionID     string `json:"session_id"`
	Stage         string `json:"stage"`

	// TimeFromStageStart is milliseconds since the participant entered Stage.
	TimeFromStageStart int64 `json:"time_from_stage_start"`

	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Category returns the part of EventType before the colon.
func (e Event) Category() string {
	category, _, _ := strings.Cut(e.EventType, ":")
	return category
}

// Origin says who produced an event and when their stage began.
type Origin struct {
	ParticipantID string
	SessionID     string
	Stage         string
	StageStart    time.Time
}

// Payload is the type-specific half of an event, built by the constructors
// below.
type Payload struct {
	Type string
	Data map[string]any
}

// NewEvent combines an origin and payload into an Event stamped at now.
func NewEvent(o Origin, p Payload, now time.Time) (Event, error) {
	data := make(map[string]any, len(p.Data)+1)
	for k, v := range p.Data {
		data[k] = v
	}
	data["timestamp"] = now.UnixMilli()
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", p.Type, err)
	}

	var since int64
	if !o.StageStart.IsZero() && now.After(o.StageStart) {
		since = now.Sub(o.StageStart).Milliseconds()
	}
	return Event{
		ParticipantID:      o.ParticipantID,
		SessionID:          o.SessionID,
		Stage:              o.Stage,
		TimeFromStageStart: since,
		EventType:          p.Type,
		EventData:          raw,
		CreatedAt:          now.UTC(),
	}, nil
}

// =============================================================================
// Payload Constructors
// =============================================================================

// Selection is a highlighted range of the text box.
type Selection struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text,omitempty"`
}

func Keystroke(key string, keyCode, cursor int, selection *Selection) Payload {
	return Payload{
		Type: CategoryKeystroke + ":" + key,
		Data: map[string]any{"key": key, "keyCode": keyCode, "cursorPosition": cursor, "textSelection": selection},
	}
}

func Paste(text string, cursor int) Payload {
	return Payload{
		Type: CategoryKeystroke + ":paste",
		Data: map[string]any{"text": text, "cursorPosition": cursor},
	}
}

func Cut(text string, cursor int) Payload {
	return Payload{
		Type: CategoryKeystroke + ":cut",
		Data: map[string]any{"text": text, "cursorPosition": cursor},
	}
}

func Copy(text string, cursor int) Payload {
	return Payload{
		Type: CategoryKeystroke + ":copy",
		Data: map[string]any{"text": text, "cursorPosition": cursor},
	}
}

// Delete records a backspace or delete; deleteType names which.
func Delete(deleteType string, cursor int, deleted string) Payload {
	return Payload{
		Type: CategoryKeystroke + ":" + deleteType,
		Data: map[string]any{"deleteType": deleteType, "cursorPosition": cursor, "deletedText": deleted},
	}
}

func Button(buttonID string, context map[string]any) Payload {
	return Payload{
		Type: CategoryButton + ":" + buttonID,
		Data: map[string]any{"buttonId": buttonID, "context": context},
	}
}

// APICall records a model request. status becomes the event detail, so
// failures can be counted by event type alone.
func APICall(apiType, prompt, response, status string, duration time.Duration, context map[string]any) Payload {
	data := map[string]any{
		"apiType":  apiType,
		"prompt":   prompt,
		"response": response,
		"status":   status,
		"duration": duration.Milliseconds(),
	}
	for k, v := range context {
		if _, taken := data[k]; !taken {
			data[k] = v
		}
	}
	return Payload{Type: CategoryAPICall + ":" + status, Data: data}
}

func Browser(eventType string, details map[string]any) Payload {
	return Payload{
		Type: CategoryBrowser + ":" + eventType,
		Data: map[string]any{"eventType": eventType, "details": details},
	}
}

func Error(errorType, message, stack string) Payload {
	return Payload{
		Type: CategoryError + ":" + errorType,
		Data: map[string]any{"errorType": errorType, "errorMessage": message, "stack": stack},
	}
}

func TextSelection(start, end int, text string) Payload {
	return Payload{
		Type: CategoryTextSelection + ":change",
		Data: map[string]any{"start": start, "end": end, "selectedText": text},
	}
}

func Navigation(from, to string) Payload {
	return Payload{
		Type: CategoryNavigation + ":stage_change",
		Data: map[string]any{"fromStage": from, "toStage": to},
	}
}
