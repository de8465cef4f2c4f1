// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session tracks study participants and their revision workspaces.
//
// A Session is fixed when it is created: the participant keeps the same
// condition and essay topic however often they reconnect. Each session owns
// at most one revision.Workspace, created on first use and dropped when the
// participant has been idle past the registry's timeout.
package session

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/essaylab/pkg/validation"
)

var (
	// ErrNotFound means no session exists for the participant.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidParticipant rejects ids that are empty or unsafe to store.
	ErrInvalidParticipant = errors.New("invalid participant id")
)

const (
	participantPrefix = "p_"
	participantIDLen  = 9
)

// Session is one participant's enrollment in the study.
type Session struct {
	ParticipantID string    `json:"participant_id"`
	SessionID     string    `json:"session_id"`
	Condition     int       `json:"condition"`
	PromptID      string    `json:"prompt_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Assignment is the condition and topic chosen for a new participant.
type Assignment struct {
	Condition int
	PromptID  string
}

// Store persists sessions across restarts and evictions.
type Store interface {
	PutSession(ctx context.Context, s Session) error
	// GetSession returns ErrNotFound when the participant is unknown.
	GetSession(ctx context.Context, participantID string) (Session, error)
}

// NewParticipantID returns "p_" followed by 9 lowercase base36 characters.
func NewParticipantID() string {
	u := uuid.New()
	digits := new(big.Int).SetBytes(u[:]).Text(36)
	if len(digits) < participantIDLen {
		digits = strings.Repeat("0", participantIDLen-len(digits)) + digits
	}
	return participantPrefix + digits[len(digits)-participantIDLen:]
}

// NewSessionID joins the participant id and the creation time in unix
// milliseconds.
func NewSessionID(participantID string, at time.Time) string {
	return participantID + "_" + strconv.FormatInt(at.UnixMilli(), 10)
}

// ValidParticipantID reports whether id may be used as a participant id.
// Ids arrive from URLs, so only a conservative character set is allowed.
func ValidParticipantID(id string) bool {
	return validation.ValidateParticipantID(id) == nil
}
