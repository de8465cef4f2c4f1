// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package revision implements the revision-assistance issue engine.
//
// A revision tool sends the essay to a language model, the model answers
// in a small markdown grammar, and this package turns that answer into
// Issues anchored to exact substrings of the essay. The Store keeps the
// live Issues for one writing stage and re-derives their resolved flags on
// every text change; the applicator turns an Issue's remedy into an edit.
//
// # Wire Grammar
//
// The grammar shared with the prompt templates is:
//
//	### Issue 1
//	> "exact text from the essay"
//	>
//	> **Issue**: short explanation
//	>
//	> **Fix**: "replacement text"
//
// Addition-format tools use **Suggestion**, **Addition label**,
// **Addition text** and **Insertion point** instead of **Fix**.
//
// # Thread Safety
//
// The pure functions (FindAllOccurrences, BuildSpans, Parse, Apply*) are
// safe for concurrent use. Store is not synchronized; Workspace owns a Store
// and serializes all access to it.
package revision

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownTool is returned for a tool type outside the fixed set.
	ErrUnknownTool = errors.New("unknown revision tool")

	// ErrIssueNotFound is returned when an issue id is not in the store.
	ErrIssueNotFound = errors.New("issue not found")

	// ErrIssueResolved is returned when a disposition change targets a
	// resolved issue.
	ErrIssueResolved = errors.New("issue already resolved")

	// ErrNoRemedy is returned when an issue carries nothing to apply.
	ErrNoRemedy = errors.New("issue has no applicable remedy")
)

// =============================================================================
// Tool Types
// =============================================================================

// ToolType identifies a revision tool. It also namespaces issue ids.
type ToolType string

const (
	ToolProofreader ToolType = "proofreader"
	ToolClarity     ToolType = "clarity"
	ToolArgument    ToolType = "argument"
)

// ResponseFormat selects which remedy fields a tool's answers carry.
type ResponseFormat int

const (
	// FormatReplacement answers carry a **Fix** that replaces the anchor.
	FormatReplacement ResponseFormat = iota

	// FormatAddition answers carry a suggestion and optionally an addition
	// to insert somewhere in the essay.
	FormatAddition
)

// String returns the name used in config files and logs.
func (f ResponseFormat) String() string {
	switch f {
	case FormatReplacement:
		return "replacement"
	case FormatAddition:
		return "addition"
	default:
		return "unknown"
	}
}

// ToolSpec describes the fixed properties of one revision tool.
type ToolSpec struct {
	Type        ToolType       `json:"type"`
	Label       string         `json:"label"`
	Description string         `json:"description"`
	Color       string         `json:"color"`
	Format      ResponseFormat `json:"-"`

	// AllowUnanchored permits issues that do not quote the essay, such as
	// whole-essay argument suggestions.
	AllowUnanchored bool `json:"allow_unanchored"`
}

// toolOrder is the display order and the order issues are listed in.
var toolOrder = []ToolSpec{
	{
		Type:            ToolArgument,
		Label:           "Argument Improver",
		Description:     "Identify weak arguments and confusing points",
		Color:           "#4CAF50",
		Format:          FormatAddition,
		AllowUnanchored: true,
	},
	{
		Type:        ToolClarity,
		Label:       "Writing clarity",
		Description: "Highlight unclear or hard to follow passages",
		Color:       "#2196F3",
		Format:      FormatReplacement,
	},
	{
		Type:        ToolProofreader,
		Label:       "Proof-reader",
		Description: "Find typos, grammatical mistakes, and misplaced punctuation",
		Color:       "#FFC107",
		Format:      FormatReplacement,
	},
}

// AllTools returns the tool specs in display order.
func AllTools() []ToolSpec {
	out := make([]ToolSpec, len(toolOrder))
	copy(out, toolOrder)
	return out
}

// LookupTool returns the ToolSpec for t.
func LookupTool(t ToolType) (ToolSpec, bool) {
	for _, spec := range toolOrder {
		if spec.Type == t {
			return spec, true
		}
	}
	return ToolSpec{}, false
}

// ParseToolType accepts either the slug ("proofreader") or the display
// label ("Proof-reader"), case-insensitively.
func ParseToolType(s string) (ToolType, error) {
	s = strings.TrimSpace(s)
	for _, spec := range toolOrder {
		if strings.EqualFold(s, string(spec.Type)) || strings.EqualFold(s, spec.Label) {
			return spec.Type, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTool, s)
}

// toolRank orders tool types for deterministic listings.
func toolRank(t ToolType) int {
	for i, spec := range toolOrder {
		if spec.Type == t {
			return i
		}
	}
	return len(toolOrder)
}
