// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import (
	"strconv"
	"time"
)

// RemedyKind says how an issue can be applied to the essay.
type RemedyKind string

const (
	// RemedyNone marks advisory issues with nothing to apply.
	RemedyNone RemedyKind = "none"

	// RemedyReplace swaps the first occurrence of the anchor for Replacement.
	RemedyReplace RemedyKind = "replace"

	// RemedyInsert inserts Insertion at the point named by InsertionPoint.
	RemedyInsert RemedyKind = "insert"
)

// Remedy is the action a user can accept for an issue.
//
// Replacement may be empty with Kind == RemedyReplace, which deletes the
// anchor text.
type Remedy struct {
	Kind           RemedyKind `json:"kind"`
	Replacement    string     `json:"replacement,omitempty"`
	Label          string     `json:"label,omitempty"`
	Insertion      string     `json:"insertion,omitempty"`
	InsertionPoint string     `json:"insertion_point,omitempty"`
}

// Issue is one flagged problem produced by a single tool invocation.
//
// Issues are immutable once parsed; the store tracks the derived resolved
// flag and the user's disposition next to them.
type Issue struct {
	ID          string   `json:"id"`
	Tool        ToolType `json:"tool"`
	Sequence    int      `json:"sequence"`
	AnchorText  string   `json:"anchor_text"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Remedy      Remedy   `json:"remedy"`
}

// Anchored reports whether the issue refers to a specific substring.
func (i Issue) Anchored() bool {
	return i.AnchorText != ""
}

// IssueID builds the tool-namespaced id for the nth accepted issue.
func IssueID(tool ToolType, sequence int) string {
	return string(tool) + "-" + strconv.Itoa(sequence)
}

// ResultStatus is the outcome of the model call behind a ToolResult.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// ToolResult is the raw model answer for one invocation, kept verbatim so
// it can be shown again and re-parsed.
type ToolResult struct {
	Tool       ToolType     `json:"tool"`
	Seq        uint64       `json:"seq"`
	Status     ResultStatus `json:"status"`
	Raw        string       `json:"raw"`
	Error      string       `json:"error,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
}

// FailureText is substituted for the model answer when the call fails, so
// the parser still runs and yields no issues.
func FailureText(spec ToolSpec) string {
	return "Failed to use " + spec.Label + ". Please try again."
}
