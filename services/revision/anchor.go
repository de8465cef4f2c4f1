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
	"strings"
	"unicode/utf8"
)

// =============================================================================
// Ranges
// =============================================================================

// Range is a half-open [Start, End) byte range into the essay text.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered.
func (r Range) Len() int {
	return r.End - r.Start
}

// FindAllOccurrences returns every place needle occurs verbatim in haystack.
//
// # Description
//
// Scans left to right. After a match at position p the scan resumes one
// rune after p, so overlapping repeats ("aa" in "aaa") are each reported.
// Ranges are ordered by Start.
//
// # Inputs
//
//   - haystack: The essay text.
//   - needle: Literal, case-sensitive substring.
//
// # Outputs
//
//   - []Range: Empty when needle is empty or absent.
//
// # Examples
//
//	FindAllOccurrences("nice and nice", "nice") // [{0 4} {9 13}]
func FindAllOccurrences(haystack, needle string) []Range {
	if needle == "" || len(needle) > len(haystack) {
		return nil
	}
	var out []Range
	from := 0
	for from <= len(haystack)-len(needle) {
		idx := strings.Index(haystack[from:], needle)
		if idx < 0 {
			break
		}
		start := from + idx
		out = append(out, Range{Start: start, End: start + len(needle)})
		_, size := utf8.DecodeRuneInString(haystack[start:])
		from = start + size
	}
	return out
}

// =============================================================================
// Character Classification
// =============================================================================

// CharAnnotation lists the issues covering one byte position. The three
// slices are parallel and ordered the way the issues were supplied.
type CharAnnotation struct {
	IssueIDs  []string
	ToolTypes []ToolType
	Resolved  []bool
}

func (a CharAnnotation) equal(b CharAnnotation) bool {
	if len(a.IssueIDs) != len(b.IssueIDs) {
		return false
	}
	for i := range a.IssueIDs {
		if a.IssueIDs[i] != b.IssueIDs[i] || a.ToolTypes[i] != b.ToolTypes[i] || a.Resolved[i] != b.Resolved[i] {
			return false
		}
	}
	return true
}

// Classify annotates every byte of haystack with the issues whose anchor
// covers it. Each issue contributes the union of all its occurrences and is
// recorded at most once per position. Unanchored issues cover nothing.
func Classify(haystack string, issues []IssueView) []CharAnnotation {
	marks := make([]CharAnnotation, len(haystack))
	for _, view := range issues {
		if !view.Issue.Anchored() {
			continue
		}
		lastMarked := -1
		for _, r := range FindAllOccurrences(haystack, view.Issue.AnchorText) {
			// Overlapping occurrences of the same anchor must not record the
			// issue twice at one position.
			start := r.Start
			if start <= lastMarked {
				start = lastMarked + 1
			}
			for pos := start; pos < r.End; pos++ {
				m := &marks[pos]
				m.IssueIDs = append(m.IssueIDs, view.Issue.ID)
				m.ToolTypes = append(m.ToolTypes, view.Issue.Tool)
				m.Resolved = append(m.Resolved, view.Resolved)
			}
			if r.End-1 > lastMarked {
				lastMarked = r.End - 1
			}
		}
	}
	return marks
}

// =============================================================================
// Spans
// =============================================================================

// Span is a maximal run of text sharing one annotation.
type Span struct {
	Range
	Text        string     `json:"text"`
	IssueIDs    []string   `json:"issue_ids,omitempty"`
	ToolTypes   []ToolType `json:"tool_types,omitempty"`
	Resolved    []bool     `json:"resolved,omitempty"`
	Overlapping bool       `json:"overlapping"`
}

// Highlighted reports whether any issue covers the span.
func (s Span) Highlighted() bool {
	return len(s.IssueIDs) > 0
}

// BuildSpans groups the classification of haystack into display spans.
//
// # Description
//
// Adjacent positions with identical annotations (same ids, tool types and
// resolved flags in the same order) are merged. Spans covered by more than
// one issue are flagged Overlapping so the renderer can use combined
// styling. Concatenating every Span.Text reproduces haystack.
//
// # Outputs
//
//   - []Span: Empty for an empty haystack.
func BuildSpans(haystack string, issues []IssueView) []Span {
	if haystack == "" {
		return nil
	}
	marks := Classify(haystack, issues)

	var spans []Span
	start := 0
	for pos := 1; pos <= len(marks); pos++ {
		if pos < len(marks) && marks[pos].equal(marks[start]) {
			continue
		}
		m := marks[start]
		spans = append(spans, Span{
			Range:       Range{Start: start, End: pos},
			Text:        haystack[start:pos],
			IssueIDs:    m.IssueIDs,
			ToolTypes:   m.ToolTypes,
			Resolved:    m.Resolved,
			Overlapping: len(m.IssueIDs) > 1,
		})
		start = pos
	}
	return spans
}
