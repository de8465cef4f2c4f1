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
	"regexp"
	"strings"
	"unicode/utf8"
)

// =============================================================================
// Grammar
// =============================================================================

var (
	// sectionDelimiter splits a response into issue sections.
	sectionDelimiter = regexp.MustCompile(`### Issue \d+`)

	// fieldLine matches "> **Name**: value", "**Name:** value" and the
	// full-width colon variants.
	fieldLine = regexp.MustCompile(`^(?:>\s*)?\*\*\s*([A-Za-z][A-Za-z ]*?)\s*[:：]?\s*\*\*\s*[:：]?\s*(.*)$`)

	// blockquotePrefix strips one or more leading blockquote markers.
	blockquotePrefix = regexp.MustCompile(`^(?:>\s*)+`)
)

// field names, lowercased with single spaces.
const (
	fieldIssue          = "issue"
	fieldFix            = "fix"
	fieldSuggestion     = "suggestion"
	fieldAdditionLabel  = "addition label"
	fieldAdditionText   = "addition text"
	fieldInsertionPoint = "insertion point"
)

var knownFields = map[string]bool{
	fieldIssue:          true,
	fieldFix:            true,
	fieldSuggestion:     true,
	fieldAdditionLabel:  true,
	fieldAdditionText:   true,
	fieldInsertionPoint: true,
}

// quotePairs lists the opening and closing quote runes accepted around
// anchors and field values.
var quotePairs = [][2]string{
	{`"`, `"`},
	{"“", "”"}, // “ ”
	{"“", `"`},
	{`"`, "”"},
	{"‘", "’"}, // ‘ ’
}

// =============================================================================
// Results
// =============================================================================

// RejectReason says why a section did not become an issue.
type RejectReason string

const (
	// RejectAnchorNotFound is the hallucination guard: the model quoted
	// text that is not in the essay verbatim.
	RejectAnchorNotFound RejectReason = "anchor_not_found"

	// RejectMissingAnchor means the section quoted nothing and the tool
	// requires a quote.
	RejectMissingAnchor RejectReason = "missing_anchor"

	// RejectEmpty means an unanchored section had no content at all.
	RejectEmpty RejectReason = "empty_section"
)

// Rejection records a dropped section for diagnostics.
type Rejection struct {
	Section int          `json:"section"`
	Anchor  string       `json:"anchor,omitempty"`
	Reason  RejectReason `json:"reason"`
}

// ParseResult is the outcome of parsing one model answer.
type ParseResult struct {
	Tool     ToolType    `json:"tool"`
	Sections int         `json:"sections"`
	Issues   []Issue     `json:"issues"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// =============================================================================
// Parser
// =============================================================================

// section is the raw field content of one "### Issue N" block.
type section struct {
	anchor         string
	description    string
	fix            string
	hasFix         bool
	suggestion     string
	additionLabel  string
	additionText   string
	insertionPoint string
}

// Parse converts one raw model answer into issues validated against essay.
//
// # Description
//
// The answer is split on "### Issue <n>" headings; text before the first
// heading is ignored. Each section is scanned for an anchor line (the first
// blockquote line carrying a quote that is not a labeled field) and for
// labeled **Field** lines. A section becomes an Issue only when its anchor
// occurs verbatim in essay. Tools that allow unanchored issues may also keep
// sections without an anchor. Accepted issues are numbered 1.. in section
// order.
//
// # Inputs
//
//   - tool: The tool that produced raw. Unknown tools yield no issues.
//   - raw: The model answer, possibly malformed or adversarial.
//   - essay: The essay text at parse time.
//
// # Outputs
//
//   - ParseResult: Never an error; malformed input simply yields fewer issues.
//
// # Limitations
//
//   - Anchors are matched case-sensitively with no whitespace folding, so a
//     paraphrased quote is dropped even when it is close.
func Parse(tool ToolType, raw, essay string) ParseResult {
	result := ParseResult{Tool: tool}
	spec, ok := LookupTool(tool)
	if !ok {
		return result
	}

	bounds := sectionDelimiter.FindAllStringIndex(raw, -1)
	if len(bounds) == 0 {
		return result
	}
	result.Sections = len(bounds)

	for n, b := range bounds {
		end := len(raw)
		if n+1 < len(bounds) {
			end = bounds[n+1][0]
		}
		sec := scanSection(raw[b[1]:end])

		if sec.anchor == "" {
			if !spec.AllowUnanchored {
				result.Rejected = append(result.Rejected, Rejection{Section: n + 1, Reason: RejectMissingAnchor})
				continue
			}
			if sec.description == "" && sec.suggestion == "" && sec.additionText == "" && sec.fix == "" {
				result.Rejected = append(result.Rejected, Rejection{Section: n + 1, Reason: RejectEmpty})
				continue
			}
		} else if !strings.Contains(essay, sec.anchor) {
			result.Rejected = append(result.Rejected, Rejection{
				Section: n + 1,
				Anchor:  sec.anchor,
				Reason:  RejectAnchorNotFound,
			})
			continue
		}

		seq := len(result.Issues) + 1
		result.Issues = append(result.Issues, sec.toIssue(spec, seq))
	}
	return result
}

func (s section) toIssue(spec ToolSpec, seq int) Issue {
	issue := Issue{
		ID:          IssueID(spec.Type, seq),
		Tool:        spec.Type,
		Sequence:    seq,
		AnchorText:  s.anchor,
		Description: s.description,
		Remedy:      Remedy{Kind: RemedyNone},
	}

	switch spec.Format {
	case FormatReplacement:
		issue.Suggestion = s.suggestion
		if s.hasFix {
			issue.Remedy = Remedy{Kind: RemedyReplace, Replacement: s.fix}
		}
	case FormatAddition:
		issue.Suggestion = s.suggestion
		if issue.Suggestion == "" {
			issue.Suggestion = s.fix
		}
		if s.additionText != "" {
			issue.Remedy = Remedy{
				Kind:           RemedyInsert,
				Label:          s.additionLabel,
				Insertion:      s.additionText,
				InsertionPoint: s.insertionPoint,
			}
		}
	}
	return issue
}

// scanSection extracts the anchor and labeled fields from one section body.
func scanSection(body string) section {
	var sec section
	anchorFound := false

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if name, value, ok := matchField(line); ok {
			sec.set(name, value)
			continue
		}

		if !anchorFound && strings.HasPrefix(line, ">") && containsQuote(line) {
			anchorFound = true
			payload := strings.TrimSpace(blockquotePrefix.ReplaceAllString(line, ""))
			sec.anchor = extractQuoted(payload)
		}
	}
	return sec
}

func (s *section) set(name, value string) {
	switch name {
	case fieldIssue:
		s.description = unquote(value)
	case fieldFix:
		s.fix = unquote(value)
		s.hasFix = true
	case fieldSuggestion:
		s.suggestion = unquote(value)
	case fieldAdditionLabel:
		s.additionLabel = unquote(value)
	case fieldAdditionText:
		s.additionText = unquote(value)
	case fieldInsertionPoint:
		s.insertionPoint = unquote(value)
	}
}

// matchField recognizes a labeled field line and returns its normalized
// name and value.
func matchField(line string) (string, string, bool) {
	m := fieldLine.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	name := strings.ToLower(strings.Join(strings.Fields(m[1]), " "))
	if !knownFields[name] {
		return "", "", false
	}
	return name, strings.TrimSpace(m[2]), true
}

func containsQuote(s string) bool {
	return strings.ContainsAny(s, "\"“”")
}

// extractQuoted returns the quoted payload of an anchor line. A line that
// is wholly quoted is unwrapped; otherwise the text between the first
// opening quote and the last closing quote is used.
func extractQuoted(s string) string {
	if u := unquote(s); u != s {
		return u
	}
	open := strings.IndexAny(s, "\"“")
	if open < 0 {
		return strings.TrimSpace(s)
	}
	_, openSize := utf8.DecodeRuneInString(s[open:])
	rest := s[open+openSize:]
	closeIdx := strings.LastIndexAny(rest, "\"”")
	if closeIdx < 0 {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(rest[:closeIdx])
}

// unquote strips one matching pair of surrounding quotes.
func unquote(s string) string {
	for _, pair := range quotePairs {
		if len(s) >= len(pair[0])+len(pair[1]) && strings.HasPrefix(s, pair[0]) && strings.HasSuffix(s, pair[1]) {
			return strings.TrimSpace(s[len(pair[0]) : len(s)-len(pair[1])])
		}
	}
	return s
}
