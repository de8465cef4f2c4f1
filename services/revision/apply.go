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
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// InsertionStrategy names how an insertion offset was found.
type InsertionStrategy string

const (
	StrategyAfterSentence  InsertionStrategy = "after_sentence"
	StrategyAfterParagraph InsertionStrategy = "after_paragraph"
	StrategyAfterAnchor    InsertionStrategy = "after_anchor"
	StrategyEndOfEssay     InsertionStrategy = "end_of_essay"
	StrategyReplace        InsertionStrategy = "replace"
)

var (
	afterSentencePattern  = regexp.MustCompile(`(?is)^\s*after\s+the\s+sentence\s*[:：]?\s*(.+?)\s*$`)
	afterParagraphPattern = regexp.MustCompile(`(?i)^\s*after\s+paragraph\s+#?(\d+)\b`)

	// paragraphSeparator is one or more blank lines.
	paragraphSeparator = regexp.MustCompile(`\n[ \t\r]*\n\s*`)
)

// Edit is the result of applying a remedy.
type Edit struct {
	Text      string            `json:"text"`
	Highlight Range             `json:"highlight"`
	Strategy  InsertionStrategy `json:"strategy"`
}

// Apply applies issue's remedy to essay.
//
// # Outputs
//
//   - Edit: The new text and the range to highlight.
//   - bool: False when the remedy was stale and essay is unchanged.
//   - error: ErrNoRemedy for advisory issues.
func Apply(essay string, issue Issue) (Edit, bool, error) {
	switch issue.Remedy.Kind {
	case RemedyReplace:
		edit, ok := ApplyReplace(essay, issue)
		return edit, ok, nil
	case RemedyInsert:
		edit, ok := ApplyInsert(essay, issue)
		return edit, ok, nil
	default:
		return Edit{Text: essay}, false, fmt.Errorf("%w: %s", ErrNoRemedy, issue.ID)
	}
}

// ApplyReplace swaps the first occurrence of the anchor for the
// replacement text. When the anchor is no longer in essay the issue is
// stale and the essay is returned unchanged with ok == false. An empty
// replacement deletes the anchor; the highlight is then empty.
func ApplyReplace(essay string, issue Issue) (Edit, bool) {
	anchor := issue.AnchorText
	idx := -1
	if anchor != "" {
		idx = strings.Index(essay, anchor)
	}
	if idx < 0 {
		return Edit{Text: essay}, false
	}
	repl := issue.Remedy.Replacement
	text := essay[:idx] + repl + essay[idx+len(anchor):]
	return Edit{
		Text:      text,
		Highlight: Range{Start: idx, End: idx + len(repl)},
		Strategy:  StrategyReplace,
	}, true
}

// ApplyInsert inserts the issue's addition text into essay.
//
// # Description
//
// The offset comes from ResolveInsertionPoint. A space is added before the
// addition when the preceding character is not whitespace, and after it
// when a following character exists and is not whitespace. The highlight
// covers the addition only, not the padding.
//
// # Outputs
//
//   - Edit: New text and highlight.
//   - bool: False when the issue has no addition text.
func ApplyInsert(essay string, issue Issue) (Edit, bool) {
	addition := strings.TrimSpace(issue.Remedy.Insertion)
	if addition == "" {
		return Edit{Text: essay}, false
	}
	offset, strategy := ResolveInsertionPoint(essay, issue.Remedy.InsertionPoint, issue.AnchorText)

	lead, trail := "", ""
	if r, size := utf8.DecodeLastRuneInString(essay[:offset]); size > 0 && !unicode.IsSpace(r) {
		lead = " "
	}
	if r, size := utf8.DecodeRuneInString(essay[offset:]); size > 0 && !unicode.IsSpace(r) {
		trail = " "
	}

	text := essay[:offset] + lead + addition + trail + essay[offset:]
	start := offset + len(lead)
	return Edit{
		Text:      text,
		Highlight: Range{Start: start, End: start + len(addition)},
		Strategy:  strategy,
	}, true
}

// ResolveInsertionPoint turns an insertion point description into a byte
// offset in essay.
//
// # Description
//
// Strategies are tried in order, each falling through when it cannot be
// resolved:
//
//  1. `After the sentence: "<S>"`: just past the first occurrence of S and
//     any directly following sentence punctuation, closing quotes and
//     spaces. The run stops at a line break so the addition stays in the
//     sentence's paragraph.
//  2. `After paragraph <N>`: just past the Nth paragraph (1-based,
//     paragraphs separated by blank lines) and its trailing separator.
//  3. Just past the first occurrence of anchor, when anchor is non-empty.
//  4. The end of essay.
func ResolveInsertionPoint(essay, point, anchor string) (int, InsertionStrategy) {
	if m := afterSentencePattern.FindStringSubmatch(point); m != nil {
		sentence := extractQuoted(m[1])
		if sentence != "" {
			if idx := strings.Index(essay, sentence); idx >= 0 {
				return skipSentenceTail(essay, idx+len(sentence)), StrategyAfterSentence
			}
		}
	}

	if m := afterParagraphPattern.FindStringSubmatch(point); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 {
			ends := paragraphEnds(essay)
			if n <= len(ends) {
				return ends[n-1], StrategyAfterParagraph
			}
		}
	}

	if anchor != "" {
		if idx := strings.Index(essay, anchor); idx >= 0 {
			return idx + len(anchor), StrategyAfterAnchor
		}
	}

	return len(essay), StrategyEndOfEssay
}

// skipSentenceTail advances past terminal punctuation, closing quotes and
// horizontal whitespace starting at offset.
func skipSentenceTail(essay string, offset int) int {
	for offset < len(essay) {
		r, size := utf8.DecodeRuneInString(essay[offset:])
		switch r {
		case '.', '!', '?', '…', '"', '”', '’', '\'', ')', ' ', '\t':
			offset += size
		default:
			return offset
		}
	}
	return offset
}

// paragraphEnds returns, for every non-blank paragraph, the offset just
// past it and its trailing separator.
func paragraphEnds(essay string) []int {
	var ends []int
	start := 0
	for _, sep := range paragraphSeparator.FindAllStringIndex(essay, -1) {
		if strings.TrimSpace(essay[start:sep[0]]) != "" {
			ends = append(ends, sep[1])
		}
		start = sep[1]
	}
	if strings.TrimSpace(essay[start:]) != "" {
		ends = append(ends, len(essay))
	}
	return ends
}
