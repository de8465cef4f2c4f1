// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/essaylab/services/revision"
)

// =============================================================================
// Essay Highlighting
// =============================================================================

// MarkSpans renders spans as plain text with each highlighted run written
// as [text]{id,id}. Unhighlighted runs are copied unchanged.
func MarkSpans(spans []revision.Span) string {
	var b strings.Builder
	for _, s := range spans {
		if !s.Highlighted() {
			b.WriteString(s.Text)
			continue
		}
		b.WriteByte('[')
		b.WriteString(s.Text)
		b.WriteString("]{")
		b.WriteString(strings.Join(s.IssueIDs, ","))
		b.WriteByte('}')
	}
	return b.String()
}

func spanStyle(s revision.Span) lipgloss.Style {
	style := lipgloss.NewStyle().Underline(true)
	if len(s.ToolTypes) > 0 {
		if spec, ok := revision.LookupTool(s.ToolTypes[0]); ok {
			style = style.Foreground(lipgloss.Color(spec.Color))
		}
	}
	allResolved := true
	for _, r := range s.Resolved {
		allResolved = allResolved && r
	}
	if allResolved {
		style = style.Foreground(ColorMuted).Underline(false).Strikethrough(true)
	}
	if s.Overlapping {
		style = style.Bold(true)
	}
	return style
}

// Essay prints the essay with its issue spans marked.
func (p *Printer) Essay(spans []revision.Span) {
	switch p.mode {
	case ModeMachine:
		for _, s := range spans {
			if s.Highlighted() {
				p.Record("span", strconv.Itoa(s.Start), strconv.Itoa(s.End), strings.Join(s.IssueIDs, ","), s.Text)
			}
		}
	case ModePlain:
		fmt.Fprintln(p.out, MarkSpans(spans))
	default:
		var b strings.Builder
		for _, s := range spans {
			if !s.Highlighted() {
				b.WriteString(s.Text)
				continue
			}
			b.WriteString(spanStyle(s).Render(s.Text))
		}
		fmt.Fprintln(p.out, Styles.Box.Width(72).Render(b.String()))
	}
}

// =============================================================================
// Issue Cards
// =============================================================================

func statusIcon(st revision.Status) Icon {
	switch st {
	case revision.StatusResolved:
		return IconSuccess
	case revision.StatusDismissed:
		return IconPending
	default:
		return IconBullet
	}
}

func remedySummary(r revision.Remedy) string {
	switch r.Kind {
	case revision.RemedyReplace:
		if r.Replacement == "" {
			return "delete"
		}
		return fmt.Sprintf("replace with %q", r.Replacement)
	case revision.RemedyInsert:
		label := r.Label
		if label == "" {
			label = "add"
		}
		return fmt.Sprintf("%s: %q", label, r.Insertion)
	}
	return ""
}

// Issues prints one card per issue.
func (p *Printer) Issues(views []revision.IssueView) {
	if len(views) == 0 {
		if p.mode != ModeMachine {
			p.Muted("No issues.")
		}
		return
	}
	for _, v := range views {
		is := v.Issue
		remedy := remedySummary(is.Remedy)
		if p.mode == ModeMachine {
			p.Record("issue", is.ID, string(is.Tool), string(v.Status), is.AnchorText, string(is.Remedy.Kind), remedy, is.Description)
			continue
		}

		header := fmt.Sprintf("%s %s", p.icon(statusIcon(v.Status)), p.style(Styles.Bold, is.ID))
		if v.Status != revision.StatusActive {
			header += " " + p.style(Styles.Muted, "("+string(v.Status)+")")
		}
		fmt.Fprintln(p.out, header)
		if is.AnchorText != "" {
			fmt.Fprintf(p.out, "    %q\n", is.AnchorText)
		}
		if is.Description != "" {
			fmt.Fprintf(p.out, "    %s\n", is.Description)
		}
		if is.Suggestion != "" {
			fmt.Fprintf(p.out, "    %s %s\n", p.style(Styles.Muted, "suggestion:"), is.Suggestion)
		}
		if remedy != "" {
			fmt.Fprintf(p.out, "    %s %s\n", p.icon(IconArrow), p.style(Styles.Highlight, remedy))
		}
	}
}

// Rejections prints the sections the parser dropped.
func (p *Printer) Rejections(rejected []revision.Rejection) {
	for _, r := range rejected {
		if p.mode == ModeMachine {
			p.Record("rejected", strconv.Itoa(r.Section), string(r.Reason), r.Anchor)
			continue
		}
		msg := fmt.Sprintf("section %d dropped: %s", r.Section, r.Reason)
		if r.Anchor != "" {
			msg += fmt.Sprintf(" (%q)", r.Anchor)
		}
		p.Warning(msg)
	}
}

// Outcome prints the result of applying a remedy.
func (p *Printer) Outcome(o revision.RemedyOutcome) {
	if p.mode == ModeMachine {
		p.Record("applied", o.Issue.Issue.ID, strconv.FormatBool(o.Applied), string(o.Edit.Strategy))
		return
	}
	if !o.Applied {
		p.Warning(fmt.Sprintf("%s not applied: anchor no longer in the essay", o.Issue.Issue.ID))
		return
	}
	p.Success(fmt.Sprintf("%s applied (%s)", o.Issue.Issue.ID, o.Edit.Strategy))
}
