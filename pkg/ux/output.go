// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the essaylab CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// EssayLab palette
var (
	ColorAccent  = lipgloss.Color("#2CD7C7")
	ColorPrimary = lipgloss.Color("#20B9B4")
	ColorBorder  = lipgloss.Color("#16858E")
	ColorSlate   = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6B8791")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorAccent).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Output Mode
// =============================================================================

// Mode controls how rich the output is.
type Mode string

const (
	// ModeStyled uses colors, icons and boxes.
	ModeStyled Mode = "styled"

	// ModePlain keeps the layout but drops all styling.
	ModePlain Mode = "plain"

	// ModeMachine prints tab separated records for scripts.
	ModeMachine Mode = "machine"
)

// ParseMode maps a --output flag value to a Mode. Empty and "auto" pick
// ModeStyled on a terminal and ModePlain otherwise.
func ParseMode(s string, out *os.File) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", "auto":
		return DetectMode(out), nil
	case ModeStyled, ModePlain, ModeMachine:
		return m, nil
	}
	return "", fmt.Errorf("unknown output mode %q (want auto, styled, plain or machine)", s)
}

// DetectMode returns ModeStyled when f is a terminal.
func DetectMode(f *os.File) Mode {
	if f == nil {
		return ModePlain
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return ModeStyled
	}
	return ModePlain
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes styled messages. Warnings and errors in ModeMachine go to
// the error stream so stdout stays parseable.
type Printer struct {
	out  io.Writer
	err  io.Writer
	mode Mode
}

// NewPrinter returns a Printer writing to out and errOut.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	if errOut == nil {
		errOut = out
	}
	return &Printer{out: out, err: errOut, mode: mode}
}

// Mode returns the printer's output mode.
func (p *Printer) Mode() Mode {
	return p.mode
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.mode != ModeStyled {
		return text
	}
	return s.Render(text)
}

func (p *Printer) icon(i Icon) string {
	if p.mode != ModeStyled {
		return string(i)
	}
	return i.Render()
}

// Title prints a styled title
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.out, p.style(Styles.Title, text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.icon(IconSuccess), p.style(Styles.Success, text))
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.err, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.icon(IconWarning), p.style(Styles.Warning, text))
}

// Error prints an error message
func (p *Printer) Error(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.err, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.err, "%s %s\n", p.icon(IconError), p.style(Styles.Error, text))
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.style(Styles.Muted, "│"), text)
}

// Muted prints secondary text. Nothing in ModeMachine.
func (p *Printer) Muted(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.out, p.style(Styles.Muted, text))
}

// Box prints content in a rounded box under title
func (p *Printer) Box(title, content string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.out, "%s: %s\n", title, content)
	case ModePlain:
		fmt.Fprintf(p.out, "== %s ==\n%s\n", title, content)
	default:
		fmt.Fprintln(p.out, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
	}
}

// Record prints one tab separated line. Only ModeMachine uses it; other
// modes ignore the call.
func (p *Printer) Record(fields ...string) {
	if p.mode != ModeMachine {
		return
	}
	for i, f := range fields {
		fields[i] = strings.NewReplacer("\t", " ", "\n", " ").Replace(f)
	}
	fmt.Fprintln(p.out, strings.Join(fields, "\t"))
}
