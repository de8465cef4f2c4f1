// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/AleutianAI/essaylab/services/revision"
)

// Prompt template names outside the revision tools. The revision tools use
// their ToolType as the template name.
const (
	PromptOutline     = "outline"
	PromptDraft       = "draft"
	PromptAIDraft     = "ai_draft"
	PromptSingleIdea  = "single_idea"
	PromptIdeaOutline = "idea_outline"
)

// ErrUnknownPrompt is returned by Render for a name with no template.
var ErrUnknownPrompt = errors.New("unknown prompt template")

// PromptData is the value every template executes against. Templates use
// the fields they need and ignore the rest.
type PromptData struct {
	Topic         string
	Outline       string
	Essay         string
	Idea          string
	ExistingIdeas []string
}

// PromptNames lists every template a config must provide.
func PromptNames() []string {
	names := []string{PromptOutline, PromptDraft, PromptAIDraft, PromptSingleIdea, PromptIdeaOutline}
	for _, spec := range revision.AllTools() {
		names = append(names, string(spec.Type))
	}
	return names
}

// Prompts holds the parsed templates. It is immutable once built.
type Prompts struct {
	templates map[string]*template.Template
}

// NewPrompts parses sources. Every name from PromptNames must be present
// and no other names are accepted.
func NewPrompts(sources map[string]string) (*Prompts, error) {
	required := PromptNames()
	known := make(map[string]bool, len(required))
	var errs []error
	for _, name := range required {
		known[name] = true
		if strings.TrimSpace(sources[name]) == "" {
			errs = append(errs, fmt.Errorf("prompts.%s is missing", name))
		}
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	p := &Prompts{templates: make(map[string]*template.Template, len(sources))}
	for _, name := range names {
		if !known[name] {
			errs = append(errs, fmt.Errorf("prompts.%s: %w", name, ErrUnknownPrompt))
			continue
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(sources[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("prompts.%s: %w", name, err))
			continue
		}
		p.templates[name] = tmpl
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return p, nil
}

// Render executes the named template.
func (p *Prompts) Render(name string, data PromptData) (string, error) {
	tmpl, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPrompt, name)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return b.String(), nil
}

// ToolPrompt renders the prompt for a revision tool over essay.
func (p *Prompts) ToolPrompt(tool revision.ToolType, essay string) (string, error) {
	if _, ok := revision.LookupTool(tool); !ok {
		return "", fmt.Errorf("%w: %s", revision.ErrUnknownTool, tool)
	}
	return p.Render(string(tool), PromptData{Essay: essay})
}

var _ revision.PromptSource = (*Prompts)(nil)
