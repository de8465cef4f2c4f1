// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/essaylab/services/revision"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "essaylab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// =============================================================================
// Load Tests
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 12310, cfg.Server.Port)
	assert.Equal(t, 2*time.Hour, cfg.Server.SessionIdleTimeout)
	assert.Len(t, cfg.Study.Conditions, 4)
	assert.Len(t, cfg.Study.Topics, 4)
	assert.Equal(t, []int{120, 60, 30}, cfg.Study.WarningSeconds)

	c4, ok := cfg.Study.Condition(4)
	require.True(t, ok)
	assert.True(t, c4.Supports(revision.StageRevision))
	assert.False(t, c4.Supports(revision.StageOutline))

	st, ok := cfg.Study.Stage(revision.StageDraft)
	require.True(t, ok)
	assert.Equal(t, 10, st.Minutes)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Study.Topics, cfg.Study.Topics)
}

func TestLoad_OverlayMergesPrompts(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
server:
  port: 9000
prompts:
  clarity: "Be clear about: {{.Essay}}"
study:
  conditions:
    - id: 7
      name: everything
      weight: 2
      support: {outline: true, draft: true, revision: true}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.LLM.Backend)
	require.Len(t, cfg.Study.Conditions, 1)
	assert.Equal(t, 7, cfg.Study.Conditions[0].ID)
	assert.Equal(t, Default().Prompts[PromptOutline], cfg.Prompts[PromptOutline])

	prompts, err := NewPrompts(cfg.Prompts)
	require.NoError(t, err)
	out, err := prompts.ToolPrompt(revision.ToolClarity, "My essay.")
	require.NoError(t, err)
	assert.Equal(t, "Be clear about: My essay.", out)
}

func TestLoad_CreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "essaylab.yaml")

	_, err := Load(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultYAML(), data)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ESSAYLAB_PORT", "8088")
	t.Setenv("LLM_BACKEND_TYPE", "ollama")
	t.Setenv("ESSAYLAB_DB_PATH", "/tmp/x.db")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("INFLUXDB_URL", "http://influx:8086")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "ollama", cfg.LLM.Backend)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.DBPath)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "otlp", cfg.Telemetry.TraceExporter)
	assert.True(t, cfg.Influx.Enabled())
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "server: [")
	_, err := Load(path)
	assert.Error(t, err)
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"backend", func(c *Config) { c.LLM.Backend = "llamafile" }, "llm.backend"},
		{"trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "jaeger" }, "trace_exporter"},
		{"zero weight", func(c *Config) {
			for i := range c.Study.Conditions {
				c.Study.Conditions[i].Weight = 0
			}
		}, "total weight"},
		{"duplicate condition", func(c *Config) {
			c.Study.Conditions = append(c.Study.Conditions, c.Study.Conditions[0])
		}, "duplicate id"},
		{"unknown stage", func(c *Config) {
			c.Study.Conditions[0].Support["survey"] = true
		}, "unknown stage"},
		{"no topics", func(c *Config) { c.Study.Topics = nil }, "study.topics"},
		{"unknown tool prompt", func(c *Config) { c.Prompts["thesaurus"] = "x" }, "prompts.thesaurus"},
		{"missing prompt", func(c *Config) { delete(c.Prompts, "argument") }, "prompts.argument is missing"},
		{"broken template", func(c *Config) { c.Prompts["draft"] = "{{.Topic" }, "prompts.draft"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLLMConfig_GenerationParams(t *testing.T) {
	params := LLMConfig{Temperature: 0.2, MaxTokens: 300}.GenerationParams()
	require.NotNil(t, params.Temperature)
	require.NotNil(t, params.MaxTokens)
	assert.InDelta(t, 0.2, *params.Temperature, 1e-6)
	assert.Equal(t, 300, *params.MaxTokens)

	empty := LLMConfig{}.GenerationParams()
	assert.Nil(t, empty.Temperature)
	assert.Nil(t, empty.MaxTokens)
}

func TestLoggingConfig_LoggerConfig(t *testing.T) {
	lc, err := LoggingConfig{Level: "warn", JSON: true}.LoggerConfig("study")
	require.NoError(t, err)
	assert.Equal(t, "study", lc.Service)
	assert.True(t, lc.JSON)

	_, err = LoggingConfig{Level: "loud"}.LoggerConfig("study")
	assert.Error(t, err)
}

func TestMarshal_RoundTrips(t *testing.T) {
	data, err := Default().Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "session_idle_timeout: 2h0m0s")

	path := writeFile(t, t.TempDir(), string(data))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Study, cfg.Study)
}

// =============================================================================
// Prompt Tests
// =============================================================================

func TestPrompts_DefaultTemplates(t *testing.T) {
	prompts, err := NewPrompts(Default().Prompts)
	require.NoError(t, err)

	for _, spec := range revision.AllTools() {
		out, err := prompts.ToolPrompt(spec.Type, "The cat sat on the mat.")
		require.NoError(t, err, spec.Type)
		assert.Contains(t, out, "The cat sat on the mat.", spec.Type)
		assert.Contains(t, out, "### Issue 1", spec.Type)
	}

	argument, err := prompts.ToolPrompt(revision.ToolArgument, "x")
	require.NoError(t, err)
	assert.Contains(t, argument, "**Addition text**")
	assert.Contains(t, argument, "**Insertion point**")
}

func TestPrompts_SingleIdeaListsExisting(t *testing.T) {
	prompts, err := NewPrompts(Default().Prompts)
	require.NoError(t, err)

	out, err := prompts.Render(PromptSingleIdea, PromptData{
		Topic:         "Remote work",
		ExistingIdeas: []string{"Offices build trust.", "Commutes waste time."},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Remote work")
	assert.Contains(t, out, "- Offices build trust.")
	assert.Contains(t, out, "- Commutes waste time.")

	bare, err := prompts.Render(PromptSingleIdea, PromptData{Topic: "Remote work"})
	require.NoError(t, err)
	assert.NotContains(t, bare, "already exist")
}

func TestPrompts_Unknown(t *testing.T) {
	prompts, err := NewPrompts(Default().Prompts)
	require.NoError(t, err)

	_, err = prompts.Render("haiku", PromptData{})
	assert.ErrorIs(t, err, ErrUnknownPrompt)

	_, err = prompts.ToolPrompt(revision.ToolType("thesaurus"), "x")
	assert.ErrorIs(t, err, revision.ErrUnknownTool)
}

func TestPromptNames_CoverTools(t *testing.T) {
	names := strings.Join(PromptNames(), ",")
	for _, spec := range revision.AllTools() {
		assert.Contains(t, names, string(spec.Type))
	}
}
