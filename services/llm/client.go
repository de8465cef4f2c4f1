// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the language model backends used by the study service.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend      string
	Model        string
	BaseURL      string
	SystemPrompt string
	APIKey       *SecretKey
	Timeout      time.Duration

	// RequestsPerMinute caps outbound calls. Zero disables limiting.
	RequestsPerMinute float64
	Burst             int
}

// NewClient builds the backend named by cfg.Backend, wrapped in a
// RateLimitedClient when a request rate is configured.
func NewClient(cfg Config) (LLMClient, error) {
	var (
		client LLMClient
		err    error
	)
	switch strings.ToLower(cfg.Backend) {
	case BackendOpenAI, "":
		client, err = NewOpenAIClient(cfg)
	case BackendOllama:
		client, err = NewOllamaClient(cfg)
	default:
		return nil, fmt.Errorf("unknown LLM backend type %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerMinute > 0 {
		slog.Info("Rate limiting LLM requests", "per_minute", cfg.RequestsPerMinute, "burst", cfg.Burst)
		client = NewRateLimitedClient(client, cfg.RequestsPerMinute, cfg.Burst)
	}
	return client, nil
}
