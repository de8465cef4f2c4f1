// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("essaylab.llm")

const (
	defaultOllamaModel   = "llama3.1"
	defaultOllamaTimeout = 5 * time.Minute

	// maxOllamaResponse bounds how much of an answer is read. Revision
	// answers are a few kilobytes.
	maxOllamaResponse = 4 << 20
)

// ErrModelNotFound means the Ollama server has not pulled the model.
var ErrModelNotFound = errors.New("model not found")

// OllamaClient talks to a local Ollama server, for running the study
// without a hosted model.
type OllamaClient struct {
	httpClient   *http.Client
	endpoint     string
	model        string
	systemPrompt string
}

// ollamaOptions are the sampling settings sent with every request. Unset
// parameters fall back to ollamaDefaults.
type ollamaOptions struct {
	Temperature float32  `json:"temperature"`
	TopK        int      `json:"top_k"`
	TopP        float32  `json:"top_p"`
	NumPredict  int      `json:"num_predict"`
	Stop        []string `json:"stop,omitempty"`
}

var ollamaDefaults = ollamaOptions{Temperature: 0.2, TopK: 20, TopP: 0.9, NumPredict: 4096}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func NewOllamaClient(cfg Config) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama backend needs llm.base_url")
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("No Ollama model configured, using default", "model", defaultOllamaModel)
		model = defaultOllamaModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{
		httpClient:   &http.Client{Timeout: timeout},
		endpoint:     baseURL + "/api/generate",
		model:        model,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

func ollamaOptionsFor(params GenerationParams) ollamaOptions {
	opts := ollamaDefaults
	if params.Temperature != nil {
		opts.Temperature = *params.Temperature
	}
	if params.TopK != nil {
		opts.TopK = *params.TopK
	}
	if params.TopP != nil {
		opts.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		opts.NumPredict = *params.MaxTokens
	}
	opts.Stop = params.Stop
	return opts
}

// Generate sends one non-streaming completion request.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		System:  o.systemPrompt,
		Options: ollamaOptionsFor(params),
	})
	if err != nil {
		return "", spanError(span, fmt.Errorf("encode ollama request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", spanError(span, fmt.Errorf("build ollama request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", spanError(span, fmt.Errorf("ollama request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOllamaResponse))
	if err != nil {
		return "", spanError(span, fmt.Errorf("read ollama response: %w", err))
	}

	var out ollamaGenerateResponse
	decodeErr := json.Unmarshal(data, &out)
	switch {
	case resp.StatusCode == http.StatusNotFound && strings.Contains(out.Error, "not found"):
		return "", spanError(span, fmt.Errorf("%w: %q (run 'ollama pull %s')", ErrModelNotFound, o.model, o.model))
	case resp.StatusCode != http.StatusOK:
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(data))
		return "", spanError(span, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	case decodeErr != nil:
		return "", spanError(span, fmt.Errorf("decode ollama response: %w", decodeErr))
	}
	return out.Response, nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
