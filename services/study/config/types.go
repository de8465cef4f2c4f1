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
	"time"

	"github.com/AleutianAI/essaylab/pkg/logging"
	"github.com/AleutianAI/essaylab/services/llm"
	"github.com/AleutianAI/essaylab/services/revision"
)

// Config is the full study service configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	LLM       LLMConfig         `yaml:"llm"`
	Storage   StorageConfig     `yaml:"storage"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
	Influx    InfluxConfig      `yaml:"influx"`
	Logging   LoggingConfig     `yaml:"logging"`
	Recorder  RecorderConfig    `yaml:"recorder"`
	Study     StudyConfig       `yaml:"study"`
	Prompts   map[string]string `yaml:"prompts"`
}

type ServerConfig struct {
	Port               int           `yaml:"port"`
	GinMode            string        `yaml:"gin_mode"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`

	// DataTokenEnv names the variable holding the researcher token for
	// GET /api/data. When the variable is unset the export is open.
	DataTokenEnv string `yaml:"data_token_env"`
}

// LLMConfig selects the model backend. The API key itself never lives in
// the config; it is read from APIKeyEnv or APIKeyFile into a sealed enclave.
type LLMConfig struct {
	Backend           string        `yaml:"backend"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url,omitempty"`
	SystemPrompt      string        `yaml:"system_prompt"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	APIKeyFile        string        `yaml:"api_key_file"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute float64       `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	Temperature       float32       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
}

// ClientConfig converts to the llm package configuration, loading the key.
func (c LLMConfig) ClientConfig() llm.Config {
	return llm.Config{
		Backend:           c.Backend,
		Model:             c.Model,
		BaseURL:           c.BaseURL,
		SystemPrompt:      c.SystemPrompt,
		APIKey:            llm.LoadSecretKey(c.APIKeyEnv, c.APIKeyFile),
		Timeout:           c.Timeout,
		RequestsPerMinute: c.RequestsPerMinute,
		Burst:             c.Burst,
	}
}

// GenerationParams returns the sampling parameters for every call.
func (c LLMConfig) GenerationParams() llm.GenerationParams {
	var params llm.GenerationParams
	if c.Temperature > 0 {
		t := c.Temperature
		params.Temperature = &t
	}
	if c.MaxTokens > 0 {
		n := c.MaxTokens
		params.MaxTokens = &n
	}
	return params
}

type StorageConfig struct {
	DBPath          string `yaml:"db_path"`
	ResultsPath     string `yaml:"results_path"`
	ResultsInMemory bool   `yaml:"results_in_memory"`
}

// TelemetryConfig mirrors observability.TelemetryConfig. Exporters are
// "otlp", "stdout" or "none" for traces and "prometheus", "stdout" or
// "none" for metrics.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	TraceExporter  string `yaml:"trace_exporter"`
	MetricExporter string `yaml:"metric_exporter"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// InfluxConfig enables the optional time-series sink when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// LoggerConfig builds the pkg/logging configuration for service.
func (c LoggingConfig) LoggerConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{Level: level, LogDir: c.Dir, JSON: c.JSON, Service: service}, nil
}

// RecorderConfig tunes the interaction log batcher.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       time.Duration `yaml:"backoff"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// =============================================================================
// Study Design
// =============================================================================

// StudyConfig describes the experiment: who gets AI support when, which
// topics are written about and how long each stage lasts.
type StudyConfig struct {
	Conditions     []Condition       `yaml:"conditions"`
	Topics         map[string]string `yaml:"topics"`
	Stages         []StageSettings   `yaml:"stages"`
	WarningSeconds []int             `yaml:"warning_seconds"`
}

// Condition is one experimental arm.
type Condition struct {
	ID      int                     `yaml:"id" json:"id"`
	Name    string                  `yaml:"name" json:"name"`
	Weight  float64                 `yaml:"weight" json:"-"`
	Support map[revision.Stage]bool `yaml:"support" json:"support"`
}

// Supports reports whether participants in c get AI help during stage.
func (c Condition) Supports(stage revision.Stage) bool {
	return c.Support[stage]
}

type StageSettings struct {
	Name         revision.Stage `yaml:"name" json:"name"`
	Title        string         `yaml:"title" json:"title"`
	Instructions string         `yaml:"instructions" json:"instructions"`
	Minutes      int            `yaml:"minutes" json:"minutes"`
}

// Condition returns the condition with the given id.
func (s StudyConfig) Condition(id int) (Condition, bool) {
	for _, c := range s.Conditions {
		if c.ID == id {
			return c, true
		}
	}
	return Condition{}, false
}

// Stage returns the settings for a stage.
func (s StudyConfig) Stage(name revision.Stage) (StageSettings, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageSettings{}, false
}
