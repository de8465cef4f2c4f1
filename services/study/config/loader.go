// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the study service configuration.
//
// Settings come from three layers, later ones winning: the defaults
// embedded in the binary, an optional YAML file, and environment variables.
// Prompt templates are part of the config so researchers can tune them
// without a rebuild; see Watcher for reloading them while the service runs.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/essaylab/services/llm"
	"github.com/AleutianAI/essaylab/services/revision"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Default returns the embedded defaults.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded defaults.yaml is broken: %v", err))
	}
	return &cfg
}

// DefaultYAML returns the embedded defaults file as shipped.
func DefaultYAML() []byte {
	out := make([]byte, len(defaultsYAML))
	copy(out, defaultsYAML)
	return out
}

// Load builds the effective configuration.
//
// # Description
//
// Starts from Default, overlays the YAML file at path when path is not
// empty, applies environment overrides and validates the result. A missing
// file at path is created from the defaults so the researcher has a
// template to edit.
//
// # Inputs
//
//   - path: Config file location. Empty means defaults plus environment.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: Read, parse or validation failure. Validation errors wrap
//     ErrInvalid.
func Load(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			slog.Info("Config file not found, writing defaults", "path", path)
			if err := createDefault(path); err != nil {
				return nil, err
			}
		}
	}
	return loadExisting(path)
}

// loadExisting is Load without creating a missing file. A missing file is
// an error matching fs.ErrNotExist.
func loadExisting(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	return os.WriteFile(path, defaultsYAML, 0644)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// =============================================================================
// Environment
// =============================================================================

func applyEnv(cfg *Config) {
	if v := os.Getenv("ESSAYLAB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			slog.Warn("Ignoring invalid ESSAYLAB_PORT", "value", v)
		}
	}
	setString(&cfg.Server.GinMode, "GIN_MODE")
	setString(&cfg.LLM.Backend, "LLM_BACKEND_TYPE")
	setString(&cfg.LLM.Model, "OPENAI_MODEL")
	setString(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Storage.DBPath, "ESSAYLAB_DB_PATH")
	setString(&cfg.Storage.ResultsPath, "ESSAYLAB_RESULTS_PATH")
	setString(&cfg.Logging.Level, "ESSAYLAB_LOG_LEVEL")
	setString(&cfg.Telemetry.TraceExporter, "OTEL_TRACES_EXPORTER")
	setString(&cfg.Telemetry.MetricExporter, "OTEL_METRICS_EXPORTER")
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		if cfg.Telemetry.TraceExporter == "none" && os.Getenv("OTEL_TRACES_EXPORTER") == "" {
			cfg.Telemetry.TraceExporter = "otlp"
		}
	}
	setString(&cfg.Influx.URL, "INFLUXDB_URL")
	setString(&cfg.Influx.Token, "INFLUXDB_TOKEN")
	setString(&cfg.Influx.Org, "INFLUXDB_ORG")
	setString(&cfg.Influx.Bucket, "INFLUXDB_BUCKET")
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks that the configuration can run a study.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}

	switch strings.ToLower(c.LLM.Backend) {
	case llm.BackendOpenAI, llm.BackendOllama:
	default:
		add("llm.backend %q must be %q or %q", c.LLM.Backend, llm.BackendOpenAI, llm.BackendOllama)
	}

	switch c.Telemetry.TraceExporter {
	case "otlp", "stdout", "none":
	default:
		add("telemetry.trace_exporter %q must be otlp, stdout or none", c.Telemetry.TraceExporter)
	}
	switch c.Telemetry.MetricExporter {
	case "prometheus", "stdout", "none":
	default:
		add("telemetry.metric_exporter %q must be prometheus, stdout or none", c.Telemetry.MetricExporter)
	}

	errs = append(errs, c.Study.validate()...)

	if _, err := NewPrompts(c.Prompts); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func (s StudyConfig) validate() []error {
	var errs []error
	if len(s.Conditions) == 0 {
		errs = append(errs, errors.New("study.conditions is empty"))
	}
	seen := make(map[int]bool, len(s.Conditions))
	var total float64
	for _, c := range s.Conditions {
		if seen[c.ID] {
			errs = append(errs, fmt.Errorf("study.conditions: duplicate id %d", c.ID))
		}
		seen[c.ID] = true
		if c.Weight < 0 {
			errs = append(errs, fmt.Errorf("study.conditions[%d]: negative weight", c.ID))
		}
		total += c.Weight
		for stage := range c.Support {
			if _, err := revision.ParseStage(string(stage)); err != nil {
				errs = append(errs, fmt.Errorf("study.conditions[%d]: %w", c.ID, err))
			}
		}
	}
	if len(s.Conditions) > 0 && total <= 0 {
		errs = append(errs, errors.New("study.conditions: total weight must be positive"))
	}

	if len(s.Topics) == 0 {
		errs = append(errs, errors.New("study.topics is empty"))
	}
	for id, text := range s.Topics {
		if strings.TrimSpace(text) == "" {
			errs = append(errs, fmt.Errorf("study.topics[%s] is blank", id))
		}
	}

	for _, st := range s.Stages {
		if _, err := revision.ParseStage(string(st.Name)); err != nil {
			errs = append(errs, fmt.Errorf("study.stages: %w", err))
		}
		if st.Minutes < 0 {
			errs = append(errs, fmt.Errorf("study.stages[%s]: negative minutes", st.Name))
		}
	}
	for _, w := range s.WarningSeconds {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("study.warning_seconds: %d is not positive", w))
		}
	}
	return errs
}
