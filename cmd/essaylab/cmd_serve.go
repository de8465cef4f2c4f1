// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/essaylab/pkg/logging"
	"github.com/AleutianAI/essaylab/services/study"
	"github.com/AleutianAI/essaylab/services/study/config"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg, err := cfg.Logging.LoggerConfig("study")
	if err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	logger := logging.New(logCfg)
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	slog.Info("Starting study service",
		"version", version,
		"config", configPath,
		"port", cfg.Server.Port,
		"llm_backend", cfg.LLM.Backend,
		"db", cfg.Storage.DBPath,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := study.New(cfg, study.Options{
		ConfigPath: configPath,
		Version:    version,
		Logger:     logger.Slog(),
	})
	if err != nil {
		slog.Error("Failed to create study service", "error", err)
		return err
	}
	if err := svc.Run(ctx); err != nil {
		slog.Error("Study service error", "error", err)
		return err
	}
	slog.Info("Study service stopped")
	return nil
}
