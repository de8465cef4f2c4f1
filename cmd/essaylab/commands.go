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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/essaylab/pkg/ux"
)

// --- Global Command Variables ---
var (
	configPath string
	outputMode string

	parseTool     string
	parseEssay    string
	parseResponse string
	parseApply    []string

	resultsParticipant string
	resultsTool        string

	rootCmd = &cobra.Command{
		Use:   "essaylab",
		Short: "Run the EssayLab writing study and inspect its data",
		Long: `EssayLab serves a timed essay writing study with optional AI
support and records every interaction for later analysis.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- Service ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the study HTTP service",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Data ---
	dbCmd = &cobra.Command{
		Use:   "db",
		Short: "Manage the study database",
	}
	dbInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Create or migrate the study database and show table counts",
		Args:  cobra.NoArgs,
		RunE:  runDBInit, // Defined in cmd_data.go
	}
	resultsCmd = &cobra.Command{
		Use:   "results",
		Short: "List archived raw revision tool results for a participant",
		Long: `results reads the result archive directly. Badger allows one
process per directory, so stop the service first.`,
		Args: cobra.NoArgs,
		RunE: runResults, // Defined in cmd_data.go
	}

	// --- Revision ---
	parseCmd = &cobra.Command{
		Use:   "parse",
		Short: "Parse a tool response against an essay and show the issues",
		Long: `parse runs one revision tool offline. With --response the file is
used as the model's answer; without it the configured model is called.
Use --apply to apply remedies by issue id, in order.`,
		Args: cobra.NoArgs,
		RunE: runParse, // Defined in cmd_parse.go
	}

	// --- Config ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect the service configuration",
	}
	configPrintCmd = &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE:  runConfigPrint, // Defined in cmd_config.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the essaylab version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("essaylab " + version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("ESSAYLAB_CONFIG", "essaylab.yaml"),
		"config file (created from defaults when missing)")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", "auto",
		"output style: auto, styled, plain or machine")

	parseCmd.Flags().StringVar(&parseTool, "tool", "", "revision tool: proofreader, clarity or argument")
	parseCmd.Flags().StringVar(&parseEssay, "essay", "", "file holding the essay text")
	parseCmd.Flags().StringVar(&parseResponse, "response", "", "file holding the model answer")
	parseCmd.Flags().StringSliceVar(&parseApply, "apply", nil, "issue ids whose remedies to apply")
	_ = parseCmd.MarkFlagRequired("tool")
	_ = parseCmd.MarkFlagRequired("essay")

	resultsCmd.Flags().StringVarP(&resultsParticipant, "participant", "p", "", "participant id")
	resultsCmd.Flags().StringVar(&resultsTool, "tool", "", "only show this tool")
	_ = resultsCmd.MarkFlagRequired("participant")

	dbCmd.AddCommand(dbInitCmd)
	configCmd.AddCommand(configPrintCmd)
	rootCmd.AddCommand(serveCmd, dbCmd, resultsCmd, parseCmd, configCmd, versionCmd)
}

// printer builds the output printer for cmd from the --output flag.
func printer(cmd *cobra.Command) (*ux.Printer, error) {
	var tty *os.File
	if cmd.OutOrStdout() == os.Stdout {
		tty = os.Stdout
	}
	mode, err := ux.ParseMode(outputMode, tty)
	if err != nil {
		return nil, err
	}
	return ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode), nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
