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
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/essaylab/pkg/logging"
	"github.com/AleutianAI/essaylab/pkg/ux"
	"github.com/AleutianAI/essaylab/services/llm"
	"github.com/AleutianAI/essaylab/services/revision"
	"github.com/AleutianAI/essaylab/services/study/config"
)

// cliParticipant labels runs started from the command line in logs.
const cliParticipant = "cli"

// cannedResponse answers every prompt with a fixed model answer.
type cannedResponse string

func (c cannedResponse) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	return string(c), nil
}

func runParse(cmd *cobra.Command, _ []string) error {
	p, err := printer(cmd)
	if err != nil {
		return err
	}
	tool, err := revision.ParseToolType(parseTool)
	if err != nil {
		return err
	}
	essay, err := os.ReadFile(parseEssay)
	if err != nil {
		return fmt.Errorf("read essay: %w", err)
	}

	runner, cleanup, err := parseRunner(parseResponse)
	if err != nil {
		return err
	}
	defer cleanup()

	_, err = parseAndReport(cmd.Context(), p, runner, tool, string(essay), parseApply)
	return err
}

// parseRunner returns a Runner answering from responsePath, or from the
// configured model when responsePath is empty.
func parseRunner(responsePath string) (*revision.Runner, func(), error) {
	quiet := logging.New(logging.Config{Quiet: true})
	runner := &revision.Runner{Logger: quiet.Slog()}
	cleanup := func() { quiet.Close() }

	if responsePath != "" {
		raw, err := os.ReadFile(responsePath)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("read response: %w", err)
		}
		prompts, err := config.NewPrompts(config.Default().Prompts)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		runner.LLM = cannedResponse(raw)
		runner.Prompts = prompts
		return runner, cleanup, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	prompts, err := config.NewPrompts(cfg.Prompts)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	clientCfg := cfg.LLM.ClientConfig()
	client, err := llm.NewClient(clientCfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	runner.LLM = client
	runner.Params = cfg.LLM.GenerationParams()
	runner.Prompts = prompts
	runner.Timeout = cfg.LLM.Timeout
	return runner, func() {
		if clientCfg.APIKey != nil {
			clientCfg.APIKey.Destroy()
		}
		cleanup()
	}, nil
}

// parseAndReport runs tool over essay in a fresh revision workspace,
// applies the remedies named in apply and prints each step.
func parseAndReport(ctx context.Context, p *ux.Printer, runner *revision.Runner, tool revision.ToolType, essay string, apply []string) (revision.Snapshot, error) {
	ws := revision.NewWorkspace(revision.StageRevision, essay)
	report, err := runner.Run(ctx, cliParticipant, ws, tool)
	if err != nil {
		return revision.Snapshot{}, err
	}
	if report.Result.Status == revision.ResultError {
		p.Error(fmt.Sprintf("model call failed: %s", report.Result.Error))
		return ws.Snapshot(), errors.New(report.Result.Error)
	}

	parse := report.Outcome.Parse
	p.Title(fmt.Sprintf("%s: %d issues from %d sections", tool, len(parse.Issues), parse.Sections))
	p.Rejections(parse.Rejected)

	snap := ws.Snapshot()
	p.Essay(snap.Spans)
	p.Issues(snap.Issues)

	if len(apply) == 0 {
		return snap, nil
	}
	for _, id := range apply {
		outcome, err := ws.ApplyRemedy(id)
		if err != nil {
			p.Error(fmt.Sprintf("%s: %v", id, err))
			continue
		}
		p.Outcome(outcome)
	}
	snap = ws.Snapshot()
	p.Box("Revised essay", snap.Text)
	p.Issues(snap.Issues)
	return snap, nil
}
