// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/essaylab/services/llm"
)

// DefaultRunTimeout bounds one model call.
const DefaultRunTimeout = 90 * time.Second

// =============================================================================
// Collaborators
// =============================================================================

// PromptSource renders the prompt for a revision tool.
type PromptSource interface {
	ToolPrompt(tool ToolType, essay string) (string, error)
}

// ArchiveRecord is one raw tool result as stored for later review.
type ArchiveRecord struct {
	ParticipantID string     `json:"participant_id"`
	Stage         Stage      `json:"stage"`
	Result        ToolResult `json:"result"`
	Issues        int        `json:"issues"`
	Rejected      int        `json:"rejected"`
	Applied       bool       `json:"applied"`
}

// ResultArchive persists raw tool results. Failures are logged, never
// surfaced to the participant.
type ResultArchive interface {
	Put(ctx context.Context, rec ArchiveRecord) error
}

// RunObserver receives counters for tool runs. See observability.Metrics.
type RunObserver interface {
	ToolRun(tool ToolType, status ResultStatus, elapsed time.Duration)
	Parsed(tool ToolType, issues, rejected int)
	Discarded(tool ToolType, reason DiscardReason)
}

type noopObserver struct{}

func (noopObserver) ToolRun(ToolType, ResultStatus, time.Duration) {}
func (noopObserver) Parsed(ToolType, int, int)                     {}
func (noopObserver) Discarded(ToolType, DiscardReason)             {}

// =============================================================================
// Runner
// =============================================================================

// RunReport describes one completed Run.
type RunReport struct {
	Ticket  Ticket     `json:"ticket"`
	Result  ToolResult `json:"result"`
	Outcome Outcome    `json:"outcome"`
}

// Runner drives one revision tool invocation end to end.
//
// # Description
//
// Run takes a ticket from the workspace, renders the tool prompt against
// the ticket's essay, calls the model outside the workspace lock and hands
// the answer back to the workspace. A failed model call is replaced by the
// tool's failure text so the participant sees a retry message and the
// tool's previous issues are cleared.
//
// # Fields
//
//   - LLM: Model backend.
//   - Prompts: Template source.
//   - Archive: Optional raw result store.
//   - Observer: Optional metrics sink.
//   - Logger: Defaults to slog.Default().
//   - Timeout: Per-call deadline; DefaultRunTimeout when zero.
type Runner struct {
	LLM      llm.LLMClient
	Params   llm.GenerationParams
	Prompts  PromptSource
	Archive  ResultArchive
	Observer RunObserver
	Logger   *slog.Logger
	Timeout  time.Duration
}

// Run invokes tool for the participant's workspace.
//
// # Outputs
//
//   - RunReport: The ticket, the recorded result and what the workspace did
//     with it.
//   - error: Only for an unknown tool or a prompt that cannot be rendered.
//     Model failures are reported through RunReport.Result.Status.
func (r *Runner) Run(ctx context.Context, participantID string, ws *Workspace, tool ToolType) (RunReport, error) {
	spec, ok := LookupTool(tool)
	if !ok {
		return RunReport{}, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	logger := r.logger().With("tool", string(tool), "participant_id", participantID)
	observer := r.observer()

	ctx, span := otel.Tracer("essaylab.revision").Start(ctx, "revision.Runner.Run")
	defer span.End()
	span.SetAttributes(attribute.String("tool", string(tool)), attribute.String("participant_id", participantID))

	ticket, err := ws.BeginInvocation(tool)
	if err != nil {
		return RunReport{}, err
	}
	logger = logger.With("stage", string(ticket.Stage), "seq", ticket.Seq)

	prompt, err := r.Prompts.ToolPrompt(tool, ticket.Essay)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prompt render failed")
		return RunReport{Ticket: ticket}, fmt.Errorf("render %s prompt: %w", tool, err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	raw, genErr := r.LLM.Generate(callCtx, prompt, r.Params)
	cancel()
	elapsed := time.Since(start)

	result := ToolResult{Tool: tool, Seq: ticket.Seq, Status: ResultSuccess, Raw: raw, ReceivedAt: time.Now()}
	if genErr != nil {
		logger.Error("Revision tool call failed", "error", genErr)
		span.RecordError(genErr)
		span.SetStatus(codes.Error, "model call failed")
		result.Status = ResultError
		result.Raw = FailureText(spec)
		result.Error = genErr.Error()
	}
	observer.ToolRun(tool, result.Status, elapsed)

	outcome, err := ws.CompleteInvocation(ticket, result)
	if err != nil {
		return RunReport{Ticket: ticket, Result: result}, err
	}
	if !outcome.Applied {
		logger.Info("Discarded revision tool result", "reason", string(outcome.Discard))
		observer.Discarded(tool, outcome.Discard)
	} else {
		observer.Parsed(tool, len(outcome.Parse.Issues), len(outcome.Parse.Rejected))
		for _, rej := range outcome.Parse.Rejected {
			logger.Warn("Dropped revision issue", "section", rej.Section, "reason", string(rej.Reason), "anchor", rej.Anchor)
		}
		logger.Info("Applied revision tool result",
			"issues", len(outcome.Parse.Issues),
			"rejected", len(outcome.Parse.Rejected),
			"elapsed", elapsed)
	}

	if r.Archive != nil {
		rec := ArchiveRecord{
			ParticipantID: participantID,
			Stage:         ticket.Stage,
			Result:        result,
			Issues:        len(outcome.Parse.Issues),
			Rejected:      len(outcome.Parse.Rejected),
			Applied:       outcome.Applied,
		}
		if err := r.Archive.Put(ctx, rec); err != nil {
			logger.Warn("Failed to archive revision tool result", "error", err)
		}
	}

	return RunReport{Ticket: ticket, Result: result, Outcome: outcome}, nil
}

// Reparse parses the tool's retained result against the current essay and
// reports the outcome like a run, so dropped anchors are counted either way.
func (r *Runner) Reparse(participantID string, ws *Workspace, tool ToolType) (ParseResult, error) {
	if _, ok := LookupTool(tool); !ok {
		return ParseResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	parsed, err := ws.Reparse(tool)
	if err != nil {
		return parsed, err
	}
	r.observer().Parsed(tool, len(parsed.Issues), len(parsed.Rejected))
	logger := r.logger().With("tool", string(tool), "participant_id", participantID)
	for _, rej := range parsed.Rejected {
		logger.Warn("Dropped revision issue on reparse", "section", rej.Section, "reason", string(rej.Reason), "anchor", rej.Anchor)
	}
	return parsed, nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) observer() RunObserver {
	if r.Observer != nil {
		return r.Observer
	}
	return noopObserver{}
}
