// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing setup for the study
// service.
//
// # Description
//
// Prometheus metrics cover the revision tools (runs, parsed issues, rejected
// anchors, discarded results, applied remedies), model request latency,
// the interaction log writer and live sessions. They are exposed on
// /metrics. Tracing is configured by Init in telemetry.go.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/essaylab/services/revision"
	"github.com/AleutianAI/essaylab/services/study/interactionlog"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace   = "essaylab"
	revisionSubsystem  = "revision"
	llmSubsystem       = "llm"
	logSubsystem       = "interactionlog"
	sessionSubsystem   = "session"
	outcomeSuccess     = "success"
	outcomeError       = "error"
	outcomeNotApplied  = "not_applied"
	outcomeNoRemedy    = "no_remedy"
	outcomeUnavailable = "unavailable"
)

// Metrics holds the service's Prometheus collectors.
//
// # Description
//
// Create one per registry with New. Metrics implements
// revision.RunObserver and interactionlog.BatchObserver so the runner and
// the recorder can report without knowing about Prometheus.
type Metrics struct {
	// ToolRunsTotal counts tool invocations.
	// Labels: tool, status (success, error)
	ToolRunsTotal *prometheus.CounterVec

	// ToolRunDurationSeconds measures the model call behind each run.
	// Labels: tool
	ToolRunDurationSeconds *prometheus.HistogramVec

	// IssuesParsedTotal counts issues accepted by the parser.
	// Labels: tool
	IssuesParsedTotal *prometheus.CounterVec

	// AnchorsRejectedTotal counts issue blocks dropped because their anchor
	// was not in the essay.
	// Labels: tool
	AnchorsRejectedTotal *prometheus.CounterVec

	// ResultsDiscardedTotal counts model answers that arrived too late.
	// Labels: tool, reason (superseded, stage_changed)
	ResultsDiscardedTotal *prometheus.CounterVec

	// RemediesAppliedTotal counts apply requests.
	// Labels: tool, kind (replace, insert, none), outcome
	RemediesAppliedTotal *prometheus.CounterVec

	// LLMRequestDurationSeconds measures every model request.
	// Labels: endpoint (tool name, openai, ideas), status (success, error)
	LLMRequestDurationSeconds *prometheus.HistogramVec

	// LogBatchesTotal counts interaction log batches.
	// Labels: outcome (success, error)
	LogBatchesTotal *prometheus.CounterVec

	// LogEventsWrittenTotal counts events stored by the primary sink.
	LogEventsWrittenTotal prometheus.Counter

	// LogRetriesTotal counts extra write attempts.
	LogRetriesTotal prometheus.Counter

	// SessionsActive is the number of sessions held in memory.
	SessionsActive prometheus.Gauge
}

var (
	_ revision.RunObserver         = (*Metrics)(nil)
	_ interactionlog.BatchObserver = (*Metrics)(nil)
)

// New registers the collectors on reg. A nil reg uses the default
// registerer, which panics on a second call.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ToolRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: revisionSubsystem,
				Name:      "tool_runs_total",
				Help:      "Revision tool invocations by tool and result status",
			},
			[]string{"tool", "status"},
		),
		ToolRunDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: revisionSubsystem,
				Name:      "tool_run_duration_seconds",
				Help:      "Model call duration per revision tool run",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90},
			},
			[]string{"tool"},
		),
		IssuesParsedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: revisionSubsystem,
				Name:      "issues_parsed_total",
				Help:      "Issues accepted from model output",
			},
			[]string{"tool"},
		),
		AnchorsRejectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: revisionSubsystem,
				Name:      "anchors_rejected_total",
				Help:      "Issue blocks dropped because the quoted text was not in the essay",
			},
			[]string{"tool"},
		),
		ResultsDiscardedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: revisionSubsystem,
				Name:      "results_discarded_total",
				Help:      "Tool results ignored because a newer run or stage change won",
			},
			[]string{"tool", "reason"},
		),
		RemediesAppliedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "remedies_applied_total",
				Help:      "Remedy applications by tool, remedy kind and outcome",
			},
			[]string{"tool", "kind", "outcome"},
		),
		LLMRequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: llmSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Model request duration by endpoint and status",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90},
			},
			[]string{"endpoint", "status"},
		),
		LogBatchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: logSubsystem,
				Name:      "batches_total",
				Help:      "Interaction log batches by outcome",
			},
			[]string{"outcome"},
		),
		LogEventsWrittenTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: logSubsystem,
				Name:      "events_written_total",
				Help:      "Interaction events stored",
			},
		),
		LogRetriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: logSubsystem,
				Name:      "retries_total",
				Help:      "Interaction log write attempts beyond the first",
			},
		),
		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: sessionSubsystem,
				Name:      "active",
				Help:      "Participant sessions held in memory",
			},
		),
	}
}

// =============================================================================
// Revision
// =============================================================================

// ToolRun records one completed model call for a tool.
func (m *Metrics) ToolRun(tool revision.ToolType, status revision.ResultStatus, elapsed time.Duration) {
	m.ToolRunsTotal.WithLabelValues(string(tool), string(status)).Inc()
	m.ToolRunDurationSeconds.WithLabelValues(string(tool)).Observe(elapsed.Seconds())
	m.LLMRequestDurationSeconds.WithLabelValues(string(tool), string(status)).Observe(elapsed.Seconds())
}

// Parsed records the parser's yield for one applied result.
func (m *Metrics) Parsed(tool revision.ToolType, issues, rejected int) {
	m.IssuesParsedTotal.WithLabelValues(string(tool)).Add(float64(issues))
	m.AnchorsRejectedTotal.WithLabelValues(string(tool)).Add(float64(rejected))
}

// Discarded records a result that was dropped on arrival.
func (m *Metrics) Discarded(tool revision.ToolType, reason revision.DiscardReason) {
	m.ResultsDiscardedTotal.WithLabelValues(string(tool), string(reason)).Inc()
}

// RemedyApplied records the outcome of an apply request. err is the error
// ApplyRemedy returned, if any.
func (m *Metrics) RemedyApplied(issue revision.Issue, applied bool, err error) {
	outcome := outcomeSuccess
	switch {
	case errors.Is(err, revision.ErrNoRemedy):
		outcome = outcomeNoRemedy
	case errors.Is(err, revision.ErrIssueResolved):
		outcome = outcomeUnavailable
	case err != nil:
		outcome = outcomeError
	case !applied:
		outcome = outcomeNotApplied
	}
	m.RemediesAppliedTotal.WithLabelValues(string(issue.Tool), string(issue.Remedy.Kind), outcome).Inc()
}

// =============================================================================
// Model proxy
// =============================================================================

// LLMRequest records a model call made outside the revision runner, such as
// the outline idea and draft proxies.
func (m *Metrics) LLMRequest(endpoint string, err error, elapsed time.Duration) {
	status := outcomeSuccess
	if err != nil {
		status = outcomeError
	}
	m.LLMRequestDurationSeconds.WithLabelValues(endpoint, status).Observe(elapsed.Seconds())
}

// =============================================================================
// Interaction log and sessions
// =============================================================================

// LogBatch records one batch attempt by the interaction log recorder.
func (m *Metrics) LogBatch(events, attempts int, err error) {
	if attempts > 1 {
		m.LogRetriesTotal.Add(float64(attempts - 1))
	}
	if err != nil {
		m.LogBatchesTotal.WithLabelValues(outcomeError).Inc()
		return
	}
	m.LogBatchesTotal.WithLabelValues(outcomeSuccess).Inc()
	m.LogEventsWrittenTotal.Add(float64(events))
}

// SetActiveSessions reports the registry size.
func (m *Metrics) SetActiveSessions(n int) {
	m.SessionsActive.Set(float64(n))
}
