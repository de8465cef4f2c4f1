// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/essaylab/services/revision"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg), reg
}

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.ToolRun(revision.ToolClarity, revision.ResultSuccess, time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "essaylab_revision_tool_runs_total")
	assert.Contains(t, names, "essaylab_llm_request_duration_seconds")

	// A second registry is independent.
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}

func TestToolRun(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ToolRun(revision.ToolClarity, revision.ResultSuccess, 2*time.Second)
	m.ToolRun(revision.ToolClarity, revision.ResultError, time.Second)
	m.ToolRun(revision.ToolClarity, revision.ResultSuccess, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ToolRunsTotal.WithLabelValues("clarity", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolRunsTotal.WithLabelValues("clarity", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ToolRunDurationSeconds))
	assert.Equal(t, 2, testutil.CollectAndCount(m.LLMRequestDurationSeconds))
}

func TestParsedAndDiscarded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.Parsed(revision.ToolProofreader, 4, 1)
	m.Parsed(revision.ToolProofreader, 2, 0)
	m.Discarded(revision.ToolArgument, revision.DiscardSuperseded)

	assert.Equal(t, 6.0, testutil.ToFloat64(m.IssuesParsedTotal.WithLabelValues("proofreader")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnchorsRejectedTotal.WithLabelValues("proofreader")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResultsDiscardedTotal.WithLabelValues("argument", "superseded")))
}

func TestRemedyApplied(t *testing.T) {
	tests := []struct {
		name    string
		kind    revision.RemedyKind
		applied bool
		err     error
		outcome string
	}{
		{"applied", revision.RemedyReplace, true, nil, "success"},
		{"stale", revision.RemedyReplace, false, nil, "not_applied"},
		{"advisory", revision.RemedyNone, false, fmt.Errorf("wrap: %w", revision.ErrNoRemedy), "no_remedy"},
		{"resolved", revision.RemedyInsert, false, revision.ErrIssueResolved, "unavailable"},
		{"other", revision.RemedyInsert, false, errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMetrics(t)
			issue := revision.Issue{Tool: revision.ToolClarity, Remedy: revision.Remedy{Kind: tt.kind}}
			m.RemedyApplied(issue, tt.applied, tt.err)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.RemediesAppliedTotal.WithLabelValues("clarity", string(tt.kind), tt.outcome)))
		})
	}
}

func TestLLMRequest(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.LLMRequest("openai", nil, time.Second)
	m.LLMRequest("openai", errors.New("quota"), time.Second)

	expected := `
# HELP essaylab_llm_request_duration_seconds Model request duration by endpoint and status
# TYPE essaylab_llm_request_duration_seconds histogram
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="error",le="0.5"} 0
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="error",le="1"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="error",le="2.5"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="error",le="5"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="error",le="10"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="error",le="20"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="error",le="45"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="error",le="90"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="error",le="+Inf"} 1
essaylab_llm_request_duration_seconds_sum{endpoint="openai",status="error"} 1
essaylab_llm_request_duration_seconds_count{endpoint="openai",status="error"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="success",le="0.5"} 0
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="success",le="1"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="success",le="2.5"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="success",le="5"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="success",le="10"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="success",le="20"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="success",le="45"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="success",le="90"} 1
essaylab_llm_request_duration_seconds_bucket{endpoint="openai",status="success",le="+Inf"} 1
essaylab_llm_request_duration_seconds_sum{endpoint="openai",status="success"} 1
essaylab_llm_request_duration_seconds_count{endpoint="openai",status="success"} 1
`
	err := testutil.CollectAndCompare(m.LLMRequestDurationSeconds, strings.NewReader(expected))
	assert.NoError(t, err)
}

func TestLogBatch(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.LogBatch(10, 1, nil)
	m.LogBatch(4, 3, nil)
	m.LogBatch(10, 3, errors.New("locked"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LogBatchesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LogBatchesTotal.WithLabelValues("error")))
	assert.Equal(t, 14.0, testutil.ToFloat64(m.LogEventsWrittenTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.LogRetriesTotal))
}

func TestSetActiveSessions(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.SetActiveSessions(7)
	m.SetActiveSessions(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsActive))
}
