// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics records request counts and latency through the OTel meter,
// so they reach whichever metric exporter Init configured.
type HTTPMetrics struct {
	RequestsTotal   metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ActiveRequests  metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the instruments on meter.
func NewHTTPMetrics(meter metric.Meter) (*HTTPMetrics, error) {
	requests, err := meter.Int64Counter("essaylab.http.requests",
		metric.WithDescription("HTTP requests by route and status"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, fmt.Errorf("create http requests counter: %w", err)
	}
	duration, err := meter.Float64Histogram("essaylab.http.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 30, 90))
	if err != nil {
		return nil, fmt.Errorf("create http duration histogram: %w", err)
	}
	active, err := meter.Int64UpDownCounter("essaylab.http.active_requests",
		metric.WithDescription("HTTP requests in progress"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, fmt.Errorf("create http active gauge: %w", err)
	}
	return &HTTPMetrics{RequestsTotal: requests, RequestDuration: duration, ActiveRequests: active}, nil
}

// Middleware records each request. Routes are labeled by their pattern
// ("/api/revision/:participantId/issues"), never the raw path, to keep
// participant ids out of metric labels.
func (m *HTTPMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()

		m.ActiveRequests.Add(ctx, 1)
		defer m.ActiveRequests.Add(ctx, -1)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("route", route),
			attribute.Int("status", c.Writer.Status()),
		)
		m.RequestsTotal.Add(ctx, 1, attrs)
		m.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
