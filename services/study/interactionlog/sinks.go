// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package interactionlog

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// =============================================================================
// MultiSink
// =============================================================================

// MultiSink writes each batch to every sink. The primary sink decides
// success; secondary failures are reported through OnSecondaryError and
// do not cause a retry, so the primary never stores a batch twice.
type MultiSink struct {
	Primary          Sink
	Secondary        []Sink
	OnSecondaryError func(err error)
}

func (m *MultiSink) WriteEvents(ctx context.Context, events []Event) error {
	if err := m.Primary.WriteEvents(ctx, events); err != nil {
		return err
	}
	var errs []error
	for _, s := range m.Secondary {
		if err := s.WriteEvents(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil && m.OnSecondaryError != nil {
		m.OnSecondaryError(err)
	}
	return nil
}

// =============================================================================
// InfluxDB
// =============================================================================

const influxMeasurement = "interaction"

// InfluxSink writes events as points for time-series dashboards. Only
// identifiers and timings are sent; typed text stays in the primary store.
type InfluxSink struct {
	writer api.WriteAPIBlocking
	client influxdb2.Client
}

// NewInfluxSink connects to the server at url.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		writer: client.WriteAPIBlocking(org, bucket),
		client: client,
	}
}

// NewInfluxSinkWithWriter wraps an existing write API.
func NewInfluxSinkWithWriter(writer api.WriteAPIBlocking) *InfluxSink {
	return &InfluxSink{writer: writer}
}

func (s *InfluxSink) WriteEvents(ctx context.Context, events []Event) error {
	points := make([]*write.Point, 0, len(events))
	for _, ev := range events {
		points = append(points, eventPoint(ev))
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Close releases the HTTP client when the sink created it.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func eventPoint(ev Event) *write.Point {
	return influxdb2.NewPoint(
		influxMeasurement,
		map[string]string{
			"participant_id": ev.ParticipantID,
			"stage":          ev.Stage,
			"category":       ev.Category(),
			"event_type":     ev.EventType,
		},
		map[string]interface{}{
			"session_id":            ev.SessionID,
			"time_from_stage_start": ev.TimeFromStageStart,
			"count":                 1,
		},
		ev.CreatedAt,
	)
}
