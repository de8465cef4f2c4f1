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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Exporter names accepted in TelemetryConfig.
const (
	ExporterNone       = "none"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
)

// ErrUnknownExporter is returned for an exporter name Init does not know.
var ErrUnknownExporter = errors.New("unknown telemetry exporter")

// TelemetryConfig selects trace and metric exporters.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string

	// OTLPEndpoint is host:port of the collector's gRPC receiver.
	OTLPEndpoint string
	OTLPInsecure bool

	// Registry receives both the service's own collectors and the OTel
	// prometheus bridge. Nil means a fresh registry.
	Registry *prometheus.Registry

	// Stdout is where the stdout exporters write. Nil means os.Stdout.
	Stdout io.Writer
}

// Telemetry is the result of Init.
type Telemetry struct {
	// Registry holds every Prometheus collector for /metrics.
	Registry *prometheus.Registry

	shutdown []func(context.Context) error
}

// MetricsHandler serves Registry in the Prometheus text format.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{Registry: t.Registry})
}

// Shutdown flushes and stops every provider Init installed.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Init installs global OpenTelemetry providers for cfg.
//
// # Description
//
// Traces go to an OTLP collector over gRPC or to stdout. OTel metrics go
// through the Prometheus bridge into cfg.Registry, or to stdout on a
// periodic reader. The W3C trace context propagator is always installed so
// otelgin can join incoming traces.
//
// # Outputs
//
//   - *Telemetry: Call Shutdown on exit even when both exporters are "none".
//   - error: Unknown exporter name or exporter construction failed.
func Init(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	t := &Telemetry{Registry: reg}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	out := cfg.Stdout
	if out == nil {
		out = os.Stdout
	}

	tp, closeConn, err := newTracerProvider(ctx, cfg, res, out)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	if closeConn != nil {
		t.shutdown = append(t.shutdown, closeConn)
	}
	if tp != nil {
		otel.SetTracerProvider(tp)
		t.shutdown = append(t.shutdown, tp.Shutdown)
	}

	mp, err := newMeterProvider(cfg, res, reg, out)
	if err != nil {
		t.Shutdown(ctx)
		return nil, fmt.Errorf("init meter: %w", err)
	}
	if mp != nil {
		otel.SetMeterProvider(mp)
		t.shutdown = append(t.shutdown, mp.Shutdown)
	}
	return t, nil
}

// newTracerProvider returns the provider and, for OTLP, a func closing the
// gRPC connection after the provider has flushed.
func newTracerProvider(ctx context.Context, cfg TelemetryConfig, res *resource.Resource, out io.Writer) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	var (
		exporter  sdktrace.SpanExporter
		closeConn func(context.Context) error
		err       error
	)
	switch cfg.TraceExporter {
	case ExporterNone, "":
		return nil, nil, nil
	case ExporterOTLP:
		creds := grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
		if cfg.OTLPInsecure {
			creds = grpc.WithTransportCredentials(insecure.NewCredentials())
		}
		conn, cerr := grpc.NewClient(cfg.OTLPEndpoint, creds)
		if cerr != nil {
			return nil, nil, fmt.Errorf("failed to create gRPC client for OTel: %w", cerr)
		}
		closeConn = func(context.Context) error { return conn.Close() }
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			conn.Close()
		}
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), closeConn, nil
}

func newMeterProvider(cfg TelemetryConfig, res *resource.Resource, reg *prometheus.Registry, out io.Writer) (*sdkmetric.MeterProvider, error) {
	switch cfg.MetricExporter {
	case ExporterNone, "":
		return nil, nil
	case ExporterPrometheus:
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), nil
	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}
