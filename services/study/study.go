// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package study assembles the EssayLab study service.
//
// The service owns every long-lived component: the model client, the
// SQLite study store, the Badger result archive, the interaction log
// recorder, the session registry and the config watcher. Handlers reach
// them only through routes.Dependencies.
//
// # Usage
//
//	cfg, err := config.Load("essaylab.yaml")
//	svc, err := study.New(cfg, study.Options{ConfigPath: "essaylab.yaml"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package study

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/essaylab/pkg/extensions"
	"github.com/AleutianAI/essaylab/services/llm"
	"github.com/AleutianAI/essaylab/services/revision"
	"github.com/AleutianAI/essaylab/services/study/assignment"
	"github.com/AleutianAI/essaylab/services/study/config"
	"github.com/AleutianAI/essaylab/services/study/handlers"
	"github.com/AleutianAI/essaylab/services/study/interactionlog"
	"github.com/AleutianAI/essaylab/services/study/observability"
	"github.com/AleutianAI/essaylab/services/study/routes"
	"github.com/AleutianAI/essaylab/services/study/session"
	"github.com/AleutianAI/essaylab/services/study/storage/badger"
	"github.com/AleutianAI/essaylab/services/study/storage/sqlite"
)

// sessionReportInterval is how often the active session gauge is refreshed.
const sessionReportInterval = 15 * time.Second

// Service is the running study server.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts down gracefully
	// and releases every component. Run may be called once.
	Run(ctx context.Context) error

	// Router exposes the HTTP handler, mainly for tests.
	Router() *gin.Engine

	// Close releases every component without serving. Run closes on its
	// own; Close after Run is a no-op.
	Close()
}

// Options are the process-level inputs that do not live in the config
// file.
type Options struct {
	// ConfigPath enables hot reload of the study design and prompts. Empty
	// serves cfg unchanged for the life of the process.
	ConfigPath string

	// Version is reported as the OTel service version.
	Version string

	Logger *slog.Logger

	// LLM replaces the backend named in cfg.LLM.
	LLM llm.LLMClient

	// Extensions overrides built-in providers. Nil uses the researcher
	// token from cfg.Server.DataTokenEnv, if set.
	Extensions *extensions.ServiceOptions
}

type service struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	telemetry *observability.Telemetry
	metrics   *observability.Metrics

	llmClient llm.LLMClient
	apiKey    *llm.SecretKey
	store     *sqlite.Store
	archive   *badger.Archive
	influx    *interactionlog.InfluxSink
	recorder  *interactionlog.Recorder
	sessions  *session.Registry
	watcher   *config.Watcher
	source    handlers.ConfigSource

	router *gin.Engine

	cleanupOnce sync.Once
}

// New builds every component of the service from cfg.
//
// # Description
//
// Components are opened in dependency order. When one fails, everything
// already opened is closed again before the error is returned.
//
// # Inputs
//
//   - cfg: A validated config. See config.Load.
//   - opts: Process-level options.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: The first component that failed to start.
func New(cfg *config.Config, opts Options) (Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &service{cfg: cfg, opts: opts, logger: opts.Logger}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"telemetry", s.initTelemetry},
		{"llm client", s.initLLMClient},
		{"study store", s.initStore},
		{"result archive", s.initArchive},
		{"interaction log", s.initRecorder},
		{"config source", s.initConfigSource},
		{"router", s.initRouter},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("init %s: %w", step.name, err)
		}
	}
	return s, nil
}

// =============================================================================
// Initialization
// =============================================================================

func (s *service) initTelemetry() error {
	tc := s.cfg.Telemetry
	tel, err := observability.Init(context.Background(), observability.TelemetryConfig{
		ServiceName:    tc.ServiceName,
		ServiceVersion: s.opts.Version,
		TraceExporter:  tc.TraceExporter,
		MetricExporter: tc.MetricExporter,
		OTLPEndpoint:   tc.OTLPEndpoint,
		OTLPInsecure:   tc.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	s.telemetry = tel
	s.metrics = observability.New(tel.Registry)
	s.logger.Info("Telemetry initialized", "traces", tc.TraceExporter, "metrics", tc.MetricExporter)
	return nil
}

func (s *service) initLLMClient() error {
	if s.opts.LLM != nil {
		s.llmClient = s.opts.LLM
		return nil
	}
	clientCfg := s.cfg.LLM.ClientConfig()
	s.apiKey = clientCfg.APIKey
	client, err := llm.NewClient(clientCfg)
	if err != nil {
		return err
	}
	s.llmClient = client
	s.logger.Info("LLM client initialized", "backend", clientCfg.Backend, "model", clientCfg.Model)
	return nil
}

func (s *service) initStore() error {
	store, err := sqlite.Open(context.Background(), s.cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	s.store = store
	s.sessions = session.NewRegistry(session.Config{
		IdleTimeout: s.cfg.Server.SessionIdleTimeout,
		Store:       store,
		Logger:      s.logger,
	})
	return nil
}

func (s *service) initArchive() error {
	bc := badger.DefaultConfig(s.cfg.Storage.ResultsPath)
	if s.cfg.Storage.ResultsInMemory {
		bc = badger.InMemoryConfig()
	}
	bc.Logger = s.logger
	archive, err := badger.OpenArchive(bc)
	if err != nil {
		return err
	}
	s.archive = archive
	return nil
}

func (s *service) initRecorder() error {
	var sink interactionlog.Sink = s.store
	if ic := s.cfg.Influx; ic.Enabled() {
		s.influx = interactionlog.NewInfluxSink(ic.URL, ic.Token, ic.Org, ic.Bucket)
		sink = &interactionlog.MultiSink{
			Primary:   s.store,
			Secondary: []interactionlog.Sink{s.influx},
			OnSecondaryError: func(err error) {
				s.logger.Warn("InfluxDB write failed", "error", err)
			},
		}
		s.logger.Info("Mirroring interaction log to InfluxDB", "url", ic.URL, "bucket", ic.Bucket)
	}
	rc := s.cfg.Recorder
	s.recorder = interactionlog.NewRecorder(sink, interactionlog.Config{
		BatchSize:     rc.BatchSize,
		MaxAttempts:   rc.MaxAttempts,
		Backoff:       rc.Backoff,
		FlushInterval: rc.FlushInterval,
		Logger:        s.logger,
		Observer:      s.metrics,
	})
	return nil
}

func (s *service) initConfigSource() error {
	if s.opts.ConfigPath == "" {
		source, err := handlers.StaticConfig(s.cfg)
		if err != nil {
			return err
		}
		s.source = source
		return nil
	}
	watcher, err := config.NewWatcher(s.opts.ConfigPath, s.cfg, s.logger)
	if err != nil {
		return err
	}
	watcher.OnChange(func(cfg *config.Config) {
		s.logger.Info("Study design reloaded",
			"conditions", len(cfg.Study.Conditions), "topics", len(cfg.Study.Topics))
	})
	s.watcher = watcher
	s.source = watcher
	return nil
}

func (s *service) initRouter() error {
	gin.SetMode(s.cfg.Server.GinMode)

	httpMetrics, err := observability.NewHTTPMetrics(otel.Meter("essaylab.study"))
	if err != nil {
		return err
	}

	var prompts revision.PromptSource = s.source.Prompts()
	if s.watcher != nil {
		prompts = s.watcher
	}
	runner := &revision.Runner{
		LLM:      s.llmClient,
		Params:   s.cfg.LLM.GenerationParams(),
		Prompts:  prompts,
		Archive:  s.archive,
		Observer: s.metrics,
		Logger:   s.logger,
		Timeout:  s.cfg.LLM.Timeout,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.Telemetry.ServiceName))
	router.Use(httpMetrics.Middleware())

	dataAuth, err := s.dataAuth()
	if err != nil {
		return err
	}

	routes.SetupRoutes(router, routes.Dependencies{
		Sessions:       s.sessions,
		Config:         s.source,
		Assigner:       assignment.New(nil),
		LLM:            s.llmClient,
		Params:         s.cfg.LLM.GenerationParams(),
		Runner:         runner,
		Store:          s.store,
		Events:         s.recorder,
		Metrics:        s.metrics,
		MetricsHandler: s.telemetry.MetricsHandler(),
		DataAuth:       dataAuth,
	})
	s.router = router
	return nil
}

// dataAuth picks the provider guarding the research data export.
func (s *service) dataAuth() (extensions.AuthProvider, error) {
	if s.opts.Extensions != nil && s.opts.Extensions.DataAuth != nil {
		return s.opts.Extensions.DataAuth, nil
	}
	env := s.cfg.Server.DataTokenEnv
	if token := os.Getenv(env); env != "" && token != "" {
		return extensions.NewTokenAuthProvider(token)
	}
	s.logger.Warn("Research data export is not protected; set a researcher token to require one",
		"env", env)
	return &extensions.NopAuthProvider{}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Close() {
	s.cleanup()
}

func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	if err := s.sessions.Start(ctx, s.cfg.Server.SweepInterval); err != nil {
		return fmt.Errorf("start session sweeper: %w", err)
	}
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			// Serving a fixed config is better than not serving.
			s.logger.Warn("Config hot reload disabled", "error", err)
		}
	}

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Study service listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		s.logger.Info("Shutting down study service")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.reportSessions(gctx)
		return nil
	})
	return g.Wait()
}

func (s *service) reportSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionReportInterval)
	defer ticker.Stop()
	for {
		s.metrics.SetActiveSessions(s.sessions.Len())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cleanup releases components in reverse order of New. Safe to call on a
// partially built service.
func (s *service) cleanup() {
	s.cleanupOnce.Do(func() {
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				s.logger.Warn("Stopping config watcher", "error", err)
			}
		}
		if s.sessions != nil {
			s.sessions.Stop()
		}
		if s.recorder != nil {
			if err := s.recorder.Close(ctx); err != nil {
				s.logger.Error("Interaction log not fully flushed", "error", err, "pending", s.recorder.Pending())
			}
		}
		if s.influx != nil {
			s.influx.Close()
		}
		if s.archive != nil {
			if err := s.archive.Close(); err != nil {
				s.logger.Warn("Closing result archive", "error", err)
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Warn("Closing study store", "error", err)
			}
		}
		if s.apiKey != nil {
			s.apiKey.Destroy()
		}
		if s.telemetry != nil {
			if err := s.telemetry.Shutdown(ctx); err != nil {
				s.logger.Warn("Telemetry shutdown", "error", err)
			}
		}
	})
}

var _ Service = (*service)(nil)
