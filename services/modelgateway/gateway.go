// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modelgateway assembles the model management HTTP service.
//
// The gateway wires the model manager (catalog, acquisition, engine
// lifecycle, journal) behind a Gin router and runs it as a long-lived
// server with config hot reload for the tunable sections.
package modelgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/config"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/middleware"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/observability"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/routes"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/engines/llamacpp"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/journal"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/providers/ollama"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/providers/openaicompat"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// shutdownGrace bounds how long Run waits for in-flight requests and
// the manager's teardown once a stop signal arrives.
const shutdownGrace = 5 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the model gateway service.
//
// # Description
//
// Service abstracts the gateway lifecycle, enabling testing and
// alternative implementations. The interface follows the minimal surface
// area principle - only essential lifecycle methods are exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until a SIGINT or SIGTERM
	// arrives or the listener fails. On a signal it drains in-flight
	// requests and closes the model manager before returning.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Service Implementation
// =============================================================================

// service is the concrete gateway assembled by New.
type service struct {
	config  *config.GatewayConfig
	router  *gin.Engine
	manager modelmanager.Manager

	// acquirer is kept concrete so config reloads can retune the
	// retry policy without rebuilding the manager.
	acquirer *modelmanager.DefaultAcquirer
	limiter  *middleware.Limiter
	metrics  *observability.ModelMetrics
	watcher  *config.Watcher

	tracerCleanup func(context.Context)
}

// New creates a fully wired gateway from cfg.
//
// # Description
//
// New assembles the whole dependency graph: tracing (when an OTLP
// endpoint is configured), Prometheus metrics (when enabled), the
// BadgerDB journal, the model providers, the engine factory for the
// configured backend, and the model manager itself, then binds the
// HTTP routes. Construction is fail-fast: any required dependency
// that cannot be built aborts startup with a wrapped error.
//
// configPath, when non-empty, points at the YAML file cfg was loaded
// from; the gateway watches it and applies changes to the acquisition
// and rate_limit sections without a restart. An empty configPath
// disables hot reload, which is what tests want.
//
// # Assumptions
//
//   - cfg has passed config.Load validation (or is nil, which selects
//     the built-in defaults).
//   - InitMetrics has not run before in this process when metrics are
//     enabled; the Prometheus default registry rejects duplicates.
func New(cfg *config.GatewayConfig, configPath string) (Service, error) {
	if cfg == nil {
		def := config.DefaultGatewayConfig()
		cfg = &def
	}

	s := &service{config: cfg}

	gin.SetMode(cfg.Server.GinMode)

	if cfg.Server.OTelEndpoint != "" {
		if err := s.initTracer(); err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
	} else {
		slog.Info("OTLP endpoint not configured, tracing disabled")
	}

	if cfg.Server.EnableMetrics {
		s.metrics = observability.InitMetrics()
	}

	if err := s.initManager(); err != nil {
		s.cleanup()
		return nil, err
	}

	s.limiter = middleware.NewLimiter(
		cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, s.metrics, slog.Default())

	s.initRouter()

	if configPath != "" {
		w, err := config.NewWatcher(configPath, cfg, s.onConfigReload, slog.Default())
		if err != nil {
			// The watcher is a convenience, not a dependency. Boot with
			// the loaded config and note that edits need a restart.
			slog.Warn("Config watcher unavailable, hot reload disabled",
				"path", configPath, "error", err)
		} else {
			s.watcher = w
		}
	}

	return s, nil
}

// initTracer sets up the OpenTelemetry tracer provider with an OTLP
// gRPC exporter pointed at the configured collector.
func (s *service) initTracer() error {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.Server.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("modelgateway-service")))
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	s.tracerCleanup = func(ctx context.Context) {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
		if err := exporter.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Error shutting down trace exporter", "error", err)
		}
	}

	return nil
}

// initManager builds the model manager and everything under it.
func (s *service) initManager() error {
	logger := slog.Default()

	jrnl, err := journal.NewBadgerJournal(journal.Config{
		Path:          s.config.Journal.Path,
		SyncWrites:    s.config.Journal.SyncWrites,
		RetainRecords: s.config.Journal.RetainRecords,
		AllowDegraded: s.config.Journal.AllowDegraded,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open acquisition journal: %w", err)
	}

	ollamaClient := ollama.New(
		ollama.Config{BaseURL: s.config.Providers.Ollama.BaseURL}, logger)
	providers := []modelmanager.ModelProvider{ollamaClient}

	if oc := s.config.Providers.OpenAICompat; oc.Enabled {
		// The config names the env var holding the key; the value never
		// touches the YAML file. The client seals the bytes and wipes
		// this slice, so it must not be reused after the call.
		var apiKey []byte
		if v := os.Getenv(oc.APIKeyEnv); v != "" {
			apiKey = []byte(v)
		} else {
			slog.Warn("OpenAI-compatible provider enabled without an API key",
				"provider", oc.Name, "env", oc.APIKeyEnv)
		}
		providers = append(providers, openaicompat.New(
			openaicompat.Config{Name: oc.Name, BaseURL: oc.BaseURL}, apiKey, logger))
	}

	factory, err := s.engineFactory(ollamaClient, logger)
	if err != nil {
		closeJournal(jrnl)
		return err
	}

	registry := modelmanager.NewDefaultModelRegistry(
		modelmanager.DefaultRegistryConfig(), providers, nil, logger)

	acquirer := modelmanager.NewDefaultAcquirer(
		acquirerSettings(s.config.Acquisition), logger)

	engines := modelmanager.NewDefaultEngineManager(modelmanager.EngineManagerConfig{
		SettleDelay: time.Duration(s.config.Engine.SettleSeconds) * time.Second,
	}, factory, logger)

	preflight := modelmanager.NewPreflightChecker(modelmanager.PreflightConfig{
		StoragePath:        s.config.Preflight.StoragePath,
		HeadroomBytes:      int64(s.config.Preflight.HeadroomBytes),
		MinProviderVersion: s.config.Preflight.MinProviderVersion,
	}, logger)

	manager, err := modelmanager.NewDefaultManager(modelmanager.ManagerDeps{
		Registry:  registry,
		Acquirer:  acquirer,
		Engines:   engines,
		Preflight: preflight,
		Journal:   jrnl,
		Providers: providers,
		Logger:    logger,
	})
	if err != nil {
		closeJournal(jrnl)
		return fmt.Errorf("failed to assemble model manager: %w", err)
	}

	s.manager = manager
	s.acquirer = acquirer
	return nil
}

// engineFactory selects the inference backend named in the config.
func (s *service) engineFactory(ollamaClient *ollama.Client, logger *slog.Logger) (modelmanager.EngineFactory, error) {
	switch s.config.Engine.Backend {
	case "llamacpp":
		if !llamacpp.Built {
			return nil, fmt.Errorf(
				"engine backend %q requires a binary built with the llamacpp tag",
				s.config.Engine.Backend)
		}
		return llamacpp.NewEngineFactory(llamacpp.Config{
			ModelDir:    s.config.Engine.ModelDir,
			ContextSize: s.config.Engine.ContextSize,
		}, logger), nil
	default:
		return ollama.NewEngineFactory(ollamaClient, ollama.EngineConfig{
			KeepAlive: s.config.Engine.KeepAlive,
			NumCtx:    s.config.Engine.NumCtx,
		}, logger), nil
	}
}

// initRouter builds the Gin engine and registers all routes.
func (s *service) initRouter() {
	s.router = gin.Default()

	if s.config.Server.OTelEndpoint != "" {
		s.router.Use(otelgin.Middleware("modelgateway-service"))
	}

	routes.SetupRoutes(s.router, s.manager, s.limiter, s.metrics,
		s.config.Server.EnableMetrics)
}

// onConfigReload applies a changed config file to the running gateway.
//
// Only the acquisition and rate_limit sections take effect live; the
// manager's retry policy and the limiter adjust in place. Everything
// else (ports, providers, engine backend, journal, preflight) is wired
// into constructed objects and needs a restart, which gets logged so
// an edited file does not silently half-apply.
func (s *service) onConfigReload(old, updated *config.GatewayConfig) {
	s.acquirer.Retune(acquirerSettings(updated.Acquisition))
	s.limiter.Retune(updated.RateLimit.RequestsPerMinute, updated.RateLimit.Burst)

	if old.Acquisition != updated.Acquisition {
		slog.Info("Acquisition settings retuned",
			"max_attempts", updated.Acquisition.MaxAttempts,
			"stall_timeout_seconds", updated.Acquisition.StallTimeoutSeconds)
	}
	if old.RateLimit != updated.RateLimit {
		slog.Info("Rate limit retuned",
			"requests_per_minute", updated.RateLimit.RequestsPerMinute,
			"burst", updated.RateLimit.Burst)
	}

	if old.Server != updated.Server ||
		old.Providers != updated.Providers ||
		old.Engine != updated.Engine ||
		old.Journal != updated.Journal ||
		old.Preflight != updated.Preflight {
		slog.Warn("Config changes outside acquisition and rate_limit require a restart")
	}
}

// Run starts the HTTP server and blocks until shutdown.
//
// # Description
//
// Run listens on the configured port and waits for SIGINT or SIGTERM.
// On a signal it stops accepting connections, gives in-flight requests
// shutdownGrace to finish, and then tears the service down through
// cleanup, which closes the manager (and with it the journal). The
// plain router.Run shortcut would leak BadgerDB's lock file on an
// unclean exit, so the listener is managed explicitly here.
func (s *service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			slog.Warn("Config watcher failed to start, hot reload disabled", "error", err)
		}
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Server.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting model gateway server", "port", s.config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutdown signal received, draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	return nil
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// cleanup releases all resources held by the service.
//
// Safe to call with a partially constructed service; every field is
// nil-checked. The manager close also closes the journal.
func (s *service) cleanup() {
	if s.watcher != nil {
		s.watcher.Stop()
	}

	if s.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := s.manager.Close(ctx); err != nil {
			slog.Warn("Error closing model manager", "error", err)
		}
		cancel()
	}

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Helpers
// =============================================================================

// acquirerSettings converts the config section's integer seconds into
// the acquirer's duration-based settings.
func acquirerSettings(cfg config.AcquisitionConfig) modelmanager.AcquirerConfig {
	return modelmanager.AcquirerConfig{
		MaxAttempts:  cfg.MaxAttempts,
		StallTimeout: time.Duration(cfg.StallTimeoutSeconds) * time.Second,
	}
}

// closeJournal closes an orphaned journal when manager assembly fails
// after the journal opened.
func closeJournal(j journal.Journal) {
	if err := j.Close(); err != nil {
		slog.Warn("Error closing journal during failed startup", "error", err)
	}
}

// Compile-time check that service implements Service.
var _ Service = (*service)(nil)
