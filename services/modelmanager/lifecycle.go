// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modelmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Engine Interfaces
// =============================================================================

// Engine is one live inference engine bound to a single model.
//
// # Description
//
// An Engine owns whatever resources inference needs: a loaded weights file,
// GPU allocations, a warm server-side model slot. Exactly one Engine exists
// at a time; DefaultEngineManager owns it and serializes all access to it.
//
// Reload swaps the bound model in place without tearing the engine down.
// It is an optimization: implementations may fail it freely (the manager
// falls back to full recreation) but must leave the engine usable for
// Unload afterwards.
type Engine interface {
	// ModelID returns the model the engine is currently bound to.
	ModelID() string

	// Reload rebinds the engine to a different model in place.
	Reload(ctx context.Context, modelID string) error

	// Unload releases the engine's resources. The engine is unusable
	// afterwards.
	Unload(ctx context.Context) error
}

// EngineFactory creates engines bound to a model.
type EngineFactory interface {
	// New creates an engine for modelID, reporting coarse initialization
	// progress through onProgress (which may be nil).
	New(ctx context.Context, modelID string, onProgress EngineProgressFunc) (Engine, error)
}

// EngineManager binds the process's single inference engine to a model.
type EngineManager interface {
	// Activate ensures the active engine is bound to modelID, creating or
	// rebinding as needed. Safe to call concurrently; calls queue.
	Activate(ctx context.Context, modelID string, onProgress EngineProgressFunc) error

	// Active reports the currently bound model, or false when no engine
	// is loaded.
	Active() (string, bool)

	// Teardown unloads the active engine if one exists. Unload errors are
	// logged and swallowed.
	Teardown(ctx context.Context)
}

// =============================================================================
// Default Engine Manager
// =============================================================================

// defaultSettleDelay is how long the manager waits between unloading a
// broken engine and creating its replacement. Device drivers do not
// release memory synchronously with the unload call; recreating too early
// inherits the previous model's leftover allocations.
const defaultSettleDelay = 500 * time.Millisecond

// EngineManagerConfig configures DefaultEngineManager.
type EngineManagerConfig struct {
	// SettleDelay is the pause between a fallback unload and the fresh
	// creation that follows it.
	SettleDelay time.Duration
}

// DefaultEngineManagerConfig returns the production configuration.
func DefaultEngineManagerConfig() EngineManagerConfig {
	return EngineManagerConfig{
		SettleDelay: defaultSettleDelay,
	}
}

// DefaultEngineManager guarantees exactly one usable engine bound to the
// requested model after a successful Activate.
//
// # Description
//
// The manager is a two-state machine: unloaded, or loaded with a specific
// model. Activating the already-active model returns immediately.
// Activating a different model tries the cheap path first, an in-place
// reload of the existing engine; when that fails the manager unloads the
// old engine (best effort), waits out the settle delay, and creates a
// fresh engine. Reload failures never reach the caller; only a creation
// failure after the fallback does, and it leaves the manager unloaded so
// the caller can simply activate again.
//
// # Thread Safety
//
// Safe for concurrent use. Activations serialize on an internal mutex:
// a second Activate issued while one is running waits for it rather than
// being rejected, so no caller's intent is dropped.
//
// # Limitations
//
//   - Activation is not cancellable once the factory call has started;
//     cancelling the context stops waiting but may leave the factory
//     finishing in the background of its own HTTP call.
type DefaultEngineManager struct {
	cfg     EngineManagerConfig
	factory EngineFactory
	logger  *slog.Logger

	// sleep is the settle wait, injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	metricsOnce       sync.Once
	activations       metric.Int64Counter
	reloadFallbacks   metric.Int64Counter
	activationLatency metric.Float64Histogram

	mu     sync.Mutex
	engine Engine
	model  string
}

// NewDefaultEngineManager creates an engine manager around factory.
func NewDefaultEngineManager(cfg EngineManagerConfig, factory EngineFactory, logger *slog.Logger) *DefaultEngineManager {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultEngineManager{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		sleep:   sleepWithContext,
	}
}

// initMetrics lazily creates the manager's instruments.
func (m *DefaultEngineManager) initMetrics() {
	m.metricsOnce.Do(func() {
		var initErrors []error
		var err error

		m.activations, err = meter.Int64Counter(
			"model_engine_activations_total",
			metric.WithDescription("Engine activations by outcome"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("activations counter: %w", err))
		}

		m.reloadFallbacks, err = meter.Int64Counter(
			"model_engine_reload_fallbacks_total",
			metric.WithDescription("Reload failures that fell back to full engine recreation"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("reload fallback counter: %w", err))
		}

		m.activationLatency, err = meter.Float64Histogram(
			"model_engine_activation_duration_seconds",
			metric.WithDescription("Engine activation latency in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("activation latency histogram: %w", err))
		}

		if len(initErrors) > 0 {
			m.logger.Error("failed to initialize some engine metrics (observability degraded)",
				slog.Int("error_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// -----------------------------------------------------------------------------
// DefaultEngineManager - Activate
// -----------------------------------------------------------------------------

// Activate ensures the engine is bound to modelID.
//
// # Description
//
// From unloaded: creates a fresh engine. From loaded with another model:
// reload first, recreate on reload failure. From loaded with the same
// model: no-op. See the type documentation for the full state machine.
//
// # Inputs
//
//   - ctx: Context for the activation. Cancellation stops the settle wait
//     but does not abort an in-progress factory call.
//   - modelID: Model to bind. Normalized before comparison, so
//     "llama3:8b" and "LLAMA3:8B" are the same activation target.
//   - onProgress: Optional callback for coarse initialization progress.
//
// # Outputs
//
//   - error: Nil once the engine is bound. A creation failure is typed
//     for engine creation and leaves the manager unloaded.
func (m *DefaultEngineManager) Activate(ctx context.Context, modelID string, onProgress EngineProgressFunc) error {
	key := NormalizeModelRef(modelID)
	if key == "" {
		return &ModelError{
			Type:    ModelErrorNotFound,
			Message: "model reference is empty",
		}
	}

	m.initMetrics()

	// Serializes with every other Activate and with Teardown. A second
	// activation queues behind the first instead of failing it.
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := tracer.Start(ctx, "modelmanager.Activate",
		trace.WithAttributes(attribute.String("model.id", key)),
	)
	defer span.End()

	start := time.Now()

	if m.engine != nil && m.model == key {
		m.logger.Debug("Model already active",
			slog.String("model", key),
		)
		span.SetAttributes(attribute.String("activation.path", "noop"))
		return nil
	}

	path := "create"
	if m.engine != nil {
		previous := m.model
		m.logger.Info("Rebinding engine",
			slog.String("from", previous),
			slog.String("to", key),
		)

		reloadErr := m.engine.Reload(ctx, key)
		if reloadErr == nil {
			m.model = key
			m.recordActivation(ctx, "reload", time.Since(start))
			span.SetAttributes(attribute.String("activation.path", "reload"))
			m.logger.Info("Engine rebound in place",
				slog.String("model", key),
				slog.Duration("duration", time.Since(start)),
			)
			return nil
		}

		// Reload failures stay internal: fall back to a full
		// unload / settle / recreate cycle.
		path = "fallback"
		m.logger.Warn("Engine reload failed, recreating",
			slog.String("from", previous),
			slog.String("to", key),
			slog.String("error", reloadErr.Error()),
		)
		if m.reloadFallbacks != nil {
			m.reloadFallbacks.Add(ctx, 1)
		}

		if uerr := m.engine.Unload(ctx); uerr != nil {
			m.logger.Warn("Unload of previous engine failed",
				slog.String("model", previous),
				slog.String("error", uerr.Error()),
			)
		}
		m.engine = nil
		m.model = ""

		// Give the device a moment to actually release the previous
		// model's memory before claiming it again.
		if serr := m.sleep(ctx, m.cfg.SettleDelay); serr != nil {
			mErr := &ModelError{
				Type:        ModelErrorEngineCreation,
				Model:       key,
				Message:     fmt.Sprintf("activation of %s interrupted during settle wait", key),
				Detail:      serr.Error(),
				Remediation: "Activate the model again.",
				Err:         serr,
			}
			span.RecordError(mErr)
			span.SetStatus(codes.Error, "settle interrupted")
			m.recordActivation(ctx, "interrupted", time.Since(start))
			return mErr
		}
	}

	engine, err := m.factory.New(ctx, key, onProgress)
	if err != nil {
		mErr := &ModelError{
			Type:        ModelErrorEngineCreation,
			Model:       key,
			Message:     fmt.Sprintf("engine creation for %s failed", key),
			Detail:      err.Error(),
			Remediation: "The model failed to load. Retry the activation; if it keeps failing, check engine logs and available memory.",
			Err:         err,
		}
		span.RecordError(mErr)
		span.SetStatus(codes.Error, "engine creation failed")
		m.recordActivation(ctx, "error", time.Since(start))
		m.logger.Error("Engine creation failed",
			slog.String("model", key),
			slog.String("error", err.Error()),
		)
		return mErr
	}

	m.engine = engine
	m.model = key
	m.recordActivation(ctx, path, time.Since(start))
	span.SetAttributes(attribute.String("activation.path", path))
	m.logger.Info("Engine active",
		slog.String("model", key),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (m *DefaultEngineManager) recordActivation(ctx context.Context, path string, elapsed time.Duration) {
	if m.activations != nil {
		m.activations.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	}
	if m.activationLatency != nil {
		m.activationLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("path", path)))
	}
}

// -----------------------------------------------------------------------------
// DefaultEngineManager - Active / Teardown
// -----------------------------------------------------------------------------

// Active reports the bound model, or false when unloaded.
func (m *DefaultEngineManager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine == nil {
		return "", false
	}
	return m.model, true
}

// Teardown unloads the active engine if one exists.
//
// Used at process shutdown and when an external trigger wants the device
// freed. Unload errors are logged and swallowed: there is nothing useful
// a shutdown path can do with them.
func (m *DefaultEngineManager) Teardown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil {
		return
	}

	model := m.model
	if err := m.engine.Unload(ctx); err != nil {
		m.logger.Warn("Engine unload failed during teardown",
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
	}
	m.engine = nil
	m.model = ""
	m.logger.Info("Engine torn down",
		slog.String("model", model),
	)
}
