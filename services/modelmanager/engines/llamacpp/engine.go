//go:build llama

// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llamacpp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
)

// Built indicates this binary was compiled with real llama.cpp support.
const Built = true

// Engine holds one GGUF model in process memory.
//
// # Description
//
// Weights load through CGO and stay resident until Unload frees them.
// Unlike the Ollama engine there is no server to park the old model on,
// so Reload frees the old weights before loading the new ones; a failed
// load leaves the engine empty and the lifecycle manager recreates it.
//
// # Thread Safety
//
// Safe for concurrent use; loads and frees are serialized.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	model   *llama.LLama
	modelID string
}

var _ modelmanager.Engine = (*Engine)(nil)

// ModelID returns the model this engine currently serves.
func (e *Engine) ModelID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modelID
}

// Reload swaps the engine to a different model.
//
// The old weights are freed first: host memory rarely fits two model
// copies, and the lifecycle manager already treats a failed reload as
// grounds for a fresh engine.
func (e *Engine) Reload(ctx context.Context, modelID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if e.model != nil {
		e.model.Free()
		e.model = nil
		e.modelID = ""
	}

	model, err := e.load(modelID)
	if err != nil {
		return fmt.Errorf("reload %s: %w", modelID, err)
	}
	e.model = model
	e.modelID = modelID
	return nil
}

// Unload frees the model's memory.
func (e *Engine) Unload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model != nil {
		e.model.Free()
		e.model = nil
		e.modelID = ""
	}
	return nil
}

// load resolves and loads a GGUF file. Caller holds e.mu.
//
// The CGO loader cannot be interrupted; the context is only honored
// between steps.
func (e *Engine) load(modelID string) (*llama.LLama, error) {
	path, err := ModelPath(e.cfg.ModelDir, modelID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file %s: %w", path, err)
	}

	started := time.Now()
	e.logger.Info("Loading GGUF model",
		slog.String("model", modelID),
		slog.String("path", path),
		slog.Int("context_size", e.cfg.ContextSize),
	)

	model, err := llama.New(path, llama.SetContext(e.cfg.ContextSize))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	e.logger.Info("Model loaded",
		slog.String("model", modelID),
		slog.Duration("load_duration", time.Since(started)),
	)
	return model, nil
}

// =============================================================================
// Engine Factory
// =============================================================================

// EngineFactory creates in-process engines.
type EngineFactory struct {
	cfg    Config
	logger *slog.Logger
}

var _ modelmanager.EngineFactory = (*EngineFactory)(nil)

// NewEngineFactory creates a factory over the given model directory.
func NewEngineFactory(cfg Config, logger *slog.Logger) *EngineFactory {
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = DefaultConfig().ContextSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineFactory{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "llamacpp_engine")),
	}
}

// New creates an engine and loads modelID from disk.
func (f *EngineFactory) New(ctx context.Context, modelID string, onProgress modelmanager.EngineProgressFunc) (modelmanager.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	engine := &Engine{cfg: f.cfg, logger: f.logger}

	if onProgress != nil {
		onProgress("loading weights from disk", 0)
	}

	model, err := engine.load(modelID)
	if err != nil {
		return nil, fmt.Errorf("create engine for %s: %w", modelID, err)
	}
	engine.model = model
	engine.modelID = modelID

	if onProgress != nil {
		onProgress("model ready", 100)
	}
	return engine, nil
}
