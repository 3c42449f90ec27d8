// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
)

// =============================================================================
// Engine
// =============================================================================

// EngineConfig configures how models are held in memory.
type EngineConfig struct {
	// KeepAlive controls how long the active model stays loaded.
	// "-1" pins it until an explicit unload. Default: "-1".
	KeepAlive string

	// NumCtx is the context window to load the model with. 0 uses the
	// server default.
	NumCtx int
}

// DefaultEngineConfig returns the production configuration: the active
// model is pinned in memory until Svalbard switches or shuts down.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{KeepAlive: "-1"}
}

// Engine binds one chat model into Ollama's memory via keep_alive.
//
// # Description
//
// Ollama loads weights lazily and evicts them on its own schedule, which
// causes multi-second latency spikes when the active model has been
// evicted. The engine pins the active model with keep_alive=-1 and
// releases it with keep_alive=0, so switching models is explicit and
// the serving model always answers at memory speed.
//
// Embedding models are not bound through the engine: Ollama loads them
// per /api/embed call and their footprint is small enough to share.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	client *Client
	cfg    EngineConfig
	logger *slog.Logger

	mu    sync.Mutex
	model string
}

var _ modelmanager.Engine = (*Engine)(nil)

// chatRequest is the minimal /api/chat body used for load control. The
// single ping message forces the load without meaningful token cost.
type chatRequest struct {
	Model     string         `json:"model"`
	Messages  []chatMessage  `json:"messages"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelID returns the model this engine currently serves.
func (e *Engine) ModelID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// Reload swaps the engine to a different model.
//
// # Description
//
// Warms the new model first, then releases the old one, so the engine is
// never caught without loaded weights. A failed warm leaves the old model
// bound and returns the error; the lifecycle manager falls back to a
// fresh engine in that case.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - modelID: Model to serve next.
//
// # Outputs
//
//   - error: Non-nil when the new model fails to load.
func (e *Engine) Reload(ctx context.Context, modelID string) error {
	e.mu.Lock()
	previous := e.model
	e.mu.Unlock()

	if err := e.warm(ctx, modelID); err != nil {
		return fmt.Errorf("reload %s: %w", modelID, err)
	}

	e.mu.Lock()
	e.model = modelID
	e.mu.Unlock()

	if previous != "" && previous != modelID {
		// Best effort: a release failure only costs memory until
		// Ollama's own eviction catches up.
		if err := e.release(ctx, previous); err != nil {
			e.logger.Warn("could not release previous model",
				slog.String("model", previous),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// Unload releases the bound model's memory.
func (e *Engine) Unload(ctx context.Context) error {
	e.mu.Lock()
	model := e.model
	e.model = ""
	e.mu.Unlock()

	if model == "" {
		return nil
	}

	if err := e.release(ctx, model); err != nil {
		return fmt.Errorf("unload %s: %w", model, err)
	}
	return nil
}

// warm loads modelID with the configured keep_alive.
func (e *Engine) warm(ctx context.Context, modelID string) error {
	started := time.Now()
	e.logger.Info("Warming model",
		slog.String("model", modelID),
		slog.String("keep_alive", e.cfg.KeepAlive),
		slog.Int("num_ctx", e.cfg.NumCtx),
	)

	var options map[string]any
	if e.cfg.NumCtx > 0 {
		options = map[string]any{"num_ctx": e.cfg.NumCtx}
	}

	err := e.loadControl(ctx, chatRequest{
		Model:     modelID,
		Messages:  []chatMessage{{Role: "user", Content: "ping"}},
		Stream:    false,
		KeepAlive: e.cfg.KeepAlive,
		Options:   options,
	})
	if err != nil {
		return err
	}

	e.logger.Info("Model warmed",
		slog.String("model", modelID),
		slog.Duration("load_duration", time.Since(started)),
	)
	return nil
}

// release asks the server to drop modelID immediately.
func (e *Engine) release(ctx context.Context, modelID string) error {
	e.logger.Info("Releasing model", slog.String("model", modelID))

	return e.loadControl(ctx, chatRequest{
		Model:     modelID,
		Messages:  []chatMessage{{Role: "user", Content: "bye"}},
		Stream:    false,
		KeepAlive: "0",
	})
}

// loadControl sends a minimal chat request whose only purpose is its
// keep_alive side effect.
func (e *Engine) loadControl(ctx context.Context, req chatRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.client.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat returned status %d: %s", resp.StatusCode, string(bytes.TrimSpace(detail)))
	}

	// Drain: only the keep_alive side effect matters.
	_, _ = io.ReadAll(resp.Body)
	return nil
}

// =============================================================================
// Engine Factory
// =============================================================================

// EngineFactory creates keep_alive engines over a shared client.
type EngineFactory struct {
	client *Client
	cfg    EngineConfig
	logger *slog.Logger
}

var _ modelmanager.EngineFactory = (*EngineFactory)(nil)

// NewEngineFactory creates a factory bound to the given client.
func NewEngineFactory(client *Client, cfg EngineConfig, logger *slog.Logger) *EngineFactory {
	if cfg.KeepAlive == "" {
		cfg.KeepAlive = DefaultEngineConfig().KeepAlive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineFactory{
		client: client,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ollama_engine")),
	}
}

// New creates an engine and loads modelID into memory.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - modelID: Model the engine will serve.
//   - onProgress: Optional coarse progress callback.
//
// # Outputs
//
//   - modelmanager.Engine: Engine serving modelID.
//   - error: Non-nil when the initial load fails; no engine is returned.
func (f *EngineFactory) New(ctx context.Context, modelID string, onProgress modelmanager.EngineProgressFunc) (modelmanager.Engine, error) {
	engine := &Engine{
		client: f.client,
		cfg:    f.cfg,
		logger: f.logger,
	}

	if onProgress != nil {
		onProgress("loading model into memory", 0)
	}

	if err := engine.warm(ctx, modelID); err != nil {
		return nil, fmt.Errorf("create engine for %s: %w", modelID, err)
	}
	engine.model = modelID

	if onProgress != nil {
		onProgress("model ready", 100)
	}
	return engine, nil
}
