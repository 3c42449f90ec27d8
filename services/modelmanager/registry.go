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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Model Registry
// =============================================================================

// ModelRegistry answers "what models exist" across all configured providers.
type ModelRegistry interface {
	// ListModels returns the merged catalog: everything any provider
	// reports, plus curated well-known models that are not installed yet.
	ListModels(ctx context.Context) ([]ModelDescriptor, error)

	// FindModel looks one model up in the merged catalog. It returns the
	// descriptor and true when the catalog knows the reference, in either
	// installed or installable form.
	FindModel(ctx context.Context, modelID string) (ModelDescriptor, bool, error)

	// MarkInstalled records that modelID finished installing, without
	// waiting for the next provider refresh.
	MarkInstalled(modelID string)

	// MarkUninstalled records that modelID was removed.
	MarkUninstalled(modelID string)

	// Invalidate drops the cached catalog so the next ListModels refetches.
	Invalidate()
}

// RegistryConfig configures DefaultModelRegistry.
type RegistryConfig struct {
	// CacheTTL is how long a fetched catalog stays fresh.
	// Default: 30 seconds.
	CacheTTL time.Duration
}

// DefaultRegistryConfig returns the production configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		CacheTTL: 30 * time.Second,
	}
}

// DefaultModelRegistry merges model catalogs from several providers.
//
// # Description
//
// ListModels fans out to every provider in parallel, merges what they
// report, and fills in curated well-known models the user could install.
// Results are cached briefly so UI polling does not hammer providers;
// concurrent cache misses collapse into a single fetch.
//
// A provider that is down does not break the listing: its models are
// simply absent until it comes back, and the outage is logged. Only when
// every provider fails does ListModels return an error.
//
// # Thread Safety
//
// Safe for concurrent use. Uses sync.RWMutex for the cached catalog and
// singleflight.Group for fetch deduplication.
type DefaultModelRegistry struct {
	cfg       RegistryConfig
	providers []ModelProvider
	known     []ModelDescriptor
	logger    *slog.Logger

	flight singleflight.Group

	mu        sync.RWMutex
	cached    []ModelDescriptor
	fetchedAt time.Time
}

// NewDefaultModelRegistry creates a registry over the given providers.
//
// The curated well-known models come from DefaultKnownModels; pass extra
// descriptors through known to extend or replace that set (nil keeps the
// default).
func NewDefaultModelRegistry(cfg RegistryConfig, providers []ModelProvider, known []ModelDescriptor, logger *slog.Logger) *DefaultModelRegistry {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultRegistryConfig().CacheTTL
	}
	if known == nil {
		known = DefaultKnownModels()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultModelRegistry{
		cfg:       cfg,
		providers: providers,
		known:     known,
		logger:    logger,
	}
}

// DefaultKnownModels returns the curated catalog of models Svalbard knows
// how to use for document work, shown as installable even before any
// provider has them.
func DefaultKnownModels() []ModelDescriptor {
	return []ModelDescriptor{
		{ID: "llama3.1:8b", Kind: KindChat},
		{ID: "mistral:7b", Kind: KindChat},
		{ID: "qwen2.5:7b", Kind: KindChat},
		{ID: "granite4:micro-h", Kind: KindChat},
		{ID: "nomic-embed-text", Kind: KindEmbedding},
		{ID: "bge-m3", Kind: KindEmbedding},
		{ID: "all-minilm", Kind: KindEmbedding},
	}
}

// -----------------------------------------------------------------------------
// DefaultModelRegistry - ListModels
// -----------------------------------------------------------------------------

// ListModels returns the merged catalog.
//
// # Outputs
//
//   - []ModelDescriptor: Sorted by installed-first, then ID. Safe to
//     mutate; it is a copy.
//   - error: Non-nil only when every provider failed and nothing older
//     is cached.
func (r *DefaultModelRegistry) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	if cached, ok := r.cachedCatalog(); ok {
		return cached, nil
	}

	// Singleflight: concurrent cache misses share one fetch.
	result, err, _ := r.flight.Do("catalog", func() (interface{}, error) {
		// Double-check cache (might have been populated while waiting).
		if cached, ok := r.cachedCatalog(); ok {
			return cached, nil
		}
		return r.fetchCatalog(ctx)
	})
	if err != nil {
		return nil, err
	}

	catalog, ok := result.([]ModelDescriptor)
	if !ok {
		return nil, fmt.Errorf("unexpected type from singleflight group 'catalog': got %T", result)
	}
	return catalog, nil
}

// cachedCatalog returns a copy of the cache when it is still fresh.
func (r *DefaultModelRegistry) cachedCatalog() ([]ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cached == nil || time.Since(r.fetchedAt) > r.cfg.CacheTTL {
		return nil, false
	}
	out := make([]ModelDescriptor, len(r.cached))
	copy(out, r.cached)
	return out, true
}

// fetchCatalog queries every provider and merges the results.
func (r *DefaultModelRegistry) fetchCatalog(ctx context.Context) ([]ModelDescriptor, error) {
	ctx, span := tracer.Start(ctx, "modelmanager.ListModels")
	defer span.End()

	type providerResult struct {
		models []ModelDescriptor
		err    error
	}
	results := make([]providerResult, len(r.providers))

	g, gCtx := errgroup.WithContext(ctx)
	for i, p := range r.providers {
		i, p := i, p // Capture loop variables
		g.Go(func() error {
			models, err := p.ListModels(gCtx)
			results[i] = providerResult{models: models, err: err}
			// A failed provider degrades the listing instead of
			// cancelling its siblings.
			if err != nil {
				r.logger.Warn("Provider listing failed",
					slog.String("provider", p.Name()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]ModelDescriptor)
	failures := 0
	var lastErr error
	for i, res := range results {
		if res.err != nil {
			failures++
			lastErr = fmt.Errorf("%s: %w", r.providers[i].Name(), res.err)
			continue
		}
		for _, m := range res.models {
			key := NormalizeModelRef(m.ID)
			if m.Kind == "" {
				m.Kind = InferKind(m.ID)
			}
			// First provider to report a model wins; provider order is
			// the configured preference order.
			if _, exists := merged[key]; !exists {
				merged[key] = m
			}
		}
	}

	if len(r.providers) > 0 && failures == len(r.providers) {
		return nil, &ModelError{
			Type:        ModelErrorConnectionFailed,
			Message:     "no model provider is reachable",
			Detail:      lastErr.Error(),
			Remediation: "Start your model provider (e.g. `ollama serve`) and try again.",
			Err:         lastErr,
		}
	}

	// Curated models the user could install but no provider has yet.
	for _, m := range r.known {
		key := NormalizeModelRef(m.ID)
		if _, exists := merged[key]; !exists {
			if m.Kind == "" {
				m.Kind = InferKind(m.ID)
			}
			merged[key] = m
		}
	}

	catalog := make([]ModelDescriptor, 0, len(merged))
	for _, m := range merged {
		catalog = append(catalog, m)
	}
	sort.Slice(catalog, func(i, j int) bool {
		if catalog[i].Installed != catalog[j].Installed {
			return catalog[i].Installed
		}
		return catalog[i].ID < catalog[j].ID
	})

	r.mu.Lock()
	r.cached = catalog
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	out := make([]ModelDescriptor, len(catalog))
	copy(out, catalog)
	return out, nil
}

// -----------------------------------------------------------------------------
// DefaultModelRegistry - State Reflection
// -----------------------------------------------------------------------------

// MarkInstalled flips a cached model to installed, adding a descriptor
// when the catalog has never seen it. The next TTL refresh reconciles
// with provider truth.
func (r *DefaultModelRegistry) MarkInstalled(modelID string) {
	key := NormalizeModelRef(modelID)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.cached {
		if NormalizeModelRef(r.cached[i].ID) == key {
			r.cached[i].Installed = true
			r.cached[i].ModifiedAt = time.Now()
			return
		}
	}
	r.cached = append(r.cached, ModelDescriptor{
		ID:         modelID,
		Kind:       InferKind(modelID),
		Installed:  true,
		ModifiedAt: time.Now(),
	})
}

// MarkUninstalled flips a cached model to not-installed.
func (r *DefaultModelRegistry) MarkUninstalled(modelID string) {
	key := NormalizeModelRef(modelID)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.cached {
		if NormalizeModelRef(r.cached[i].ID) == key {
			r.cached[i].Installed = false
			r.cached[i].ModifiedAt = time.Now()
			return
		}
	}
}

// Invalidate drops the cached catalog.
func (r *DefaultModelRegistry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
	r.fetchedAt = time.Time{}
}

// FindModel looks one model up in the merged catalog.
//
// Returns the descriptor and true when the catalog knows the reference,
// in either installed or installable form.
func (r *DefaultModelRegistry) FindModel(ctx context.Context, modelID string) (ModelDescriptor, bool, error) {
	key := NormalizeModelRef(modelID)
	if key == "" {
		return ModelDescriptor{}, false, errors.New("model reference is empty")
	}
	catalog, err := r.ListModels(ctx)
	if err != nil {
		return ModelDescriptor{}, false, err
	}
	for _, m := range catalog {
		if NormalizeModelRef(m.ID) == key {
			return m, true, nil
		}
	}
	return ModelDescriptor{}, false, nil
}
