//go:build !llama

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

// This stub compiles when the 'llama' build tag is not set, keeping
// default builds and CI CGO-free. Engine creation fails fast instead of
// mocking inference behavior.

import (
	"context"
	"log/slog"

	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
)

// Built indicates this binary was compiled without llama.cpp support.
const Built = false

// EngineFactory is the no-CGO stub factory.
type EngineFactory struct {
	cfg    Config
	logger *slog.Logger
}

var _ modelmanager.EngineFactory = (*EngineFactory)(nil)

// NewEngineFactory creates the stub factory. Construction succeeds so
// configuration can be validated uniformly; creation is where the
// missing backend surfaces.
func NewEngineFactory(cfg Config, logger *slog.Logger) *EngineFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineFactory{cfg: cfg, logger: logger}
}

// New always fails: llama.cpp support is not compiled in.
func (f *EngineFactory) New(ctx context.Context, modelID string, onProgress modelmanager.EngineProgressFunc) (modelmanager.Engine, error) {
	return nil, &modelmanager.ModelError{
		Type:        modelmanager.ModelErrorEngineCreation,
		Model:       modelID,
		Message:     "llama.cpp support is not built into this binary",
		Remediation: "Rebuild with -tags llama, or configure the ollama engine backend.",
	}
}
