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

	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/pullstream"
)

// =============================================================================
// Provider Interfaces
// =============================================================================

// PullSource is the slice of a provider the acquirer needs: starting a
// download attempt and cleaning up after a failed one.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the acquirer runs
// transfers for different models in parallel against one source.
type PullSource interface {
	// Name identifies the provider in logs and transfer snapshots
	// (e.g. "ollama").
	Name() string

	// PullStream starts one download attempt and returns the decoding
	// stream. Each call opens a fresh connection; streams are never
	// reused across attempts.
	PullStream(ctx context.Context, modelID string, opts ...pullstream.Option) (*pullstream.Stream, error)

	// Delete removes a model from the provider's store. The bool reports
	// whether the model was present. Deleting an absent model is not an
	// error.
	Delete(ctx context.Context, modelID string) (bool, error)
}

// ModelProvider is the full surface of a model backend.
//
// # Description
//
// A provider hosts models and knows how to enumerate, download and remove
// them. The registry composes several providers behind one catalog; the
// acquirer only sees the PullSource subset.
type ModelProvider interface {
	PullSource

	// ListModels enumerates the models currently hosted by the provider,
	// installed or known-but-absent.
	ListModels(ctx context.Context) ([]ModelDescriptor, error)

	// Health probes whether the provider is reachable and serving.
	Health(ctx context.Context) error
}

// VersionReporter is implemented by providers that can report a server
// version for compatibility gating. Optional; probe with a type assertion.
type VersionReporter interface {
	Version(ctx context.Context) (string, error)
}

// CustomModelDetector is implemented by providers that can tell a model
// built locally (e.g. from an Ollama Modelfile) from one pulled out of a
// registry. Locally built models have no upstream, so a re-pull can only
// fail. Optional; probe with a type assertion.
type CustomModelDetector interface {
	IsCustomModel(ctx context.Context, modelID string) (bool, error)
}
