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
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Model Descriptors
// -----------------------------------------------------------------------------

// ModelKind distinguishes what a model is for.
type ModelKind string

const (
	// KindChat marks a conversational / generative model.
	KindChat ModelKind = "chat"

	// KindEmbedding marks a vector-embedding model.
	KindEmbedding ModelKind = "embedding"
)

// ModelDescriptor describes one model as known to a provider.
type ModelDescriptor struct {
	// ID is the provider-scoped model reference (e.g. "nomic-embed-text:latest").
	ID string `json:"id"`

	// Kind is chat or embedding.
	Kind ModelKind `json:"kind"`

	// Provider is the name of the provider that reported this model.
	Provider string `json:"provider"`

	// Installed is true when the model is present locally and usable.
	Installed bool `json:"installed"`

	// SizeBytes is the on-disk size when installed, or 0 if unknown.
	SizeBytes int64 `json:"size_bytes,omitempty"`

	// Digest is the model's content hash when the provider reports one.
	Digest string `json:"digest,omitempty"`

	// ModifiedAt is when the local copy last changed, zero if unknown.
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// InferKind guesses a model's kind from its name.
//
// Embedding models follow strong naming conventions (nomic-embed-text,
// bge-m3, all-minilm, e5-small, gte-base); everything else is treated as a
// chat model. Wrong guesses are harmless: the kind only drives UI grouping
// and default-model selection.
func InferKind(modelID string) ModelKind {
	name := strings.ToLower(modelID)
	for _, marker := range []string{"embed", "bge", "minilm", "e5-", "gte-"} {
		if strings.Contains(name, marker) {
			return KindEmbedding
		}
	}
	return KindChat
}

// NormalizeModelRef removes the :latest tag if present for comparison.
func NormalizeModelRef(name string) string {
	// Lowercase first so we can match :latest regardless of case
	name = strings.ToLower(name)
	return strings.TrimSuffix(name, ":latest")
}

// -----------------------------------------------------------------------------
// Transfer State
// -----------------------------------------------------------------------------

// TransferPhase is the coarse state of one acquisition.
type TransferPhase string

const (
	PhasePending      TransferPhase = "pending"
	PhaseTransferring TransferPhase = "transferring"
	PhaseVerifying    TransferPhase = "verifying"
	PhaseFinalizing   TransferPhase = "finalizing"
	PhaseSucceeded    TransferPhase = "succeeded"
	PhaseFailed       TransferPhase = "failed"
	PhaseCancelled    TransferPhase = "cancelled"
)

// TransferSnapshot is a read-only view of one in-flight acquisition,
// safe to hand to UIs.
type TransferSnapshot struct {
	// ID uniquely identifies this acquisition across restarts of nothing:
	// it exists only for correlating progress events and journal entries.
	ID string `json:"id"`

	// ModelID is the model being acquired.
	ModelID string `json:"model_id"`

	// Provider is the provider serving the transfer.
	Provider string `json:"provider"`

	// Phase is the coarse transfer state.
	Phase TransferPhase `json:"phase"`

	// Attempt is the 1-based attempt currently running.
	Attempt int `json:"attempt"`

	// Completed and Total are the aggregate byte counters of the current
	// attempt.
	Completed uint64 `json:"completed"`
	Total     uint64 `json:"total"`

	// Percent is the monotonic display percentage of the current attempt.
	Percent int `json:"percent"`

	// CancelRequested is true once the cancel switch has been flipped.
	CancelRequested bool `json:"cancel_requested"`

	// StartedAt is when the acquisition began; UpdatedAt is the time of the
	// most recent progress record.
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// Progress Callbacks
// -----------------------------------------------------------------------------

// ProgressUpdate is delivered to acquisition callers at least once per
// decoded wire record.
type ProgressUpdate struct {
	// Phase is the coarse transfer phase derived from the wire status.
	Phase TransferPhase `json:"phase"`

	// Status is the raw status string from the wire ("pulling manifest",
	// "pulling sha256:...", "verifying sha256 digest", "success", ...).
	// UIs that want provider wording verbatim should render this.
	Status string `json:"status,omitempty"`

	// LayerID is the digest of the layer the record referred to, or ""
	// when the transport reported an unlabeled aggregate stream.
	LayerID string `json:"layer_id,omitempty"`

	// LayerCompleted and LayerTotal are the byte counters of that layer.
	LayerCompleted uint64 `json:"layer_completed"`
	LayerTotal     uint64 `json:"layer_total"`

	// Completed and Total are the aggregate byte counters across all layers
	// seen so far in this attempt.
	Completed uint64 `json:"completed"`
	Total     uint64 `json:"total"`

	// Percent is the monotonic 0-100 display percentage for this attempt.
	// It never decreases between two updates of the same attempt; it resets
	// to 0 when a retry starts a new attempt.
	Percent int `json:"percent"`

	// Attempt is the 1-based pull attempt this update belongs to.
	Attempt int `json:"attempt"`
}

// ProgressFunc receives acquisition progress. Callbacks run on the
// acquisition goroutine and should return quickly.
type ProgressFunc func(ProgressUpdate)

// EngineProgressFunc receives coarse engine initialization progress during
// activation.
type EngineProgressFunc func(stage string, percent int)
