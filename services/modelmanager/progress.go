// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package modelmanager acquires, deletes and activates AI models for the
Svalbard document workspace.

progress.go turns the open-ended per-layer byte counters of a pull stream
into a single display percentage.

# Problem Statement

A model pull downloads several content-addressed layers, revealed one at a
time as the server starts reporting them. The total layer count is unknown
until the last layer's first record arrives, so the obvious
"sum(completed)/sum(total)" ratio is a moving target: every newly revealed
layer grows the denominator and makes the ratio dip. A progress bar that
jumps from 50% back to 25% reads as a bug.

# Solution

ProgressAggregator keeps both views:

	┌─────────────────────────────────────────────────────────────┐
	│  wire records ──► Observe(layer, completed, total)          │
	│                        │                                    │
	│          ┌─────────────┴─────────────┐                      │
	│          ▼                           ▼                      │
	│   RawPercent()                  Percent()                   │
	│   instantaneous ratio,          high-water mark of the      │
	│   may dip when a new            raw ratio, pinned to 100    │
	│   layer appears                 by post-transfer statuses   │
	└─────────────────────────────────────────────────────────────┘

Percent() is what goes to progress bars: it under-counts early in the
transfer instead of ever counting down. RawPercent() and the byte counters
stay available for UIs that want exact numbers.

One aggregator serves exactly one pull attempt. A retry constructs a fresh
aggregator, so progress visibly restarts from zero; a retried attempt
re-downloads from scratch and showing the old numbers would misrepresent
state.

# Thread Safety

Not safe for concurrent use. An aggregator is owned by the single goroutine
consuming one pull stream.
*/
package modelmanager

import (
	"math"
	"strings"
)

// unknownLayerKey collects records that carry no layer digest. Some
// transports report a single unlabeled aggregate stream; treating those
// records as one synthetic layer keeps the arithmetic uniform.
const unknownLayerKey = "unknown"

// layerProgress is the byte counter pair of one layer.
type layerProgress struct {
	completed uint64
	total     uint64
}

// ProgressAggregator folds per-layer progress events into one percentage.
// The zero value is not usable; call NewProgressAggregator.
type ProgressAggregator struct {
	layers     map[string]layerProgress
	maxPercent int
	pinned     bool
}

// NewProgressAggregator returns an empty aggregator for one pull attempt.
func NewProgressAggregator() *ProgressAggregator {
	return &ProgressAggregator{
		layers: make(map[string]layerProgress),
	}
}

// Observe upserts the byte counters of one layer.
//
// # Inputs
//
//   - layerID: opaque layer digest; "" routes to the synthetic unknown key
//   - completed: bytes done for that layer
//   - total: expected bytes for that layer (0 while the server sizes it)
func (a *ProgressAggregator) Observe(layerID string, completed, total uint64) {
	if layerID == "" {
		layerID = unknownLayerKey
	}
	a.layers[layerID] = layerProgress{completed: completed, total: total}
	if p := a.RawPercent(); p > a.maxPercent {
		a.maxPercent = p
	}
}

// ObservePhase feeds a status string into the aggregator. Post-transfer
// statuses ("verifying sha256 digest", "writing manifest", "removing any
// unused layers", "success") report no further byte totals, so they pin the
// display percentage to 100.
func (a *ProgressAggregator) ObservePhase(status string) {
	if isPostTransferStatus(status) {
		a.pinned = true
	}
}

// Completed returns the aggregate completed bytes across all known layers.
func (a *ProgressAggregator) Completed() uint64 {
	var sum uint64
	for _, l := range a.layers {
		sum += l.completed
	}
	return sum
}

// Total returns the aggregate expected bytes across all known layers. This
// is a moving target until every layer has been revealed.
func (a *ProgressAggregator) Total() uint64 {
	var sum uint64
	for _, l := range a.layers {
		sum += l.total
	}
	return sum
}

// RawPercent returns the instantaneous aggregate ratio, 0 when no totals
// are known yet. It may decrease when a newly revealed layer grows the
// denominator; use Percent for anything user-facing.
func (a *ProgressAggregator) RawPercent() int {
	total := a.Total()
	if total == 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(a.Completed()) / float64(total)))
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Percent returns the display percentage: the highest raw ratio seen so
// far, or 100 once a post-transfer status was observed. Within one
// aggregator's lifetime this value never decreases.
func (a *ProgressAggregator) Percent() int {
	if a.pinned {
		return 100
	}
	return a.maxPercent
}

// phaseForStatus maps a wire status string onto the coarse transfer phase.
func phaseForStatus(status string) TransferPhase {
	lower := strings.ToLower(status)
	switch {
	case lower == "success":
		return PhaseSucceeded
	case strings.Contains(lower, "verifying"):
		return PhaseVerifying
	case strings.Contains(lower, "writing manifest"), strings.Contains(lower, "removing"):
		return PhaseFinalizing
	case lower == "":
		return PhasePending
	default:
		return PhaseTransferring
	}
}

// isPostTransferStatus reports whether a status belongs to the phases after
// byte transfer has finished.
func isPostTransferStatus(status string) bool {
	switch phaseForStatus(status) {
	case PhaseVerifying, PhaseFinalizing, PhaseSucceeded:
		return true
	default:
		return false
	}
}
