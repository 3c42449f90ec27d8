// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package modelmanager

import (
	"testing"
)

// =============================================================================
// ProgressAggregator Tests
// =============================================================================

// TestProgressAggregator_SingleLayer tests the plain one-layer case.
//
// # Description
//
// Verifies that a single layer reporting 0 → 50 → 100 bytes of 100 maps to
// 0%, 50%, 100% on both the raw and display percentages.
func TestProgressAggregator_SingleLayer(t *testing.T) {
	t.Parallel()

	agg := NewProgressAggregator()

	if agg.Percent() != 0 {
		t.Errorf("Empty aggregator should report 0%%, got %d", agg.Percent())
	}

	agg.Observe("sha256:aaa", 0, 100)
	if agg.RawPercent() != 0 {
		t.Errorf("Expected raw 0%%, got %d", agg.RawPercent())
	}

	agg.Observe("sha256:aaa", 50, 100)
	if agg.RawPercent() != 50 {
		t.Errorf("Expected raw 50%%, got %d", agg.RawPercent())
	}
	if agg.Percent() != 50 {
		t.Errorf("Expected display 50%%, got %d", agg.Percent())
	}

	agg.Observe("sha256:aaa", 100, 100)
	if agg.Percent() != 100 {
		t.Errorf("Expected display 100%%, got %d", agg.Percent())
	}
	if agg.Completed() != 100 || agg.Total() != 100 {
		t.Errorf("Expected 100/100 bytes, got %d/%d", agg.Completed(), agg.Total())
	}
}

// TestProgressAggregator_LateLayerDipsRawOnly tests the moving-denominator case.
//
// # Description
//
// A second layer revealed mid-transfer halves the raw ratio (50% → 25%) but
// must leave the display percentage where it was. Completing both layers
// brings both percentages to 100.
func TestProgressAggregator_LateLayerDipsRawOnly(t *testing.T) {
	t.Parallel()

	agg := NewProgressAggregator()

	// Layer one at the halfway point.
	agg.Observe("sha256:layer1", 50, 100)
	if agg.RawPercent() != 50 {
		t.Fatalf("Expected raw 50%% with one layer, got %d", agg.RawPercent())
	}
	if agg.Percent() != 50 {
		t.Fatalf("Expected display 50%% with one layer, got %d", agg.Percent())
	}

	// Layer two appears and doubles the denominator.
	agg.Observe("sha256:layer2", 0, 100)
	if agg.RawPercent() != 25 {
		t.Errorf("Expected raw to dip to 25%%, got %d", agg.RawPercent())
	}
	if agg.Percent() != 50 {
		t.Errorf("Display percent must not dip, expected 50%%, got %d", agg.Percent())
	}

	// Both layers finish.
	agg.Observe("sha256:layer1", 100, 100)
	agg.Observe("sha256:layer2", 100, 100)
	if agg.RawPercent() != 100 {
		t.Errorf("Expected raw 100%% after completion, got %d", agg.RawPercent())
	}
	if agg.Percent() != 100 {
		t.Errorf("Expected display 100%% after completion, got %d", agg.Percent())
	}
}

// TestProgressAggregator_DisplayNeverDecreases tests monotonicity across a
// long mixed sequence.
//
// # Description
//
// Walks a scripted multi-layer download where layers appear at different
// times and advance unevenly, asserting after every event that the display
// percentage never went down.
func TestProgressAggregator_DisplayNeverDecreases(t *testing.T) {
	t.Parallel()

	events := []struct {
		layer     string
		completed uint64
		total     uint64
	}{
		{"sha256:manifest", 512, 512},
		{"sha256:weights", 0, 4_000_000},
		{"sha256:weights", 1_000_000, 4_000_000},
		{"sha256:weights", 2_500_000, 4_000_000},
		{"sha256:tokenizer", 0, 500_000},
		{"sha256:weights", 3_200_000, 4_000_000},
		{"sha256:tokenizer", 250_000, 500_000},
		{"sha256:license", 0, 1_024},
		{"sha256:weights", 4_000_000, 4_000_000},
		{"sha256:tokenizer", 500_000, 500_000},
		{"sha256:license", 1_024, 1_024},
	}

	agg := NewProgressAggregator()
	prev := agg.Percent()
	for i, ev := range events {
		agg.Observe(ev.layer, ev.completed, ev.total)
		cur := agg.Percent()
		if cur < prev {
			t.Fatalf("Display percent decreased at event %d: %d%% -> %d%%", i, prev, cur)
		}
		if cur > 100 {
			t.Fatalf("Display percent exceeded 100 at event %d: %d%%", i, cur)
		}
		prev = cur
	}
	if agg.Percent() != 100 {
		t.Errorf("Expected 100%% after all layers complete, got %d", agg.Percent())
	}
}

// TestProgressAggregator_PostTransferStatusPins tests the verification pin.
//
// # Description
//
// Once the stream reports a post-transfer status the display percentage must
// read 100 even when the byte counters never summed to their totals (servers
// stop reporting sizes during verification).
func TestProgressAggregator_PostTransferStatusPins(t *testing.T) {
	t.Parallel()

	statuses := []string{
		"verifying sha256 digest",
		"writing manifest",
		"removing any unused layers",
		"success",
	}

	for _, status := range statuses {
		t.Run(status, func(t *testing.T) {
			agg := NewProgressAggregator()
			agg.Observe("sha256:aaa", 75, 100)
			if agg.Percent() != 75 {
				t.Fatalf("Expected 75%% before pin, got %d", agg.Percent())
			}

			agg.ObservePhase(status)
			if agg.Percent() != 100 {
				t.Errorf("Status %q should pin display to 100%%, got %d", status, agg.Percent())
			}
			// Raw stays honest.
			if agg.RawPercent() != 75 {
				t.Errorf("Raw percent should be unaffected by pin, got %d", agg.RawPercent())
			}
		})
	}
}

// TestProgressAggregator_TransferStatusDoesNotPin tests that in-transfer
// statuses leave the percentage alone.
func TestProgressAggregator_TransferStatusDoesNotPin(t *testing.T) {
	t.Parallel()

	agg := NewProgressAggregator()
	agg.Observe("sha256:aaa", 30, 100)

	for _, status := range []string{"pulling manifest", "downloading sha256:aaa", ""} {
		agg.ObservePhase(status)
	}

	if agg.Percent() != 30 {
		t.Errorf("In-transfer statuses must not pin, expected 30%%, got %d", agg.Percent())
	}
}

// TestProgressAggregator_UnlabeledLayer tests the synthetic layer key.
//
// # Description
//
// Records without a layer digest must accumulate under one synthetic layer
// rather than being dropped or each counted as a new layer.
func TestProgressAggregator_UnlabeledLayer(t *testing.T) {
	t.Parallel()

	agg := NewProgressAggregator()

	agg.Observe("", 10, 100)
	agg.Observe("", 60, 100)

	if agg.Total() != 100 {
		t.Errorf("Unlabeled records should share one layer, total = %d, want 100", agg.Total())
	}
	if agg.Completed() != 60 {
		t.Errorf("Expected completed 60, got %d", agg.Completed())
	}
	if agg.Percent() != 60 {
		t.Errorf("Expected 60%%, got %d", agg.Percent())
	}
}

// TestProgressAggregator_ZeroTotal tests division safety.
//
// # Description
//
// Before any layer reports a size the ratio is undefined; the aggregator
// must report 0 rather than dividing by zero.
func TestProgressAggregator_ZeroTotal(t *testing.T) {
	t.Parallel()

	agg := NewProgressAggregator()
	if agg.RawPercent() != 0 {
		t.Errorf("Empty aggregator raw percent should be 0, got %d", agg.RawPercent())
	}

	agg.Observe("sha256:aaa", 0, 0)
	if agg.RawPercent() != 0 {
		t.Errorf("Zero-total layer should yield 0%%, got %d", agg.RawPercent())
	}
}

// TestProgressAggregator_OverreportClamped tests the 100 ceiling.
//
// # Description
//
// Some servers briefly report completed > total on the final record of a
// layer. The percentage must clamp at 100.
func TestProgressAggregator_OverreportClamped(t *testing.T) {
	t.Parallel()

	agg := NewProgressAggregator()
	agg.Observe("sha256:aaa", 110, 100)

	if agg.RawPercent() != 100 {
		t.Errorf("Over-reported bytes should clamp raw to 100%%, got %d", agg.RawPercent())
	}
	if agg.Percent() != 100 {
		t.Errorf("Over-reported bytes should clamp display to 100%%, got %d", agg.Percent())
	}
}

// TestProgressAggregator_Rounding tests half-up rounding of the ratio.
func TestProgressAggregator_Rounding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		completed uint64
		total     uint64
		want      int
	}{
		{"exact third", 1, 3, 33},
		{"two thirds", 2, 3, 67},
		{"just below half percent", 4, 1000, 0},
		{"half percent rounds up", 5, 1000, 1},
		{"nearly done", 999, 1000, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewProgressAggregator()
			agg.Observe("sha256:aaa", tt.completed, tt.total)
			if got := agg.RawPercent(); got != tt.want {
				t.Errorf("RawPercent(%d/%d) = %d, want %d", tt.completed, tt.total, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Phase Mapping Tests
// =============================================================================

// TestPhaseForStatus tests the wire-status to phase mapping.
func TestPhaseForStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status string
		want   TransferPhase
	}{
		{"", PhasePending},
		{"pulling manifest", PhaseTransferring},
		{"downloading sha256:abc123", PhaseTransferring},
		{"pulling sha256:abc123", PhaseTransferring},
		{"verifying sha256 digest", PhaseVerifying},
		{"Verifying SHA256 digest", PhaseVerifying},
		{"writing manifest", PhaseFinalizing},
		{"removing any unused layers", PhaseFinalizing},
		{"success", PhaseSucceeded},
		{"SUCCESS", PhaseSucceeded},
	}

	for _, tt := range tests {
		name := tt.status
		if name == "" {
			name = "empty"
		}
		t.Run(name, func(t *testing.T) {
			if got := phaseForStatus(tt.status); got != tt.want {
				t.Errorf("phaseForStatus(%q) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}
