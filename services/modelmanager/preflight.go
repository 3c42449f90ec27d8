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
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/mod/semver"
)

// =============================================================================
// Preflight Checks
// =============================================================================

// PreflightConfig configures acquisition preflight checks.
type PreflightConfig struct {
	// StoragePath is where the provider stores model artifacts. Free-space
	// checks run against the filesystem holding this path.
	StoragePath string

	// HeadroomBytes is extra free space required beyond the model size, so
	// a pull never fills the disk to the last byte. Default: 1 GiB.
	HeadroomBytes int64

	// MinProviderVersion is the lowest provider version the manager will
	// pull through, e.g. "0.5.0". Providers that do not report a version
	// pass the gate. Empty disables the gate.
	MinProviderVersion string
}

// DefaultPreflightConfig returns the production configuration.
func DefaultPreflightConfig() PreflightConfig {
	path := os.Getenv("OLLAMA_MODELS")
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".ollama", "models")
	}
	return PreflightConfig{
		StoragePath:   path,
		HeadroomBytes: 1 << 30,
		// /api/pull streams its error field instead of failing the request
		// from this release on; older servers hang or drop the connection.
		MinProviderVersion: "0.5.0",
	}
}

// PreflightChecker validates that an acquisition can plausibly succeed
// before any bytes move.
//
// # Description
//
// Large model pulls fail late and expensively when the disk is full or
// the provider is down or too old. The checker front-loads those
// failures: free disk space against the model's reported size, provider
// liveness, and a minimum provider version for the streaming pull
// protocol.
//
// # Thread Safety
//
// Safe for concurrent use; the checker holds no mutable state.
type PreflightChecker struct {
	cfg    PreflightConfig
	logger *slog.Logger

	// statfs is injectable for tests.
	statfs func(path string, stat *syscall.Statfs_t) error
}

// NewPreflightChecker creates a checker.
func NewPreflightChecker(cfg PreflightConfig, logger *slog.Logger) *PreflightChecker {
	if cfg.HeadroomBytes <= 0 {
		cfg.HeadroomBytes = DefaultPreflightConfig().HeadroomBytes
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = DefaultPreflightConfig().StoragePath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PreflightChecker{
		cfg:    cfg,
		logger: logger,
		statfs: syscall.Statfs,
	}
}

// Run performs every check that applies to pulling model from provider.
//
// # Inputs
//
//   - ctx: Context for the provider probes.
//   - provider: The provider the pull would go through.
//   - requiredBytes: The model's reported size, or 0 when unknown (skips
//     the space check).
//
// # Outputs
//
//   - error: The first failed check, typed for preflight. Nil when the
//     acquisition is clear to start.
func (p *PreflightChecker) Run(ctx context.Context, provider ModelProvider, requiredBytes int64) error {
	if err := p.CheckProvider(ctx, provider); err != nil {
		return err
	}
	return p.CheckDiskSpace(requiredBytes)
}

// CheckProvider verifies the provider is alive and recent enough.
func (p *PreflightChecker) CheckProvider(ctx context.Context, provider ModelProvider) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := provider.Health(probeCtx); err != nil {
		return &ModelError{
			Type:        ModelErrorPreflight,
			Message:     fmt.Sprintf("provider %s is not responding", provider.Name()),
			Detail:      err.Error(),
			Remediation: "Start your model provider (e.g. `ollama serve`) and try again.",
			Err:         err,
		}
	}

	if p.cfg.MinProviderVersion == "" {
		return nil
	}
	reporter, ok := provider.(VersionReporter)
	if !ok {
		return nil
	}

	version, err := reporter.Version(probeCtx)
	if err != nil {
		// A healthy provider with a broken version endpoint should not
		// block the pull.
		p.logger.Warn("Could not read provider version, skipping version gate",
			slog.String("provider", provider.Name()),
			slog.String("error", err.Error()),
		)
		return nil
	}

	got := "v" + version
	want := "v" + p.cfg.MinProviderVersion
	if !semver.IsValid(got) {
		p.logger.Warn("Provider reported an unparseable version, skipping version gate",
			slog.String("provider", provider.Name()),
			slog.String("version", version),
		)
		return nil
	}
	if semver.Compare(got, want) < 0 {
		return &ModelError{
			Type:    ModelErrorNotSupported,
			Message: fmt.Sprintf("provider %s version %s is too old", provider.Name(), version),
			Detail:  fmt.Sprintf("Streaming pulls need version %s or newer.", p.cfg.MinProviderVersion),
			Remediation: fmt.Sprintf(
				"Upgrade the provider (e.g. reinstall from https://ollama.com/download) to at least %s.",
				p.cfg.MinProviderVersion,
			),
		}
	}
	return nil
}

// CheckDiskSpace verifies the storage filesystem can hold requiredBytes
// plus the configured headroom.
func (p *PreflightChecker) CheckDiskSpace(requiredBytes int64) error {
	if requiredBytes <= 0 {
		return nil
	}

	available, err := p.availableBytes()
	if err != nil {
		if os.IsPermission(err) {
			return &ModelError{
				Type:        ModelErrorPreflight,
				Message:     "cannot check disk space: permission denied",
				Detail:      err.Error(),
				Remediation: fmt.Sprintf("Check permissions: ls -la %s", p.cfg.StoragePath),
				Err:         err,
			}
		}
		// An unknowable filesystem should not block the pull outright;
		// the transfer itself will fail with a clearer error if space
		// really runs out.
		p.logger.Warn("Could not determine free disk space, skipping space check",
			slog.String("path", p.cfg.StoragePath),
			slog.String("error", err.Error()),
		)
		return nil
	}

	needed := requiredBytes + p.cfg.HeadroomBytes
	if available < needed {
		return &ModelError{
			Type: ModelErrorPreflight,
			Message: fmt.Sprintf("insufficient disk space: need %s, have %s",
				formatBytes(needed), formatBytes(available)),
			Detail: fmt.Sprintf("Model storage path: %s", p.cfg.StoragePath),
			Remediation: fmt.Sprintf(
				"Free up at least %s, or remove unused models with `svalbard models rm <model>`.",
				formatBytes(needed-available),
			),
		}
	}
	return nil
}

// availableBytes reports free space on the filesystem under StoragePath,
// walking up to the nearest existing directory first so the check works
// before the provider has ever created its storage tree.
func (p *PreflightChecker) availableBytes() (int64, error) {
	checkPath := p.cfg.StoragePath
	for {
		if _, err := os.Stat(checkPath); err == nil {
			break
		}
		parent := filepath.Dir(checkPath)
		if parent == checkPath {
			checkPath, _ = os.UserHomeDir()
			break
		}
		checkPath = parent
	}

	var stat syscall.Statfs_t
	if err := p.statfs(checkPath, &stat); err != nil {
		return 0, fmt.Errorf("statfs failed for %s: %w", checkPath, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
