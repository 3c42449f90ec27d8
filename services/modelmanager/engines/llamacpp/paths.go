// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llamacpp loads GGUF models in-process through llama.cpp as an
// alternative engine backend for machines that run Svalbard without an
// Ollama server.
//
// The real backend needs CGO and the llama.cpp libraries, so it sits
// behind the 'llama' build tag; default builds get a stub that fails
// fast at engine creation. Built reports which variant this binary
// carries.
package llamacpp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config configures the in-process engine backend.
type Config struct {
	// ModelDir is the directory holding GGUF files.
	ModelDir string

	// ContextSize is the context window to load models with.
	// Default: 4096.
	ContextSize int
}

// DefaultConfig returns the standard local configuration.
func DefaultConfig() Config {
	return Config{ContextSize: 4096}
}

// ModelPath resolves a model reference to its GGUF file.
//
// References map to flat file names: "llama3:8b" becomes
// "<dir>/llama3-8b.gguf". Path separators are rejected outright so a
// reference can never escape the model directory.
func ModelPath(dir, modelID string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(modelID))
	if name == "" {
		return "", fmt.Errorf("model reference is empty")
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("model reference %q must not contain path separators", modelID)
	}
	name = strings.ReplaceAll(name, ":", "-")
	return filepath.Join(dir, name+".gguf"), nil
}

// ModelFileInfo describes one GGUF file found in the model directory.
type ModelFileInfo struct {
	// ID is the model reference reconstructed from the file name
	// ("llama3-8b.gguf" lists as "llama3-8b").
	ID string

	// Path is the absolute file location.
	Path string

	// SizeBytes is the file size.
	SizeBytes int64

	// ModifiedAt is the file modification time.
	ModifiedAt time.Time
}

// ScanModelDir lists the GGUF files under dir. A missing directory is an
// empty listing, not an error: the backend may be configured before any
// model has been placed.
func ScanModelDir(dir string) ([]ModelFileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan model dir: %w", err)
	}

	var models []ModelFileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".gguf") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		models = append(models, ModelFileInfo{
			ID:         strings.TrimSuffix(strings.ToLower(entry.Name()), ".gguf"),
			Path:       filepath.Join(dir, entry.Name()),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	return models, nil
}
