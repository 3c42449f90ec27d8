// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command modelgateway starts the Svalbard model management HTTP server.
//
// The gateway fronts the local model providers (Ollama and optionally
// an OpenAI-compatible endpoint) and exposes pull, activate, delete,
// and status operations under /v1/models. Configuration lives in a
// YAML file that is created with defaults on first run and watched
// for changes while the server runs.
//
// # Environment Variables
//
//   - SVALBARD_GATEWAY_CONFIG: config file path (default: ~/.svalbard/gateway.yaml)
//   - SVALBARD_LOG_DIR: directory for JSON log files (default: stderr only)
//   - MODELGATEWAY_PORT: HTTP server port override
//   - OLLAMA_BASE_URL: Ollama API base URL override
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector override
//
// # Usage
//
//	# Build
//	go build -o modelgateway ./cmd/modelgateway
//
//	# Run
//	./modelgateway
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/SvalbardAI/SvalbardDocs/pkg/logging"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/config"
)

func main() {
	// Setup structured logging
	logger := logging.New(logging.Config{
		Service: "modelgateway",
		LogDir:  os.Getenv("SVALBARD_LOG_DIR"),
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	path := os.Getenv("SVALBARD_GATEWAY_CONFIG")
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			log.Fatalf("Failed to resolve config path: %v", err)
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slog.Info("Starting model gateway",
		"config", path,
		"port", cfg.Server.Port,
		"engine_backend", cfg.Engine.Backend,
	)

	// The path arms config hot reload for the tunable sections
	svc, err := modelgateway.New(cfg, path)
	if err != nil {
		log.Fatalf("Failed to create model gateway: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Model gateway error: %v", err)
	}
}
