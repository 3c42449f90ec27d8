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
Package config defines the model gateway's YAML configuration: which
providers to reach, which inference backend to drive, and the tuning
knobs for acquisition, rate limiting, journalling and preflight checks.

# Loading Order

Values are resolved in three layers, later layers winning:

 1. Compiled-in defaults (DefaultGatewayConfig)
 2. The YAML file, created with defaults on first run
 3. Environment overrides (MODELGATEWAY_PORT, OLLAMA_BASE_URL,
    OTEL_EXPORTER_OTLP_ENDPOINT)

The merged result is validated before use; a configuration that fails
validation never reaches the gateway.

# Durations

Duration knobs are plain integer seconds (stall_timeout_seconds, not
stall_timeout: 30s). YAML decoding into time.Duration silently accepts
bare numbers as nanoseconds, which turns a mistyped "30" into an
invisible 30ns timeout. Integer fields make that mistake impossible.

# Secrets

The file never stores credentials. APIKeyEnv names the environment
variable holding a provider's API key; the gateway reads that variable
once at startup and hands the bytes straight to the provider, which
seals them in a memguard enclave.
*/
package config

import (
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// configValidate validates gateway configuration structs.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// ===== Root =====

// GatewayConfig is the root of the gateway's configuration file.
type GatewayConfig struct {
	// Server holds HTTP listener and telemetry settings.
	Server ServerConfig `yaml:"server"`

	// Providers configures the model sources the gateway talks to.
	Providers ProvidersConfig `yaml:"providers"`

	// Engine selects and tunes the inference backend.
	Engine EngineConfig `yaml:"engine"`

	// Acquisition tunes model download retry behavior. Applied to new
	// pulls on config reload without a restart.
	Acquisition AcquisitionConfig `yaml:"acquisition"`

	// RateLimit throttles mutating API routes per client IP. Applied
	// on config reload without a restart.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Journal configures the persistent acquisition history.
	Journal JournalConfig `yaml:"journal"`

	// Preflight configures the checks run before a pull starts.
	Preflight PreflightConfig `yaml:"preflight"`
}

// Validate reports whether the configuration is usable. The error wraps
// validator.ValidationErrors, so callers can enumerate the offending
// fields.
func (c *GatewayConfig) Validate() error {
	return configValidate.Struct(c)
}

// ===== Server =====

// ServerConfig holds the HTTP listener and telemetry settings.
type ServerConfig struct {
	// Port is the HTTP listen port.
	// Default: 12310
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// GinMode selects the gin runtime mode.
	// Default: "release"
	GinMode string `yaml:"gin_mode" validate:"oneof=debug release test"`

	// OTelEndpoint is the OTLP gRPC collector address as host:port.
	// Empty disables tracing.
	OTelEndpoint string `yaml:"otel_endpoint" validate:"omitempty,hostname_port"`

	// EnableMetrics exposes Prometheus metrics on /metrics.
	// Default: true
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ===== Providers =====

// ProvidersConfig configures the model sources.
type ProvidersConfig struct {
	// Ollama configures the local Ollama daemon, the primary provider.
	Ollama OllamaConfig `yaml:"ollama"`

	// OpenAICompat optionally adds a second, catalog-only provider
	// speaking the OpenAI API (LM Studio, vLLM, a hosted endpoint).
	OpenAICompat OpenAICompatConfig `yaml:"openai_compat"`
}

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	// BaseURL is the daemon address.
	// Default: "http://localhost:11434"
	BaseURL string `yaml:"base_url" validate:"required,url"`
}

// OpenAICompatConfig configures the optional OpenAI-compatible provider.
type OpenAICompatConfig struct {
	// Enabled turns the provider on.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Name is the provider name shown in model listings, e.g.
	// "lmstudio".
	// Default: "openai-compat"
	Name string `yaml:"name" validate:"required,max=64"`

	// BaseURL is the endpoint root including the /v1 suffix. Empty
	// uses the cloud OpenAI API. Required once Enabled is set.
	BaseURL string `yaml:"base_url" validate:"required_if=Enabled true,omitempty,url"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in this file.
	// Default: "SVALBARD_OPENAI_API_KEY"
	APIKeyEnv string `yaml:"api_key_env" validate:"required,max=128"`
}

// ===== Engine =====

// EngineConfig selects and tunes the inference backend that hosts the
// active model.
type EngineConfig struct {
	// Backend selects the engine implementation. "ollama" pins models
	// inside the Ollama daemon; "llamacpp" loads GGUF files in-process
	// and needs a binary built with the llama tag.
	// Default: "ollama"
	Backend string `yaml:"backend" validate:"oneof=ollama llamacpp"`

	// KeepAlive is how long Ollama keeps the active model resident,
	// in Ollama duration syntax. "-1" pins it until replaced.
	// Default: "-1"
	KeepAlive string `yaml:"keep_alive"`

	// NumCtx is the context window requested at activation. 0 uses
	// the Ollama server default.
	NumCtx int `yaml:"num_ctx" validate:"gte=0"`

	// ModelDir is where the llamacpp backend looks for GGUF files.
	// Default: ~/.svalbard/models
	ModelDir string `yaml:"model_dir"`

	// ContextSize is the llamacpp context window in tokens.
	// Default: 4096
	ContextSize int `yaml:"context_size" validate:"gte=0"`

	// SettleSeconds is the pause between unloading a failed engine and
	// creating its replacement, giving the backend time to release
	// memory.
	// Default: 2
	SettleSeconds int `yaml:"settle_seconds" validate:"gte=0,lte=60"`
}

// ===== Acquisition =====

// AcquisitionConfig tunes model downloads.
type AcquisitionConfig struct {
	// MaxAttempts is the total number of tries per pull, first attempt
	// included.
	// Default: 3
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=10"`

	// StallTimeoutSeconds aborts an attempt when no progress arrives
	// for this long.
	// Default: 30
	StallTimeoutSeconds int `yaml:"stall_timeout_seconds" validate:"gte=1,lte=3600"`
}

// ===== Rate limiting =====

// RateLimitConfig throttles the mutating API routes (pull, delete,
// activate) per client IP. Read-only routes are never limited.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate. 0 disables limiting.
	// Default: 60
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=0,lte=100000"`

	// Burst is how many requests may arrive back to back before the
	// sustained rate applies.
	// Default: 10
	Burst int `yaml:"burst" validate:"gte=1,lte=10000"`
}

// ===== Journal =====

// JournalConfig configures the acquisition history store.
type JournalConfig struct {
	// Path is the BadgerDB directory.
	// Default: ~/.svalbard/journal
	Path string `yaml:"path" validate:"required"`

	// RetainRecords bounds history growth; older records are pruned
	// past this count. 0 keeps everything.
	// Default: 1000
	RetainRecords int `yaml:"retain_records" validate:"gte=0"`

	// SyncWrites fsyncs every append. Durable but slower.
	// Default: true
	SyncWrites bool `yaml:"sync_writes"`

	// AllowDegraded lets the gateway start with an in-memory journal
	// when the BadgerDB directory cannot be opened.
	// Default: true
	AllowDegraded bool `yaml:"allow_degraded"`
}

// ===== Preflight =====

// PreflightConfig configures the checks run before a pull starts.
type PreflightConfig struct {
	// StoragePath is the directory whose filesystem is checked for
	// free space. Empty uses the provider's default model store.
	StoragePath string `yaml:"storage_path"`

	// HeadroomBytes is the free space to demand beyond the model size.
	// Default: 1 GiB
	HeadroomBytes uint64 `yaml:"headroom_bytes"`

	// MinProviderVersion is the oldest acceptable provider version.
	// Default: "0.5.0"
	MinProviderVersion string `yaml:"min_provider_version"`
}

// ===== Defaults =====

// DefaultGatewayConfig returns the configuration written on first run.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Server: ServerConfig{
			Port:          12310,
			GinMode:       "release",
			OTelEndpoint:  "localhost:4317",
			EnableMetrics: true,
		},
		Providers: ProvidersConfig{
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
			},
			OpenAICompat: OpenAICompatConfig{
				Enabled:   false,
				Name:      "openai-compat",
				APIKeyEnv: "SVALBARD_OPENAI_API_KEY",
			},
		},
		Engine: EngineConfig{
			Backend:       "ollama",
			KeepAlive:     "-1",
			NumCtx:        0,
			ModelDir:      filepath.Join(defaultDataDir(), "models"),
			ContextSize:   4096,
			SettleSeconds: 2,
		},
		Acquisition: AcquisitionConfig{
			MaxAttempts:         3,
			StallTimeoutSeconds: 30,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Journal: JournalConfig{
			Path:          filepath.Join(defaultDataDir(), "journal"),
			RetainRecords: 1000,
			SyncWrites:    true,
			AllowDegraded: true,
		},
		Preflight: PreflightConfig{
			HeadroomBytes:      1 << 30,
			MinProviderVersion: "0.5.0",
		},
	}
}

// defaultDataDir is ~/.svalbard, falling back to a relative directory
// when the home directory cannot be determined (containers with no
// HOME set).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".svalbard"
	}
	return filepath.Join(home, ".svalbard")
}
