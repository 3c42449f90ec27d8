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
Package ollama adapts a local Ollama server to the model manager's
provider and engine contracts.

# Problem Statement

Svalbard runs its document models through Ollama, which speaks its own
HTTP API: /api/tags for the local catalog, /api/pull for streaming
downloads, /api/delete for removal, /api/show for model metadata, and
/api/chat with keep_alive for loading and unloading weights. The model
manager must not know any of this; it works against ModelProvider and
EngineFactory.

# Solution

Two adapters over one HTTP client:

	┌────────────────────────────────────────────────────────────┐
	│  Client (ModelProvider)         EngineFactory / Engine     │
	├────────────────────────────────────────────────────────────┤
	│  ListModels → GET  /api/tags    New/Reload → POST /api/chat│
	│  PullStream → POST /api/pull                 keep_alive=-1 │
	│  Delete     → DEL  /api/delete  Unload     → POST /api/chat│
	│  IsCustom   → POST /api/show                 keep_alive=0  │
	│  Health,                                                   │
	│  Version    → GET  /api/version                            │
	└────────────────────────────────────────────────────────────┘

PullStream hands the raw response body to the pullstream decoder; the
client itself never parses progress records. The HTTP client carries no
overall timeout: unary calls are bounded by their caller's context, and
pulls are bounded by the stream's stall watchdog.

# Usage

	client := ollama.New(ollama.DefaultConfig(), logger)
	models, err := client.ListModels(ctx)

# Related Files

  - engine.go: keep_alive-based Engine and EngineFactory.
  - ../../acquirer.go: drives PullStream with retries.
*/
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/pullstream"
)

// ProviderName is how this provider identifies itself in catalogs and
// history records.
const ProviderName = "ollama"

// DefaultBaseURL is the standard local Ollama endpoint.
const DefaultBaseURL = "http://localhost:11434"

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the Ollama client.
type Config struct {
	// BaseURL is the Ollama server URL. Default: DefaultBaseURL.
	BaseURL string
}

// DefaultConfig returns the standard local configuration.
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL}
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client implements modelmanager.ModelProvider against an Ollama server.
//
// # Thread Safety
//
// Safe for concurrent use. The custom-model cache is mutex-guarded; all
// other state is immutable after construction.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// customMu guards customCache, keyed by model name. Entries are added
	// on first probe and removed when the model is deleted.
	customMu    sync.Mutex
	customCache map[string]bool
}

var _ modelmanager.ModelProvider = (*Client)(nil)
var _ modelmanager.VersionReporter = (*Client)(nil)
var _ modelmanager.CustomModelDetector = (*Client)(nil)

// New creates a Client for the given server.
//
// # Inputs
//
//   - cfg: Server location. Zero values fall back to defaults.
//   - logger: Structured logger. nil falls back to slog.Default.
//
// # Outputs
//
//   - *Client: Ready-to-use provider.
func New(cfg Config, logger *slog.Logger) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		// No overall timeout: pulls stream for as long as the download
		// takes. Cancellation comes from the request context and, for
		// pulls, the stream's stall watchdog.
		httpClient:  &http.Client{},
		logger:      logger.With(slog.String("provider", ProviderName)),
		customCache: make(map[string]bool),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return ProviderName
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

// tagsResponse is the response from /api/tags.
type tagsResponse struct {
	Models []tagModel `json:"models"`
}

// tagModel is one model entry from /api/tags.
//
// NOTE: Details may be empty or partially populated depending on the
// Ollama version; absent fields stay at their zero values.
type tagModel struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
	Details    struct {
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

// ListModels returns the models present on the Ollama server.
//
// Every model Ollama reports is installed by definition; installable
// catalog entries come from the registry's curated list, not from here.
func (c *Client) ListModels(ctx context.Context) ([]modelmanager.ModelDescriptor, error) {
	var tags tagsResponse
	if err := c.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	models := make([]modelmanager.ModelDescriptor, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, modelmanager.ModelDescriptor{
			ID:         m.Name,
			Kind:       modelmanager.InferKind(m.Name),
			Provider:   ProviderName,
			Installed:  true,
			SizeBytes:  m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
		})
	}

	c.logger.Debug("fetched model list", slog.Int("count", len(models)))
	return models, nil
}

// -----------------------------------------------------------------------------
// Pull
// -----------------------------------------------------------------------------

// pullRequest is the request body for /api/pull.
type pullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// PullStream starts a streaming model download.
//
// # Description
//
// Issues POST /api/pull with streaming enabled and wraps the NDJSON
// response body in a pullstream.Stream. The stream owns the body: closing
// the stream releases the connection.
//
// # Inputs
//
//   - ctx: Context for cancellation. Cancelling it aborts the download.
//   - modelID: Model to download (e.g. "nomic-embed-text:latest").
//   - opts: Stream options (stall timeout, logger).
//
// # Outputs
//
//   - *pullstream.Stream: Progress record stream.
//   - error: Non-nil when the request cannot be started or the server
//     rejects it; the acquirer classifies and retries these.
func (c *Client) PullStream(ctx context.Context, modelID string, opts ...pullstream.Option) (*pullstream.Stream, error) {
	body, err := json.Marshal(pullRequest{Model: modelID, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("encode pull request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start pull: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("pull rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	c.logger.Debug("pull stream opened", slog.String("model", modelID))
	return pullstream.New(ctx, resp.Body, opts...), nil
}

// -----------------------------------------------------------------------------
// Delete
// -----------------------------------------------------------------------------

// deleteRequest is the request body for /api/delete.
type deleteRequest struct {
	Model string `json:"model"`
}

// Delete removes a model's data from the server.
//
// # Outputs
//
//   - bool: true when the model existed and was removed; false when the
//     server never had it.
//   - error: Non-nil on transport failures or unexpected statuses.
func (c *Client) Delete(ctx context.Context, modelID string) (bool, error) {
	body, err := json.Marshal(deleteRequest{Model: modelID})
	if err != nil {
		return false, fmt.Errorf("encode delete request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/delete", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("delete model: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		c.customMu.Lock()
		delete(c.customCache, modelID)
		c.customMu.Unlock()
		c.logger.Info("model deleted from server", slog.String("model", modelID))
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		detail, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("delete rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
}

// -----------------------------------------------------------------------------
// Custom Model Detection
// -----------------------------------------------------------------------------

// showRequest is the request body for /api/show.
type showRequest struct {
	Model string `json:"model"`
}

// showResponse is the subset of /api/show this client reads. A non-empty
// template means the model was built from a local Modelfile.
type showResponse struct {
	Template string `json:"template"`
}

// IsCustomModel reports whether a model was built locally from a
// Modelfile rather than pulled from a registry.
//
// # Description
//
// Queries /api/show and sniffs the template field: registry models carry
// their template inside the manifest, while locally built models carry it
// in the Modelfile that created them, which Ollama reports here. Results
// are cached per model name; Delete evicts the entry so a rebuilt model
// is re-probed.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - modelID: Installed model to check.
//
// # Outputs
//
//   - bool: true when the model has a local Modelfile template.
//   - error: Non-nil when the model is absent or the server misbehaves.
func (c *Client) IsCustomModel(ctx context.Context, modelID string) (bool, error) {
	c.customMu.Lock()
	if isCustom, ok := c.customCache[modelID]; ok {
		c.customMu.Unlock()
		return isCustom, nil
	}
	c.customMu.Unlock()

	body, err := json.Marshal(showRequest{Model: modelID})
	if err != nil {
		return false, fmt.Errorf("encode show request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create show request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("show model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("show rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var show showResponse
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return false, fmt.Errorf("decode show response: %w", err)
	}

	isCustom := show.Template != ""
	c.customMu.Lock()
	c.customCache[modelID] = isCustom
	c.customMu.Unlock()

	c.logger.Debug("checked model origin", slog.String("model", modelID), slog.Bool("custom", isCustom))
	return isCustom, nil
}

// -----------------------------------------------------------------------------
// Health and Version
// -----------------------------------------------------------------------------

// versionResponse is the response from /api/version.
type versionResponse struct {
	Version string `json:"version"`
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	var v versionResponse
	if err := c.getJSON(ctx, "/api/version", &v); err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	return nil
}

// Version returns the server's reported version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v versionResponse
	if err := c.getJSON(ctx, "/api/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// getJSON performs a GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
