// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package openaicompat lists models from OpenAI-compatible endpoints
// (LM Studio, llama.cpp server, cloud OpenAI) as a catalog-only
// provider. These endpoints have no pull or delete API: their models
// appear in the merged catalog and can be activated, but acquisition
// always goes through a pulling provider.
package openaicompat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"
	openai "github.com/sashabaranov/go-openai"

	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/pullstream"
)

// DefaultProviderName identifies this provider in catalogs when the
// configuration does not name it.
const DefaultProviderName = "openai-compat"

// Config configures the endpoint.
type Config struct {
	// Name is the provider name shown in catalogs. Default:
	// DefaultProviderName. Useful when several compatible endpoints are
	// configured at once ("lmstudio", "openai").
	Name string

	// BaseURL is the endpoint root including the /v1 suffix
	// (e.g. "http://localhost:1234/v1"). Empty uses the cloud OpenAI API.
	BaseURL string
}

// Client is a catalog-only modelmanager.ModelProvider.
//
// The API key is sealed in a memguard enclave at rest and only enters
// the heap for the duration of a single request.
type Client struct {
	name    string
	baseURL string
	key     *memguard.Enclave
	logger  *slog.Logger
}

var _ modelmanager.ModelProvider = (*Client)(nil)

// New creates a Client.
//
// apiKey may be nil for endpoints that do not authenticate (LM Studio,
// llama.cpp server). When non-nil, the buffer is sealed into an enclave
// and wiped; the caller must not reuse it.
func New(cfg Config, apiKey []byte, logger *slog.Logger) *Client {
	name := cfg.Name
	if name == "" {
		name = DefaultProviderName
	}
	if logger == nil {
		logger = slog.Default()
	}

	var key *memguard.Enclave
	if len(apiKey) > 0 {
		key = memguard.NewEnclave(apiKey)
	}

	return &Client{
		name:    name,
		baseURL: cfg.BaseURL,
		key:     key,
		logger:  logger.With(slog.String("provider", name)),
	}
}

// Name returns the configured provider name.
func (c *Client) Name() string {
	return c.name
}

// api builds a fresh SDK client with the unsealed key. The returned
// destroy function wipes the key material; call it once the request
// is done.
func (c *Client) api() (*openai.Client, func(), error) {
	token := ""
	destroy := func() {}

	if c.key != nil {
		buf, err := c.key.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("unseal api key: %w", err)
		}
		token = buf.String()
		destroy = buf.Destroy
	}

	apiCfg := openai.DefaultConfig(token)
	if c.baseURL != "" {
		apiCfg.BaseURL = c.baseURL
	}
	return openai.NewClientWithConfig(apiCfg), destroy, nil
}

// ListModels returns the endpoint's models as installed descriptors.
// Everything a serving endpoint lists is usable as-is, so there is no
// installable state here.
func (c *Client) ListModels(ctx context.Context) ([]modelmanager.ModelDescriptor, error) {
	api, destroy, err := c.api()
	if err != nil {
		return nil, err
	}
	defer destroy()

	list, err := api.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models from %s: %w", c.name, err)
	}

	models := make([]modelmanager.ModelDescriptor, 0, len(list.Models))
	for _, m := range list.Models {
		desc := modelmanager.ModelDescriptor{
			ID:        m.ID,
			Kind:      modelmanager.InferKind(m.ID),
			Provider:  c.name,
			Installed: true,
		}
		if m.CreatedAt > 0 {
			desc.ModifiedAt = time.Unix(m.CreatedAt, 0)
		}
		models = append(models, desc)
	}

	c.logger.Debug("fetched model list", slog.Int("count", len(models)))
	return models, nil
}

// Health reports whether the endpoint answers a model listing.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.ListModels(ctx); err != nil {
		return fmt.Errorf("%s unreachable: %w", c.name, err)
	}
	return nil
}

// PullStream always refuses: compatible endpoints have no download API.
func (c *Client) PullStream(ctx context.Context, modelID string, opts ...pullstream.Option) (*pullstream.Stream, error) {
	return nil, c.notSupported(modelID, "download")
}

// Delete always refuses: compatible endpoints have no delete API.
func (c *Client) Delete(ctx context.Context, modelID string) (bool, error) {
	return false, c.notSupported(modelID, "delete")
}

func (c *Client) notSupported(modelID, op string) error {
	return &modelmanager.ModelError{
		Type:        modelmanager.ModelErrorNotSupported,
		Model:       modelID,
		Message:     fmt.Sprintf("%s cannot %s models", c.name, op),
		Remediation: "Manage this model on the serving endpoint itself, or use the Ollama provider.",
	}
}
