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
Package main contains gateway_client.go which talks to the model
gateway's HTTP API.

The gateway owns all model state; the CLI is a thin remote control.
Every command maps onto one endpoint under /v1/models, and the pull
command consumes the gateway's NDJSON progress stream line by line,
feeding each event to a callback so the caller can render it however
it likes (live view, plain lines, or JSON).

Errors come back as the gateway's uniform error body with a machine
code and a remediation hint; the client surfaces them as *GatewayError
so commands can show the hint instead of a bare status code.
*/
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/datatypes"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
)

// defaultGatewayURL is where a locally started gateway listens.
const defaultGatewayURL = "http://localhost:12310"

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// GatewayError is a failure reported by the gateway, carrying the
// machine code and remediation hint from its error body.
type GatewayError struct {
	// Code is the gateway's failure class, e.g. "STALL_TIMEOUT".
	Code string

	// Model is the model the operation concerned, when known.
	Model string

	// Message is the human-readable failure description.
	Message string

	// Remediation tells the user what to do about it, when known.
	Remediation string

	// Err is the underlying transport error, when the failure never
	// reached the gateway.
	Err error
}

// Error returns the message, tagged with the failure class when the
// gateway classified it.
func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Unwrap returns the underlying transport error, if any.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether the error is a cancelled pull.
func (e *GatewayError) IsCancelled() bool {
	return e.Code == modelmanager.ModelErrorCancelled.String()
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// GatewayClient is an HTTP client for the model gateway API.
type GatewayClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGatewayClient creates a client for the gateway at baseURL.
func NewGatewayClient(baseURL string) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// No overall timeout: pulls and activations run for as long as
		// they need. Cancellation comes from the context.
		httpClient: &http.Client{},
	}
}

// resolveGatewayURL picks the gateway base URL: the --gateway flag
// wins, then SVALBARD_GATEWAY_URL, then the local default.
func resolveGatewayURL() string {
	if gatewayURL != "" {
		return gatewayURL
	}
	if v := os.Getenv("SVALBARD_GATEWAY_URL"); v != "" {
		return v
	}
	return defaultGatewayURL
}

// -----------------------------------------------------------------------------
// Catalog and Status
// -----------------------------------------------------------------------------

// ListModels returns the merged provider catalog.
func (c *GatewayClient) ListModels(ctx context.Context) (datatypes.ModelsResponse, error) {
	var out datatypes.ModelsResponse
	err := c.getJSON(ctx, "/v1/models", &out)
	return out, err
}

// Active returns the engine's current model binding.
func (c *GatewayClient) Active(ctx context.Context) (datatypes.ActiveResponse, error) {
	var out datatypes.ActiveResponse
	err := c.getJSON(ctx, "/v1/models/active", &out)
	return out, err
}

// Transfers returns the downloads currently in flight.
func (c *GatewayClient) Transfers(ctx context.Context) (datatypes.TransfersResponse, error) {
	var out datatypes.TransfersResponse
	err := c.getJSON(ctx, "/v1/models/transfers", &out)
	return out, err
}

// History returns up to limit journal records, newest first. A limit
// of zero uses the gateway's default.
func (c *GatewayClient) History(ctx context.Context, limit int) (datatypes.HistoryResponse, error) {
	path := "/v1/models/history"
	if limit > 0 {
		path += "?limit=" + url.QueryEscape(strconv.Itoa(limit))
	}
	var out datatypes.HistoryResponse
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// Status returns provider health, the active model, running transfers,
// and journal statistics in one call.
func (c *GatewayClient) Status(ctx context.Context) (modelmanager.ManagerStatus, error) {
	var out modelmanager.ManagerStatus
	err := c.getJSON(ctx, "/v1/models/status", &out)
	return out, err
}

// -----------------------------------------------------------------------------
// Acquisition
// -----------------------------------------------------------------------------

// Pull downloads model through the gateway, invoking onEvent for every
// progress event on the NDJSON stream, terminal event included.
//
// The call blocks until the pull finishes. A terminal event carrying
// an error is returned as a *GatewayError; cancelling ctx aborts the
// stream, which the gateway treats as a cancellation request.
func (c *GatewayClient) Pull(ctx context.Context, model string, onEvent func(datatypes.PullEvent)) error {
	body, err := json.Marshal(datatypes.PullRequest{Model: model})
	if err != nil {
		return fmt.Errorf("encode pull request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/models/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &GatewayError{
				Code:    modelmanager.ModelErrorCancelled.String(),
				Model:   model,
				Message: "pull cancelled",
				Err:     err,
			}
		}
		return c.connectionError(model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(model, resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	// Increase buffer for large progress lines
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event datatypes.PullEvent
		if err := json.Unmarshal(line, &event); err != nil {
			// A torn line from a dying stream; the scanner error or the
			// terminal event settles the outcome.
			continue
		}

		if onEvent != nil {
			onEvent(event)
		}

		if event.Done {
			if event.Error != "" {
				return &GatewayError{
					Code:        event.Code,
					Model:       model,
					Message:     event.Error,
					Remediation: event.Remediation,
				}
			}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return &GatewayError{
				Code:    modelmanager.ModelErrorCancelled.String(),
				Model:   model,
				Message: "pull cancelled",
				Err:     err,
			}
		}
		return fmt.Errorf("read pull stream: %w", err)
	}
	return fmt.Errorf("pull stream ended without a terminal event")
}

// CancelPull asks the gateway to stop the transfer for model.
func (c *GatewayClient) CancelPull(ctx context.Context, model string) (datatypes.ActionResponse, error) {
	var out datatypes.ActionResponse
	err := c.sendJSON(ctx, http.MethodPost, "/v1/models/pull/cancel",
		datatypes.CancelRequest{Model: model}, &out)
	return out, err
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Remove deletes model from the provider that reported it.
func (c *GatewayClient) Remove(ctx context.Context, model string) (datatypes.ActionResponse, error) {
	var out datatypes.ActionResponse
	err := c.sendJSON(ctx, http.MethodDelete, "/v1/models",
		datatypes.DeleteRequest{Model: model}, &out)
	return out, err
}

// Activate binds the inference engine to model. Blocks through the
// engine reload, which can take a while for large models.
func (c *GatewayClient) Activate(ctx context.Context, model string) (datatypes.ActiveResponse, error) {
	var out datatypes.ActiveResponse
	err := c.sendJSON(ctx, http.MethodPost, "/v1/models/activate",
		datatypes.ActivateRequest{Model: model}, &out)
	return out, err
}

// -----------------------------------------------------------------------------
// Transport plumbing
// -----------------------------------------------------------------------------

func (c *GatewayClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.connectionError("", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError("", resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *GatewayClient) sendJSON(ctx context.Context, method, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.connectionError("", err)
	}
	defer resp.Body.Close()

	// Cancel acknowledges with 202; everything else answers 200.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return c.decodeError("", resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// connectionError wraps a transport failure that never reached the
// gateway.
func (c *GatewayClient) connectionError(model string, err error) error {
	return &GatewayError{
		Code:        modelmanager.ModelErrorConnectionFailed.String(),
		Model:       model,
		Message:     "cannot reach the model gateway at " + c.baseURL,
		Remediation: "Start it with 'modelgateway', or point --gateway / SVALBARD_GATEWAY_URL at a running one.",
		Err:         err,
	}
}

// decodeError turns a non-2xx response into a *GatewayError.
func (c *GatewayClient) decodeError(model string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var er datatypes.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return &GatewayError{
			Code:        er.Code,
			Model:       model,
			Message:     er.Error,
			Remediation: er.Remediation,
		}
	}
	return &GatewayError{
		Model:   model,
		Message: fmt.Sprintf("gateway returned status %d", resp.StatusCode),
	}
}
