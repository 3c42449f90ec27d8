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
Package datatypes defines the wire types of the model gateway API:
validated request bodies, typed responses, and the events streamed
while a pull runs.

# Description

Request types carry validator struct tags and a Validate method;
handlers bind, validate, and only then touch the manager. The custom
"modelref" rule bounds model references to the character set providers
accept, which also keeps references that could traverse paths out of
the system at the front door.

PullEvent is the single event shape shared by the NDJSON pull stream
and the websocket pull feed, so a client can switch transports without
reparsing.

# Validation

Validators are initialized once at package load. Request validation
failures are client errors (HTTP 400); they never reach the manager.
*/
package datatypes

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager/journal"
)

// maxModelRefLength bounds model references. The longest real
// references (registry host + namespace + name + tag) stay well under
// this.
const maxModelRefLength = 128

// modelsValidate is the validator instance for model API requests.
var modelsValidate *validator.Validate

func init() {
	modelsValidate = validator.New()

	if err := modelsValidate.RegisterValidation("modelref", validateModelRefField); err != nil {
		panic("failed to register modelref validator: " + err.Error())
	}
}

// validateModelRefField accepts provider references like "llama3.1:8b"
// or "registry.example.com/library/llama3:70b-q4_K_M".
func validateModelRefField(fl validator.FieldLevel) bool {
	return isValidModelRef(fl.Field().String())
}

func isValidModelRef(ref string) bool {
	if ref == "" || len(ref) > maxModelRefLength {
		return false
	}
	// ".." never appears in a legitimate reference and is the building
	// block of path traversal.
	if strings.Contains(ref, "..") {
		return false
	}
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_' || r == ':' || r == '/':
		default:
			return false
		}
	}
	return true
}

// ValidateRef validates a bare model reference arriving outside a
// request body (path and query parameters).
func ValidateRef(ref string) error {
	return modelsValidate.Var(ref, "required,modelref")
}

// ===== Requests =====

// PullRequest asks the gateway to download a model. Provider selection
// is the manager's job: the registry knows which provider owns a
// reference.
type PullRequest struct {
	// Model is the provider reference, e.g. "llama3.1:8b".
	Model string `json:"model" validate:"required,modelref"`
}

// Validate checks the request against its struct tags.
func (r *PullRequest) Validate() error {
	return modelsValidate.Struct(r)
}

// ActivateRequest asks the gateway to make a model the engine's active
// model.
type ActivateRequest struct {
	// Model is the installed model to activate.
	Model string `json:"model" validate:"required,modelref"`
}

// Validate checks the request against its struct tags.
func (r *ActivateRequest) Validate() error {
	return modelsValidate.Struct(r)
}

// DeleteRequest asks the gateway to remove a model's data. The model
// travels in the body, matching the provider's own delete API.
type DeleteRequest struct {
	// Model is the installed model to remove.
	Model string `json:"model" validate:"required,modelref"`
}

// Validate checks the request against its struct tags.
func (r *DeleteRequest) Validate() error {
	return modelsValidate.Struct(r)
}

// CancelRequest asks the gateway to abort an in-flight pull.
type CancelRequest struct {
	// Model is the model whose transfer should stop.
	Model string `json:"model" validate:"required,modelref"`
}

// Validate checks the request against its struct tags.
func (r *CancelRequest) Validate() error {
	return modelsValidate.Struct(r)
}

// ===== Responses =====

// ModelsResponse lists the merged provider catalogs.
type ModelsResponse struct {
	Models []modelmanager.ModelDescriptor `json:"models"`
	Count  int                            `json:"count"`
}

// TransfersResponse lists the acquisitions currently running.
type TransfersResponse struct {
	Transfers []modelmanager.TransferSnapshot `json:"transfers"`
	Count     int                             `json:"count"`
}

// HistoryResponse lists recent journal records, newest first.
type HistoryResponse struct {
	Records []journal.Record `json:"records"`
	Count   int              `json:"count"`
}

// ActiveResponse reports the engine's current model binding.
type ActiveResponse struct {
	// Model is the active model reference; empty when nothing is
	// loaded.
	Model string `json:"model,omitempty"`

	// Loaded reports whether an engine currently holds a model.
	Loaded bool `json:"loaded"`
}

// ActionResponse acknowledges a mutating request that carries no other
// payload (cancel, delete).
type ActionResponse struct {
	Model  string `json:"model"`
	Action string `json:"action"`
}

// ErrorResponse is the uniform error body for the model API.
type ErrorResponse struct {
	// Error is the human-readable failure message.
	Error string `json:"error"`

	// Code is the machine-readable failure class, e.g. "STALL_TIMEOUT".
	// Empty for errors that carry no classification.
	Code string `json:"code,omitempty"`

	// Remediation tells the user what to do about it, when known.
	Remediation string `json:"remediation,omitempty"`
}

// NewErrorResponse flattens any error into the wire shape. Managed
// errors contribute their machine code and remediation; other errors
// surface verbatim.
func NewErrorResponse(err error) ErrorResponse {
	var me *modelmanager.ModelError
	if errors.As(err, &me) {
		return ErrorResponse{
			Error:       me.Message,
			Code:        me.Type.String(),
			Remediation: me.Remediation,
		}
	}
	return ErrorResponse{Error: err.Error()}
}

// ===== Pull events =====

// PullEvent is one event of a running pull: a line of the NDJSON
// stream, or one websocket frame. Progress events carry the live
// counters; the final event has Done set and either a success phase or
// an error with remediation.
type PullEvent struct {
	// Status is the provider's human-readable phase line, e.g.
	// "downloading sha256:abc".
	Status string `json:"status,omitempty"`

	// Phase is the machine form: pending, transferring, verifying,
	// finalizing, succeeded, failed or cancelled.
	Phase string `json:"phase,omitempty"`

	// LayerID names the layer the counters below refer to; empty for
	// aggregate-only records.
	LayerID        string `json:"layer_id,omitempty"`
	LayerCompleted uint64 `json:"layer_completed,omitempty"`
	LayerTotal     uint64 `json:"layer_total,omitempty"`

	// Completed and Total are aggregate bytes across all layers seen
	// so far in this attempt.
	Completed uint64 `json:"completed"`
	Total     uint64 `json:"total"`

	// Percent is the monotonic display percentage for this attempt.
	Percent int `json:"percent"`

	// Attempt numbers the download attempt, starting at 1. A reset to
	// a higher attempt means the previous one failed and was retried.
	Attempt int `json:"attempt,omitempty"`

	// Done marks the final event of the stream.
	Done bool `json:"done,omitempty"`

	// Error, Code and Remediation are set on a failed final event.
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// ProgressEvent converts a manager progress update into a wire event.
func ProgressEvent(u modelmanager.ProgressUpdate) PullEvent {
	return PullEvent{
		Status:         u.Status,
		Phase:          string(u.Phase),
		LayerID:        u.LayerID,
		LayerCompleted: u.LayerCompleted,
		LayerTotal:     u.LayerTotal,
		Completed:      u.Completed,
		Total:          u.Total,
		Percent:        u.Percent,
		Attempt:        u.Attempt,
	}
}

// DoneEvent is the terminal event of a successful pull.
func DoneEvent() PullEvent {
	return PullEvent{
		Status:  "success",
		Phase:   string(modelmanager.PhaseSucceeded),
		Percent: 100,
		Done:    true,
	}
}

// ErrorEvent is the terminal event of a failed or cancelled pull.
func ErrorEvent(err error) PullEvent {
	resp := NewErrorResponse(err)
	phase := modelmanager.PhaseFailed
	if modelmanager.IsCancelled(err) {
		phase = modelmanager.PhaseCancelled
	}
	return PullEvent{
		Phase:       string(phase),
		Done:        true,
		Error:       resp.Error,
		Code:        resp.Code,
		Remediation: resp.Remediation,
	}
}
