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
	"bytes"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// ModelErrorType categorizes model lifecycle failures for programmatic handling.
type ModelErrorType int

const (
	// ModelErrorTransport indicates a network or stream-decoding failure
	// during a pull attempt. Retryable.
	ModelErrorTransport ModelErrorType = iota

	// ModelErrorStall indicates the pull stream produced no progress record
	// within the configured stall window. Retryable.
	ModelErrorStall

	// ModelErrorCancelled indicates the operation was cancelled by the caller.
	// Terminal; never retried.
	ModelErrorCancelled

	// ModelErrorExhausted indicates all pull attempts failed. Terminal.
	ModelErrorExhausted

	// ModelErrorEngineCreation indicates the inference engine could not be
	// created for the requested model. Terminal for the activation call, but
	// the manager stays recoverable and a later activation may succeed.
	ModelErrorEngineCreation

	// ModelErrorEngineReload indicates an in-place engine reload failed.
	// Internal: it triggers the recreate fallback and is never returned to
	// callers directly.
	ModelErrorEngineReload

	// ModelErrorNotFound indicates the model does not exist at the provider.
	ModelErrorNotFound

	// ModelErrorInFlight indicates an acquisition for the same model is
	// already running.
	ModelErrorInFlight

	// ModelErrorNotSupported indicates the provider cannot perform the
	// requested operation (e.g. pulling from a list-only provider).
	ModelErrorNotSupported

	// ModelErrorPreflight indicates a pre-acquisition check failed
	// (disk space, provider health, server version).
	ModelErrorPreflight

	// ModelErrorConnectionFailed indicates the provider server is not
	// reachable.
	ModelErrorConnectionFailed

	// ModelErrorInvalidResponse indicates the provider returned unexpected
	// data.
	ModelErrorInvalidResponse
)

// String returns the error type as a string for logging.
func (t ModelErrorType) String() string {
	switch t {
	case ModelErrorTransport:
		return "TRANSPORT_FAILED"
	case ModelErrorStall:
		return "STALL_TIMEOUT"
	case ModelErrorCancelled:
		return "CANCELLED"
	case ModelErrorExhausted:
		return "RETRIES_EXHAUSTED"
	case ModelErrorEngineCreation:
		return "ENGINE_CREATION_FAILED"
	case ModelErrorEngineReload:
		return "ENGINE_RELOAD_FAILED"
	case ModelErrorNotFound:
		return "MODEL_NOT_FOUND"
	case ModelErrorInFlight:
		return "ACQUISITION_IN_FLIGHT"
	case ModelErrorNotSupported:
		return "NOT_SUPPORTED"
	case ModelErrorPreflight:
		return "PREFLIGHT_FAILED"
	case ModelErrorConnectionFailed:
		return "CONNECTION_FAILED"
	case ModelErrorInvalidResponse:
		return "INVALID_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// ModelError provides structured error information for model operations.
type ModelError struct {
	// Type categorizes the error for programmatic handling.
	Type ModelErrorType

	// Model is the name of the model that caused the error.
	Model string

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string

	// Err is the underlying cause, when one exists.
	Err error
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is / errors.As chains.
func (e *ModelError) Unwrap() error {
	return e.Err
}

// FullError returns a detailed error message including remediation.
func (e *ModelError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Model != "" {
		buf.WriteString(fmt.Sprintf(" (model: %s)", e.Model))
	}
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// -----------------------------------------------------------------------------
// Predicates
// -----------------------------------------------------------------------------

// typeOf extracts the ModelErrorType from an error chain.
func typeOf(err error) (ModelErrorType, bool) {
	var me *ModelError
	if errors.As(err, &me) {
		return me.Type, true
	}
	return 0, false
}

// IsRetryable reports whether the failure is worth another pull attempt.
// Only transport-level failures and stalls qualify; cancellation never does.
func IsRetryable(err error) bool {
	t, ok := typeOf(err)
	return ok && (t == ModelErrorTransport || t == ModelErrorStall ||
		t == ModelErrorConnectionFailed)
}

// IsCancelled reports whether the operation ended because the caller asked
// it to.
func IsCancelled(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ModelErrorCancelled
}

// IsExhausted reports whether every pull attempt failed.
func IsExhausted(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ModelErrorExhausted
}

// IsStall reports whether the pull stream went quiet past the stall window.
func IsStall(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ModelErrorStall
}

// IsInFlight reports whether an acquisition for the model is already running.
func IsInFlight(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ModelErrorInFlight
}

// IsNotFound reports whether the model is unknown to the provider.
func IsNotFound(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ModelErrorNotFound
}

// IsNotSupported reports whether the provider cannot perform the operation.
func IsNotSupported(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ModelErrorNotSupported
}

// IsEngineCreation reports whether engine creation failed for an activation.
func IsEngineCreation(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ModelErrorEngineCreation
}
