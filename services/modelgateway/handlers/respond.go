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
Package handlers implements the model gateway's HTTP endpoints: catalog
listing, pull with streamed progress (NDJSON and websocket), cancel,
delete, engine activation, transfer and history inspection, and health.

Handlers bind and validate at the edge, then delegate to the
modelmanager.Manager interface; every failure leaves through one error
shape (datatypes.ErrorResponse) with a status derived from the failure
class, so clients branch on codes instead of parsing messages.
*/
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/datatypes"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
)

// statusForError maps a manager failure onto an HTTP status.
//
// Provider-side failures (unreachable, stalled, exhausted retries, bad
// data) are 502: the gateway proxied work upstream and upstream let it
// down. Failed preflight checks are 412: the request was fine, the
// precondition (disk space, provider version) was not.
func statusForError(err error) int {
	var me *modelmanager.ModelError
	if !errors.As(err, &me) {
		return http.StatusInternalServerError
	}

	switch me.Type {
	case modelmanager.ModelErrorNotFound:
		return http.StatusNotFound
	case modelmanager.ModelErrorInFlight:
		return http.StatusConflict
	case modelmanager.ModelErrorNotSupported:
		return http.StatusBadRequest
	case modelmanager.ModelErrorPreflight:
		return http.StatusPreconditionFailed
	case modelmanager.ModelErrorTransport,
		modelmanager.ModelErrorConnectionFailed,
		modelmanager.ModelErrorStall,
		modelmanager.ModelErrorExhausted,
		modelmanager.ModelErrorInvalidResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the uniform error body with the mapped status.
func respondError(c *gin.Context, err error) {
	c.JSON(statusForError(err), datatypes.NewErrorResponse(err))
}
