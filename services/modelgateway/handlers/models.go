// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/datatypes"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/observability"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
)

// ListModels returns the merged catalog, installed models first.
// ?refresh=true drops the catalog cache so the answer reflects changes
// made behind the gateway's back (e.g. `ollama pull` run by hand).
//
// GET /v1/models[?refresh=true]
func ListModels(m modelmanager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("refresh") == "true" {
			m.InvalidateCatalog()
		}

		models, err := m.List(c.Request.Context())
		if err != nil {
			slog.Error("model list failed", "error", err)
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ModelsResponse{
			Models: models,
			Count:  len(models),
		})
	}
}

// DeleteModel removes a model's data from its provider. Deleting the
// active model tears the engine down first.
//
// DELETE /v1/models {"model":"llama3:8b"}
//
// The model travels in the body rather than the path: registry-style
// references contain slashes, which do not survive as path segments.
func DeleteModel(m modelmanager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.DeleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(err))
			return
		}

		if err := m.Delete(c.Request.Context(), req.Model); err != nil {
			slog.Warn("model delete failed", "model", req.Model, "error", err)
			respondError(c, err)
			return
		}

		slog.Info("model deleted", "model", req.Model)
		c.JSON(http.StatusOK, datatypes.ActionResponse{
			Model:  req.Model,
			Action: "deleted",
		})
	}
}

// CancelPull aborts the in-flight acquisition for a model. The pull's
// own stream reports the cancellation to whoever is watching it; this
// endpoint only acknowledges that the abort was requested.
//
// POST /v1/models/pull/cancel {"model":"llama3:8b"}
func CancelPull(m modelmanager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(err))
			return
		}

		if !m.CancelPull(req.Model) {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
				Error:       fmt.Sprintf("no transfer in flight for %s", req.Model),
				Code:        modelmanager.ModelErrorNotFound.String(),
				Remediation: "List running transfers with GET /v1/models/transfers.",
			})
			return
		}

		slog.Info("model pull cancel requested", "model", req.Model)
		c.JSON(http.StatusAccepted, datatypes.ActionResponse{
			Model:  req.Model,
			Action: "cancel_requested",
		})
	}
}

// ListTransfers snapshots the acquisitions currently running.
//
// GET /v1/models/transfers
func ListTransfers(m modelmanager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		transfers := m.Transfers()
		c.JSON(http.StatusOK, datatypes.TransfersResponse{
			Transfers: transfers,
			Count:     len(transfers),
		})
	}
}

// ActivateModel binds the inference engine to an installed model,
// blocking until the engine is usable or activation has failed.
//
// POST /v1/models/activate {"model":"llama3:8b"}
func ActivateModel(m modelmanager.Manager, metrics *observability.ModelMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ActivateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(err))
			return
		}

		start := time.Now()
		err := m.Activate(c.Request.Context(), req.Model, func(stage string, percent int) {
			slog.Debug("engine activation progress",
				"model", req.Model, "stage", stage, "percent", percent)
		})
		if err != nil {
			if metrics != nil {
				metrics.RecordActivation(observability.OutcomeFailed)
			}
			slog.Warn("model activation failed", "model", req.Model, "error", err)
			respondError(c, err)
			return
		}

		if metrics != nil {
			metrics.RecordActivation(observability.OutcomeSuccess)
		}
		slog.Info("model activated",
			"model", req.Model,
			"duration", time.Since(start),
		)

		active, loaded := m.Active()
		c.JSON(http.StatusOK, datatypes.ActiveResponse{
			Model:  active,
			Loaded: loaded,
		})
	}
}

// ActiveModel reports the engine's current binding.
//
// GET /v1/models/active
func ActiveModel(m modelmanager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		model, loaded := m.Active()
		c.JSON(http.StatusOK, datatypes.ActiveResponse{
			Model:  model,
			Loaded: loaded,
		})
	}
}

// PullHistory returns recent acquisition and activation records,
// newest first.
//
// GET /v1/models/history?limit=50
//
// limit <= 0 or absent falls back to the journal's default window.
func PullHistory(m modelmanager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
					Error: fmt.Sprintf("invalid limit %q", raw),
				})
				return
			}
			limit = parsed
		}

		records, err := m.History(c.Request.Context(), limit)
		if err != nil {
			slog.Error("history fetch failed", "error", err)
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.HistoryResponse{
			Records: records,
			Count:   len(records),
		})
	}
}
