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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
)

// HealthCheck answers liveness probes. It never touches providers, so
// a load balancer probing it cannot be slowed by a dead Ollama.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "modelgateway",
	})
}

// ManagerStatus reports the full subsystem picture: provider health,
// active model, running transfers, journal state. Unlike HealthCheck
// it probes providers and may take up to the probe timeout.
//
// GET /v1/models/status
func ManagerStatus(m modelmanager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Status(c.Request.Context()))
	}
}
