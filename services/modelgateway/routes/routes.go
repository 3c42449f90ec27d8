// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/handlers"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/middleware"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/observability"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
)

// SetupRoutes wires the model API onto the router.
//
// Reads stay unthrottled so dashboards can poll freely; acquisition and
// lifecycle mutations sit behind the rate limiter. metrics may be nil,
// which disables instrument recording in the streaming handlers along
// with the /metrics endpoint.
func SetupRoutes(router *gin.Engine, m modelmanager.Manager, limiter *middleware.Limiter,
	metrics *observability.ModelMetrics, enableMetrics bool) {

	if router == nil {
		panic("routes: router is required")
	}
	if m == nil {
		panic("routes: model manager is required")
	}
	if limiter == nil {
		panic("routes: rate limiter is required")
	}

	router.GET("/health", handlers.HealthCheck)
	if enableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		models := v1.Group("/models")
		{
			models.GET("", handlers.ListModels(m))
			models.GET("/active", handlers.ActiveModel(m))
			models.GET("/transfers", handlers.ListTransfers(m))
			models.GET("/history", handlers.PullHistory(m))
			models.GET("/status", handlers.ManagerStatus(m))

			// Cancellation is never throttled: stopping a transfer frees
			// resources and must always get through.
			models.POST("/pull/cancel", handlers.CancelPull(m))

			guarded := models.Group("", limiter.Middleware())
			{
				guarded.POST("/pull", handlers.PullModel(m, metrics))
				guarded.GET("/pull/ws", handlers.HandlePullWebSocket(m, metrics))
				guarded.POST("/activate", handlers.ActivateModel(m, metrics))
				guarded.DELETE("", handlers.DeleteModel(m))
			}
		}
	}
}
