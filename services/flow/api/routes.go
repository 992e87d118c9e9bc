// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianFlow/services/flow/events"
	"github.com/AleutianAI/AleutianFlow/services/flow/scheduler"
)

// SetupRoutes wires the scheduler endpoints onto the router.
func SetupRoutes(router *gin.Engine, sched *scheduler.Scheduler, audit *events.AuditLog) {
	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.POST("/:projectId/start", StartRun(sched))
			runs.GET("/:projectId", GetRun(sched))
			runs.POST("/:projectId/stop", StopRun(sched))
			runs.GET("/:projectId/decisions", ListDecisions(sched))
			runs.POST("/:projectId/decisions/:decisionId/approve", ApproveDecision(sched))
			if audit != nil {
				runs.GET("/:projectId/events", ListEvents(audit))
			}
		}
	}
}
