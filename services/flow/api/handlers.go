// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the workflow scheduler over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianFlow/services/flow/decision"
	"github.com/AleutianAI/AleutianFlow/services/flow/events"
	"github.com/AleutianAI/AleutianFlow/services/flow/lease"
	"github.com/AleutianAI/AleutianFlow/services/flow/scheduler"
	"github.com/AleutianAI/AleutianFlow/services/flow/state"
)

var apiTracer = otel.Tracer("aleutian.flow.api")

// StartRunRequest is the body of POST /v1/runs/:projectId/start.
type StartRunRequest struct {
	Payload map[string]any `json:"payload"`
}

// ApproveRequest is the body of POST .../decisions/:decisionId/approve.
type ApproveRequest struct {
	OptionID string `json:"option_id" binding:"required"`
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StartRun begins or resumes a run.
func StartRun(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := apiTracer.Start(c.Request.Context(), "StartRun")
		defer span.End()

		var req StartRunRequest
		if c.Request.ContentLength > 0 {
			if err := c.BindJSON(&req); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		snap, err := sched.Start(ctx, c.Param("projectId"), req.Payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Start run failed", "project_id", c.Param("projectId"), "error", err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// GetRun returns the current run snapshot.
func GetRun(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := sched.GetState(c.Request.Context(), c.Param("projectId"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// StopRun force-fails an active run.
func StopRun(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := apiTracer.Start(c.Request.Context(), "StopRun")
		defer span.End()

		snap, err := sched.Stop(ctx, c.Param("projectId"))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// ListDecisions returns the pending decisions blocking a run.
func ListDecisions(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		recs, err := sched.PendingDecisions(c.Request.Context(), c.Param("projectId"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"decisions": recs})
	}
}

// ApproveDecision resolves a decision and resumes the run.
func ApproveDecision(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := apiTracer.Start(c.Request.Context(), "ApproveDecision")
		defer span.End()

		var req ApproveRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "option_id is required"})
			return
		}

		snap, err := sched.ApproveDecision(ctx, c.Param("projectId"), c.Param("decisionId"), req.OptionID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Approve decision failed",
				"project_id", c.Param("projectId"),
				"decision_id", c.Param("decisionId"),
				"error", err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// ListEvents returns the audit trail of a run.
func ListEvents(audit *events.AuditLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		evs, err := audit.List(c.Request.Context(), c.Param("projectId"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": evs})
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrStateNotFound),
		errors.Is(err, decision.ErrDecisionNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidInput),
		errors.Is(err, decision.ErrInvalidOption):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotPaused),
		errors.Is(err, scheduler.ErrUnknownDecision),
		errors.Is(err, decision.ErrAlreadyResolved),
		errors.Is(err, state.ErrStateExists),
		errors.Is(err, lease.ErrLeaseHeld):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
