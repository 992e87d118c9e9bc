// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs a single workflow node: it resolves the node's
// delegate agent, drives the retry policy, applies advisory checks, and
// persists decisions posed by approval-required nodes.
//
// The executor never touches execution state. It reports what happened
// through an Outcome and leaves the bookkeeping to the scheduler, which
// keeps the state-transition logic in one place.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/agent"
	"github.com/AleutianAI/AleutianFlow/services/flow/decision"
	"github.com/AleutianAI/AleutianFlow/services/flow/events"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

var (
	tracer = otel.Tracer("aleutian.flow.executor")
	meter  = otel.Meter("aleutian.flow.executor")
)

// Status classifies the outcome of one node execution.
type Status string

const (
	// StatusCompleted means the node produced its artifact.
	StatusCompleted Status = "completed"

	// StatusFailed means the node failed permanently: either every retry
	// attempt failed, or the failure was not retryable.
	StatusFailed Status = "failed"

	// StatusAwaitingApproval means the node posed a decision and the run
	// must suspend until a human approves an option.
	StatusAwaitingApproval Status = "awaiting_approval"
)

// Outcome reports what one node execution did.
type Outcome struct {
	NodeID string
	Status Status

	// Result is the agent's final result. Nil when the node failed before
	// producing one.
	Result *agent.Result

	// Attempts is how many times the agent was invoked.
	Attempts int

	// DecisionID is set when Status is StatusAwaitingApproval.
	DecisionID string

	// Err carries the permanent failure when Status is StatusFailed.
	Err error
}

// Executor runs individual workflow nodes.
//
// Thread Safety:
//
//	Safe for concurrent use across projects; the executor itself holds no
//	per-run state.
type Executor struct {
	registry  *agent.Registry
	decisions *decision.Store
	checkers  map[string]agent.Checker
	emitter   *events.Emitter
	logger    *slog.Logger

	metricsOnce   sync.Once
	nodeLatency   metric.Float64Histogram
	nodeSuccesses metric.Int64Counter
	nodeFailures  metric.Int64Counter
	nodeRetries   metric.Int64Counter
}

// Config wires the executor's collaborators.
type Config struct {
	// Registry resolves node agent ids. Required.
	Registry *agent.Registry

	// Decisions persists decisions posed by approval nodes. Required.
	Decisions *decision.Store

	// Checkers maps check kinds (CheckQuality, CheckReview) to advisory
	// checkers. Optional; nodes enabling a missing kind log a warning.
	Checkers map[string]agent.Checker

	// Emitter receives execution events. Optional.
	Emitter *events.Emitter

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New creates an Executor.
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - ErrInvalidInput if a required collaborator is missing.
func New(cfg Config) (*Executor, error) {
	if cfg.Registry == nil || cfg.Decisions == nil {
		return nil, fmt.Errorf("%w: registry and decision store are required", ErrInvalidInput)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.NewEmitter()
	}
	return &Executor{
		registry:  cfg.Registry,
		decisions: cfg.Decisions,
		checkers:  cfg.Checkers,
		emitter:   cfg.Emitter,
		logger:    cfg.Logger,
	}, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.nodeLatency, err = meter.Float64Histogram("flow_node_duration_seconds",
			metric.WithDescription("Time spent executing each workflow node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		e.nodeSuccesses, err = meter.Int64Counter("flow_node_success_total",
			metric.WithDescription("Number of successful node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}

		e.nodeFailures, err = meter.Int64Counter("flow_node_failure_total",
			metric.WithDescription("Number of permanently failed node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		e.nodeRetries, err = meter.Int64Counter("flow_node_retry_total",
			metric.WithDescription("Number of node retry attempts"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_retries: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some executor metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// ExecuteNode runs one node to a terminal per-node outcome.
//
// Description:
//
//	Invokes the node's agent up to MaxAttempts+1 times, sleeping
//	BaseBackoff*2^(attempt-1) between attempts. A successful result on an
//	approval node must carry a decision; that decision is persisted and
//	the outcome reports awaiting approval. Advisory checks run on success
//	and can only produce warnings, never failures.
//
// Inputs:
//
//	ctx - Controls cancellation; backoff sleeps abort on cancellation.
//	node - The node to run. Must not be nil.
//	input - The agent input (payload plus upstream outputs).
//
// Outputs:
//
//	*Outcome - Always non-nil on a nil error.
//	error - ErrInvalidInput for a nil node; execution failures are
//	        reported in the Outcome, not here.
func (e *Executor) ExecuteNode(ctx context.Context, node *workflow.Node, input agent.Input) (*Outcome, error) {
	if node == nil {
		return nil, fmt.Errorf("%w: node must not be nil", ErrInvalidInput)
	}
	e.initMetrics()

	ctx, span := tracer.Start(ctx, "flow.ExecuteNode",
		trace.WithAttributes(
			attribute.String("flow.node_id", node.ID),
			attribute.String("flow.agent_id", node.AgentID),
			attribute.String("flow.project_id", input.ProjectID),
		),
	)
	defer span.End()

	start := time.Now()
	outcome := e.runWithRetry(ctx, node, input)
	outcome.NodeID = node.ID

	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("node_id", node.ID)))
	}

	switch outcome.Status {
	case StatusFailed:
		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", node.ID)))
		}
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
		e.emit(ctx, events.Event{
			Type:      events.TypeNodeFailed,
			ProjectID: input.ProjectID,
			SessionID: input.SessionID,
			NodeID:    node.ID,
			AgentID:   node.AgentID,
			Summary:   outcome.Err.Error(),
		})
	case StatusAwaitingApproval:
		span.SetAttributes(attribute.String("flow.decision_id", outcome.DecisionID))
		span.SetStatus(codes.Ok, "")
	default:
		if e.nodeSuccesses != nil {
			e.nodeSuccesses.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", node.ID)))
		}
		span.SetStatus(codes.Ok, "")
		e.runChecks(ctx, node, input, outcome.Result)
		e.emit(ctx, events.Event{
			Type:       events.TypeNodeCompleted,
			ProjectID:  input.ProjectID,
			SessionID:  input.SessionID,
			NodeID:     node.ID,
			AgentID:    node.AgentID,
			Confidence: outcome.Result.Confidence,
			Summary:    "node completed",
		})
	}

	return outcome, nil
}

// runWithRetry drives the retry policy for one node.
func (e *Executor) runWithRetry(ctx context.Context, node *workflow.Node, input agent.Input) *Outcome {
	delegate, err := e.registry.Get(node.AgentID)
	if err != nil {
		// An unknown agent is a wiring defect; retrying cannot fix it.
		return &Outcome{Status: StatusFailed, Err: err}
	}

	e.emit(ctx, events.Event{
		Type:      events.TypeNodeStarted,
		ProjectID: input.ProjectID,
		SessionID: input.SessionID,
		NodeID:    node.ID,
		AgentID:   node.AgentID,
		Summary:   "node started",
	})

	maxAttempts := node.Retry.MaxAttempts + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if e.nodeRetries != nil {
				e.nodeRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", node.ID)))
			}
			if err := e.backoff(ctx, node.Retry.BaseBackoff, attempt-1); err != nil {
				return &Outcome{
					Status:   StatusFailed,
					Attempts: attempt - 1,
					Err:      fmt.Errorf("%w: %w", ErrAttemptsExhausted, err),
				}
			}
			e.logger.Info("retrying node",
				slog.String("node_id", node.ID),
				slog.String("project_id", input.ProjectID),
				slog.Int("attempt", attempt),
			)
		}

		result, execErr := delegate.Execute(ctx, input)
		if execErr == nil && result != nil && !result.Success {
			execErr = fmt.Errorf("agent reported failure: %s", result.Err)
		}
		if execErr == nil && result == nil {
			execErr = errors.New("agent returned nil result")
		}

		if execErr != nil {
			lastErr = execErr
			e.logger.Warn("node attempt failed",
				slog.String("node_id", node.ID),
				slog.Int("attempt", attempt),
				slog.String("error", execErr.Error()),
			)
			continue
		}

		if node.RequiresApproval {
			return e.suspendForApproval(ctx, node, input, result, attempt)
		}

		return &Outcome{Status: StatusCompleted, Result: result, Attempts: attempt}
	}

	return &Outcome{
		Status:   StatusFailed,
		Attempts: maxAttempts,
		Err:      fmt.Errorf("%w: node %s after %d attempts: %w", ErrAttemptsExhausted, node.ID, maxAttempts, lastErr),
	}
}

// suspendForApproval persists the decision posed by an approval node.
//
// A successful result without a decision violates the approval contract
// and fails the node permanently: no retry, because the agent already
// succeeded and re-running it would duplicate its work.
func (e *Executor) suspendForApproval(ctx context.Context, node *workflow.Node, input agent.Input, result *agent.Result, attempts int) *Outcome {
	if result.Decision == nil {
		return &Outcome{
			Status:   StatusFailed,
			Result:   result,
			Attempts: attempts,
			Err:      fmt.Errorf("%w: node %s", ErrApprovalContract, node.ID),
		}
	}

	rec := result.Decision
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.ProjectID = input.ProjectID
	rec.NodeID = node.ID
	rec.Status = decision.StatusPending
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}

	if err := e.decisions.Put(ctx, rec); err != nil {
		return &Outcome{
			Status:   StatusFailed,
			Result:   result,
			Attempts: attempts,
			Err:      fmt.Errorf("persist decision for node %s: %w", node.ID, err),
		}
	}

	e.emit(ctx, events.Event{
		Type:         events.TypeDecisionPending,
		ProjectID:    input.ProjectID,
		SessionID:    input.SessionID,
		NodeID:       node.ID,
		AgentID:      node.AgentID,
		Summary:      rec.Question,
		OwnerVisible: true,
		Metadata: map[string]string{
			"decision_id": rec.ID,
			"options":     strconv.Itoa(len(rec.Options)),
		},
	})

	return &Outcome{
		Status:     StatusAwaitingApproval,
		Result:     result,
		Attempts:   attempts,
		DecisionID: rec.ID,
	}
}

// CompleteNode finishes an approval node after its decision was approved.
//
// Description:
//
//	Hands the chosen option's payload to the agent's CompleteDecision and
//	runs advisory checks on the completed artifact. The completion is a
//	single attempt: the retry policy applies to the initial execution,
//	not to resumption.
func (e *Executor) CompleteNode(ctx context.Context, node *workflow.Node, input agent.Input, rec *decision.Record) (*Outcome, error) {
	if node == nil || rec == nil {
		return nil, fmt.Errorf("%w: node and decision record are required", ErrInvalidInput)
	}
	e.initMetrics()

	ctx, span := tracer.Start(ctx, "flow.CompleteNode",
		trace.WithAttributes(
			attribute.String("flow.node_id", node.ID),
			attribute.String("flow.decision_id", rec.ID),
		),
	)
	defer span.End()

	opt, ok := rec.OptionByID(rec.SelectedOptionID)
	if !ok {
		err := fmt.Errorf("decision %s has no option %q", rec.ID, rec.SelectedOptionID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &Outcome{NodeID: node.ID, Status: StatusFailed, Err: err}, nil
	}

	delegate, err := e.registry.Get(node.AgentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &Outcome{NodeID: node.ID, Status: StatusFailed, Err: err}, nil
	}

	result, err := delegate.CompleteDecision(ctx, input, opt.Payload)
	if err == nil && result != nil && !result.Success {
		err = fmt.Errorf("agent reported failure: %s", result.Err)
	}
	if err == nil && result == nil {
		err = errors.New("agent returned nil result")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", node.ID)))
		}
		e.emit(ctx, events.Event{
			Type:      events.TypeNodeFailed,
			ProjectID: input.ProjectID,
			SessionID: input.SessionID,
			NodeID:    node.ID,
			AgentID:   node.AgentID,
			Summary:   err.Error(),
		})
		return &Outcome{NodeID: node.ID, Status: StatusFailed, Attempts: 1, Err: err}, nil
	}

	span.SetStatus(codes.Ok, "")
	if e.nodeSuccesses != nil {
		e.nodeSuccesses.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", node.ID)))
	}
	e.runChecks(ctx, node, input, result)
	e.emit(ctx, events.Event{
		Type:       events.TypeNodeCompleted,
		ProjectID:  input.ProjectID,
		SessionID:  input.SessionID,
		NodeID:     node.ID,
		AgentID:    node.AgentID,
		Confidence: result.Confidence,
		Summary:    "node completed after approval",
	})

	return &Outcome{NodeID: node.ID, Status: StatusCompleted, Result: result, Attempts: 1}, nil
}

// Checker registry keys for the two advisory check kinds a node can enable.
const (
	CheckQuality = "quality"
	CheckReview  = "review"
)

// runChecks applies the node's advisory checkers to a completed artifact.
// Negative verdicts and checker errors are surfaced as warnings only.
func (e *Executor) runChecks(ctx context.Context, node *workflow.Node, input agent.Input, result *agent.Result) {
	enabled := []struct {
		on   bool
		name string
	}{
		{node.QualityCheck, CheckQuality},
		{node.ReviewCheck, CheckReview},
	}
	for _, check := range enabled {
		if !check.on {
			continue
		}
		name := check.name
		checker, ok := e.checkers[name]
		if !ok {
			e.logger.Warn("node references unknown checker",
				slog.String("node_id", node.ID),
				slog.String("checker", name),
			)
			continue
		}

		verdict, err := checker.Check(ctx, result.Data)
		if err != nil {
			e.logger.Warn("advisory check errored",
				slog.String("node_id", node.ID),
				slog.String("checker", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if verdict.Pass {
			continue
		}

		e.logger.Warn("advisory check flagged artifact",
			slog.String("node_id", node.ID),
			slog.String("checker", name),
			slog.Any("issues", verdict.Issues),
		)
		e.emit(ctx, events.Event{
			Type:      events.TypeCheckWarning,
			ProjectID: input.ProjectID,
			SessionID: input.SessionID,
			NodeID:    node.ID,
			AgentID:   node.AgentID,
			Summary:   fmt.Sprintf("checker %s flagged %d issue(s)", name, len(verdict.Issues)),
			Metadata: map[string]string{
				"checker": name,
				"issues":  strings.Join(verdict.Issues, "; "),
			},
		})
	}
}

// backoff sleeps for base*2^(failures-1), aborting if ctx is canceled.
func (e *Executor) backoff(ctx context.Context, base time.Duration, failures int) error {
	if base <= 0 {
		return nil
	}
	delay := base << (failures - 1)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) emit(_ context.Context, ev events.Event) {
	e.emitter.Emit(&ev)
}
