// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler drives workflow runs: it decides which nodes are
// eligible, hands them to the executor, and records every transition in
// durable execution state.
//
// The run loop is iterative. Each pass reloads the state, computes the
// eligible set (nodes with every dependency completed that have not
// themselves finished), and executes eligible nodes sequentially in
// declaration order. An approval suspends the loop; a permanent node
// failure makes the run terminal, and the loop returns the terminal
// snapshot without executing further nodes. The loop also terminates
// when the eligible set is empty.
//
// Durable state is the only source of truth: the scheduler re-reads it at
// every step and never trusts an in-memory copy across executor calls,
// which is what makes a run resumable after a crash.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianFlow/services/flow/agent"
	"github.com/AleutianAI/AleutianFlow/services/flow/decision"
	"github.com/AleutianAI/AleutianFlow/services/flow/events"
	"github.com/AleutianAI/AleutianFlow/services/flow/executor"
	"github.com/AleutianAI/AleutianFlow/services/flow/lease"
	"github.com/AleutianAI/AleutianFlow/services/flow/state"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

var (
	tracer = otel.Tracer("aleutian.flow.scheduler")
	meter  = otel.Meter("aleutian.flow.scheduler")
)

// Metadata keys used inside ExecutionState.Metadata.
const (
	metaPayload      = "payload"
	metaOutputPrefix = "output:"
)

// Snapshot is a point-in-time copy of a run, safe to hand to callers.
type Snapshot struct {
	ProjectID        string       `json:"project_id"`
	SessionID        string       `json:"session_id,omitempty"`
	Status           state.Status `json:"status"`
	CurrentNode      string       `json:"current_node,omitempty"`
	CompletedNodes   []string     `json:"completed_nodes"`
	FailedNodes      []string     `json:"failed_nodes"`
	PendingDecisions []string     `json:"pending_decisions"`
	UpdatedAt        int64        `json:"updated_at"`
}

func snapshotOf(st *state.ExecutionState) *Snapshot {
	return &Snapshot{
		ProjectID:        st.ProjectID,
		SessionID:        st.SessionID,
		Status:           st.Status,
		CurrentNode:      st.CurrentNode,
		CompletedNodes:   append([]string(nil), st.CompletedNodes...),
		FailedNodes:      append([]string(nil), st.FailedNodes...),
		PendingDecisions: append([]string(nil), st.PendingDecisions...),
		UpdatedAt:        st.UpdatedAt,
	}
}

// Scheduler orchestrates runs of one workflow graph.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent Start calls for the same project
//	are coalesced; runs for different projects proceed independently,
//	serialized per project by the lease manager.
type Scheduler struct {
	graph     *workflow.Graph
	states    *state.Store
	decisions *decision.Store
	exec      *executor.Executor
	emitter   *events.Emitter
	leases    *lease.Manager
	logger    *slog.Logger

	group singleflight.Group

	metricsOnce sync.Once
	runLatency  metric.Float64Histogram
	runsStarted metric.Int64Counter
	runOutcomes metric.Int64Counter
}

// Config wires the scheduler's collaborators.
type Config struct {
	// Graph is the immutable workflow to run. Required.
	Graph *workflow.Graph

	// States persists execution state. Required.
	States *state.Store

	// Decisions persists approval decisions. Required.
	Decisions *decision.Store

	// Executor runs individual nodes. Required.
	Executor *executor.Executor

	// Emitter receives run events. Optional.
	Emitter *events.Emitter

	// Leases serializes runs per project. Optional; defaults to a manager
	// with a one hour TTL.
	Leases *lease.Manager

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Graph == nil || cfg.States == nil || cfg.Decisions == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("%w: graph, state store, decision store and executor are required", ErrInvalidInput)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.NewEmitter()
	}
	if cfg.Leases == nil {
		cfg.Leases = lease.NewManager(0)
	}
	return &Scheduler{
		graph:     cfg.Graph,
		states:    cfg.States,
		decisions: cfg.Decisions,
		exec:      cfg.Executor,
		emitter:   cfg.Emitter,
		leases:    cfg.Leases,
		logger:    cfg.Logger,
	}, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution.
func (s *Scheduler) initMetrics() {
	s.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		s.runLatency, err = meter.Float64Histogram("flow_run_duration_seconds",
			metric.WithDescription("Wall time of one scheduling pass"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		s.runsStarted, err = meter.Int64Counter("flow_runs_started_total",
			metric.WithDescription("Number of runs started or resumed"),
		)
		if err != nil {
			initErrors = append(initErrors, "runs_started: "+err.Error())
		}

		s.runOutcomes, err = meter.Int64Counter("flow_run_outcomes_total",
			metric.WithDescription("Run outcomes by resulting status"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_outcomes: "+err.Error())
		}

		if len(initErrors) > 0 {
			s.logger.Error("failed to initialize some scheduler metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Start begins or resumes the project's run and drives it until it pauses,
// finishes, or fails.
//
// Description:
//
//	A project with no state, or only terminal state, gets a fresh run; the
//	terminal record is overwritten. A project with an active run resumes
//	it: a paused run returns immediately (only an approval can move it),
//	a running run re-enters the loop, which is how a run interrupted by a
//	crash is picked back up. Concurrent Start calls for the same project
//	join the same in-flight pass and receive its result.
//
// Inputs:
//
//	ctx - Controls cancellation of the whole pass.
//	projectID - The project to run.
//	payload - Run input, recorded on first start and handed to every
//	          agent. Ignored on resume; the recorded payload wins.
//
// Outputs:
//
//	*Snapshot - The run state after the pass.
//	error - Non-nil on storage or wiring failures; node failures are
//	        reported in the snapshot, not here.
func (s *Scheduler) Start(ctx context.Context, projectID string, payload map[string]any) (*Snapshot, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", ErrInvalidInput)
	}

	v, err, _ := s.group.Do("start:"+projectID, func() (any, error) {
		return s.start(ctx, projectID, payload)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (s *Scheduler) start(ctx context.Context, projectID string, payload map[string]any) (*Snapshot, error) {
	s.initMetrics()

	ctx, span := tracer.Start(ctx, "flow.Run",
		trace.WithAttributes(
			attribute.String("flow.project_id", projectID),
			attribute.String("flow.graph", s.graph.Name),
		),
	)
	defer span.End()

	holder := uuid.NewString()
	if err := s.leases.Acquire(projectID, holder); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer s.leases.Release(projectID, holder)

	st, err := s.states.Get(ctx, projectID)
	switch {
	case err == nil && st.Status.Active():
		if payload != nil {
			s.logger.Warn("resuming run; ignoring new payload",
				slog.String("project_id", projectID))
		}
		if st.Status == state.StatusPaused {
			// Only an approval can move a paused run.
			span.SetStatus(codes.Ok, "")
			return snapshotOf(st), nil
		}
	case err == nil || errorsIsNotFound(err):
		st, err = s.createRun(ctx, projectID, payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.runsStarted != nil {
		s.runsStarted.Add(ctx, 1)
	}
	s.emit(events.Event{
		Type:      events.TypeRunStarted,
		ProjectID: projectID,
		SessionID: st.SessionID,
		Summary:   fmt.Sprintf("run started for graph %s", s.graph.Name),
	})

	start := time.Now()
	snap, err := s.runLoop(ctx, projectID)
	if s.runLatency != nil {
		s.runLatency.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.runOutcomes != nil {
		s.runOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(snap.Status))))
	}
	span.SetAttributes(attribute.String("flow.status", string(snap.Status)))
	span.SetStatus(codes.Ok, "")
	return snap, nil
}

// createRun creates fresh state, recording the payload for later resumes.
func (s *Scheduler) createRun(ctx context.Context, projectID string, payload map[string]any) (*state.ExecutionState, error) {
	if _, err := s.states.Create(ctx, projectID, uuid.NewString()); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload not serializable: %w", ErrInvalidInput, err)
	}
	return s.states.Update(ctx, projectID, func(cur *state.ExecutionState) error {
		cur.SetMetadata(metaPayload, string(raw))
		return nil
	})
}

// runLoop executes eligible nodes until the run pauses, turns terminal,
// or no node is eligible, then finalizes the status.
func (s *Scheduler) runLoop(ctx context.Context, projectID string) (*Snapshot, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		st, err := s.states.Get(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if st.Status == state.StatusPaused {
			return snapshotOf(st), nil
		}
		if st.Status.Terminal() {
			return s.finalize(ctx, projectID)
		}

		eligible := s.eligibleNodes(st)
		if len(eligible) == 0 {
			return s.finalize(ctx, projectID)
		}

		for _, node := range eligible {
			outcome, err := s.executeNode(ctx, node, st)
			if err != nil {
				return nil, err
			}
			// A suspension or a permanent failure ends the batch; the next
			// pass settles the run from fresh state.
			if outcome.Status != executor.StatusCompleted {
				break
			}
			// Reload so later nodes in this batch see fresh completions.
			st, err = s.states.Get(ctx, projectID)
			if err != nil {
				return nil, err
			}
		}
	}
}

// eligibleNodes returns, in declaration order, every node that has not
// finished and whose dependencies have all completed. Nodes downstream of
// a failed node are never eligible; they are stranded, not failed.
func (s *Scheduler) eligibleNodes(st *state.ExecutionState) []*workflow.Node {
	var out []*workflow.Node
	for i := range s.graph.Nodes {
		node := &s.graph.Nodes[i]
		if st.HasCompleted(node.ID) || st.HasFailed(node.ID) {
			continue
		}
		ready := true
		for _, dep := range node.DependsOn {
			if !st.HasCompleted(dep) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, node)
		}
	}
	return out
}

// executeNode runs one node through the executor and records the outcome.
func (s *Scheduler) executeNode(ctx context.Context, node *workflow.Node, st *state.ExecutionState) (*executor.Outcome, error) {
	if _, err := s.states.Update(ctx, st.ProjectID, func(cur *state.ExecutionState) error {
		cur.CurrentNode = node.ID
		return nil
	}); err != nil {
		return nil, err
	}

	input, err := s.buildInput(node, st)
	if err != nil {
		return nil, err
	}

	outcome, err := s.exec.ExecuteNode(ctx, node, input)
	if err != nil {
		return nil, err
	}

	_, err = s.states.Update(ctx, st.ProjectID, func(cur *state.ExecutionState) error {
		switch outcome.Status {
		case executor.StatusCompleted:
			return s.recordCompletion(cur, node.ID, outcome.Result)
		case executor.StatusAwaitingApproval:
			cur.AddPendingDecision(outcome.DecisionID)
			cur.CurrentNode = ""
			return nil
		default:
			cur.MarkFailed(node.ID)
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// recordCompletion marks the node done and persists its output for
// downstream nodes and future resumes.
func (s *Scheduler) recordCompletion(st *state.ExecutionState, nodeID string, result *agent.Result) error {
	st.MarkCompleted(nodeID)
	if result == nil || result.Data == nil {
		return nil
	}
	raw, err := json.Marshal(result.Data)
	if err != nil {
		return fmt.Errorf("node %s output not serializable: %w", nodeID, err)
	}
	st.SetMetadata(metaOutputPrefix+nodeID, string(raw))
	return nil
}

// buildInput assembles the agent input from recorded payload and upstream
// outputs.
func (s *Scheduler) buildInput(node *workflow.Node, st *state.ExecutionState) (agent.Input, error) {
	input := agent.Input{
		ProjectID: st.ProjectID,
		SessionID: st.SessionID,
		Payload:   map[string]any{},
		Upstream:  map[string]map[string]any{},
	}

	if raw, ok := st.Metadata[metaPayload]; ok {
		if err := json.Unmarshal([]byte(raw), &input.Payload); err != nil {
			return input, fmt.Errorf("decode payload for project %s: %w", st.ProjectID, err)
		}
	}
	for _, dep := range node.DependsOn {
		raw, ok := st.Metadata[metaOutputPrefix+dep]
		if !ok {
			continue
		}
		out := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return input, fmt.Errorf("decode output of node %s: %w", dep, err)
		}
		input.Upstream[dep] = out
	}
	return input, nil
}

// finalize settles the run status once no node is eligible.
func (s *Scheduler) finalize(ctx context.Context, projectID string) (*Snapshot, error) {
	st, err := s.states.Update(ctx, projectID, func(cur *state.ExecutionState) error {
		if cur.Status.Active() && len(cur.FailedNodes) == 0 && len(cur.CompletedNodes) == s.graph.NodeCount() {
			cur.Status = state.StatusCompleted
		}
		// A run with failed nodes already carries StatusFailed; a run with
		// stranded nodes behind a failure stays failed as well.
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch st.Status {
	case state.StatusCompleted:
		s.emit(events.Event{
			Type:         events.TypeRunCompleted,
			ProjectID:    projectID,
			SessionID:    st.SessionID,
			OwnerVisible: true,
			Summary:      "run completed",
		})
	case state.StatusFailed:
		s.emit(events.Event{
			Type:         events.TypeRunFailed,
			ProjectID:    projectID,
			SessionID:    st.SessionID,
			OwnerVisible: true,
			Summary:      fmt.Sprintf("run failed; failed nodes: %v", st.FailedNodes),
		})
	}
	return snapshotOf(st), nil
}

// ApproveDecision resolves a pending decision and resumes the run.
//
// Description:
//
//	Resolution is terminal: the first approval wins and later attempts
//	fail with decision.ErrAlreadyResolved. After the node's agent applies
//	the chosen option, the node is marked completed and the loop re-enters
//	to schedule newly unblocked nodes.
func (s *Scheduler) ApproveDecision(ctx context.Context, projectID, decisionID, optionID string) (*Snapshot, error) {
	if projectID == "" || decisionID == "" || optionID == "" {
		return nil, fmt.Errorf("%w: project, decision and option ids required", ErrInvalidInput)
	}

	s.initMetrics()

	ctx, span := tracer.Start(ctx, "flow.ApproveDecision",
		trace.WithAttributes(
			attribute.String("flow.project_id", projectID),
			attribute.String("flow.decision_id", decisionID),
		),
	)
	defer span.End()

	holder := uuid.NewString()
	if err := s.leases.Acquire(projectID, holder); err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer s.leases.Release(projectID, holder)

	st, err := s.states.Get(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Check the record before the run status so that re-approving an
	// already-resolved decision reports the real cause rather than the
	// resumed run's state.
	existing, err := s.decisions.Get(ctx, decisionID)
	switch {
	case errors.Is(err, decision.ErrDecisionNotFound):
		return nil, fmt.Errorf("%w: %s", ErrUnknownDecision, decisionID)
	case err != nil:
		span.RecordError(err)
		return nil, err
	case existing.ProjectID != projectID:
		return nil, fmt.Errorf("%w: %s does not belong to project %s", ErrUnknownDecision, decisionID, projectID)
	case existing.Status.Terminal():
		return nil, fmt.Errorf("%w: decision %s is %s", decision.ErrAlreadyResolved, decisionID, existing.Status)
	}

	if st.Status != state.StatusPaused {
		return nil, fmt.Errorf("%w: project %s is %s", ErrNotPaused, projectID, st.Status)
	}
	if !contains(st.PendingDecisions, decisionID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDecision, decisionID)
	}

	rec, err := s.decisions.Resolve(ctx, decisionID, optionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	node, ok := s.graph.NodeByID(rec.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: decision %s references unknown node %s", ErrInvalidInput, decisionID, rec.NodeID)
	}

	input, err := s.buildInput(node, st)
	if err != nil {
		return nil, err
	}

	outcome, err := s.exec.CompleteNode(ctx, node, input, rec)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if _, err := s.states.Update(ctx, projectID, func(cur *state.ExecutionState) error {
		cur.ResolvePendingDecision(decisionID)
		if outcome.Status == executor.StatusCompleted {
			return s.recordCompletion(cur, node.ID, outcome.Result)
		}
		cur.MarkFailed(node.ID)
		return nil
	}); err != nil {
		return nil, err
	}

	s.emit(events.Event{
		Type:         events.TypeDecisionApproved,
		ProjectID:    projectID,
		SessionID:    st.SessionID,
		NodeID:       node.ID,
		OwnerVisible: true,
		Summary:      fmt.Sprintf("decision %s approved with option %s", decisionID, optionID),
	})

	snap, err := s.runLoop(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return snap, nil
}

// GetState returns a snapshot of the project's run.
func (s *Scheduler) GetState(ctx context.Context, projectID string) (*Snapshot, error) {
	st, err := s.states.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return snapshotOf(st), nil
}

// PendingDecisions returns the decision records currently blocking the run.
func (s *Scheduler) PendingDecisions(ctx context.Context, projectID string) ([]*decision.Record, error) {
	return s.decisions.ListPending(ctx, projectID)
}

// Stop force-fails an active run.
//
// Description:
//
//	Every unfinished node is marked failed, including nodes that were
//	never attempted: the failed status requires a non-empty FailedNodes
//	set, and a stopped run records that none of the remaining work will
//	happen. Pending decisions are dropped from the run, so a later
//	approval attempt is rejected. Stop on a terminal run is a no-op
//	returning the terminal snapshot.
func (s *Scheduler) Stop(ctx context.Context, projectID string) (*Snapshot, error) {
	st, err := s.states.Update(ctx, projectID, func(cur *state.ExecutionState) error {
		if cur.Status.Terminal() {
			return nil
		}
		for i := range s.graph.Nodes {
			id := s.graph.Nodes[i].ID
			if !cur.HasCompleted(id) {
				cur.MarkFailed(id)
			}
		}
		cur.PendingDecisions = nil
		cur.CurrentNode = ""
		cur.Status = state.StatusFailed
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(events.Event{
		Type:         events.TypeRunStopped,
		ProjectID:    projectID,
		SessionID:    st.SessionID,
		OwnerVisible: true,
		Summary:      "run stopped",
	})
	return snapshotOf(st), nil
}

func (s *Scheduler) emit(ev events.Event) {
	s.emitter.Emit(&ev)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// errorsIsNotFound reports whether err is the state store's missing-record
// error.
func errorsIsNotFound(err error) bool {
	return errors.Is(err, state.ErrStateNotFound)
}
