// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianFlow/services/flow/agent"
	"github.com/AleutianAI/AleutianFlow/services/flow/decision"
	"github.com/AleutianAI/AleutianFlow/services/flow/events"
	"github.com/AleutianAI/AleutianFlow/services/flow/executor"
	"github.com/AleutianAI/AleutianFlow/services/flow/state"
	flowbadger "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

const chainYAML = `
name: campaign
nodes:
  - id: ingest
    agent: ingest-agent
  - id: strategy
    agent: strategy-agent
    depends_on: [ingest]
  - id: copy
    agent: copy-agent
    depends_on: [strategy]
`

const approvalYAML = `
name: campaign
nodes:
  - id: ingest
    agent: ingest-agent
  - id: strategy
    agent: strategy-agent
    depends_on: [ingest]
    requires_approval: true
  - id: copy
    agent: copy-agent
    depends_on: [strategy]
`

const branchYAML = `
name: campaign
nodes:
  - id: ingest
    agent: ingest-agent
  - id: audit
    agent: audit-agent
    depends_on: [ingest]
  - id: strategy
    agent: broken-agent
    depends_on: [ingest]
  - id: copy
    agent: copy-agent
    depends_on: [strategy]
`

const haltYAML = `
name: campaign
nodes:
  - id: brief
    agent: broken-agent
  - id: research
    agent: research-agent
  - id: summary
    agent: summary-agent
    depends_on: [research]
`

type harness struct {
	sched    *Scheduler
	registry *agent.Registry

	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T, graphYAML string) *harness {
	t.Helper()

	db, err := flowbadger.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	graph, err := workflow.Load(strings.NewReader(graphYAML))
	if err != nil {
		t.Fatalf("load graph: %v", err)
	}

	states, err := state.NewStore(db)
	if err != nil {
		t.Fatalf("new state store: %v", err)
	}
	decisions, err := decision.NewStore(db)
	if err != nil {
		t.Fatalf("new decision store: %v", err)
	}

	h := &harness{registry: agent.NewRegistry()}
	emitter := events.NewEmitter()
	emitter.Subscribe(func(ev *events.Event) {
		h.mu.Lock()
		h.events = append(h.events, *ev)
		h.mu.Unlock()
	})

	exec, err := executor.New(executor.Config{
		Registry:  h.registry,
		Decisions: decisions,
		Emitter:   emitter,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	h.sched, err = New(Config{
		Graph:     graph,
		States:    states,
		Decisions: decisions,
		Executor:  exec,
		Emitter:   emitter,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return h
}

// registerOK registers an agent that succeeds and echoes its id.
func (h *harness) registerOK(id string) {
	_ = h.registry.Register(agent.NewFuncAgent(id, func(_ context.Context, _ agent.Input) (*agent.Result, error) {
		return &agent.Result{Success: true, Data: map[string]any{"by": id}}, nil
	}))
}

func (h *harness) hasEvent(typ events.Type) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestStart_LinearChainCompletes(t *testing.T) {
	h := newHarness(t, chainYAML)
	var order []string
	var mu sync.Mutex
	for _, id := range []string{"ingest-agent", "strategy-agent", "copy-agent"} {
		id := id
		_ = h.registry.Register(agent.NewFuncAgent(id, func(_ context.Context, _ agent.Input) (*agent.Result, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return &agent.Result{Success: true, Data: map[string]any{"by": id}}, nil
		}))
	}

	snap, err := h.sched.Start(context.Background(), "p1", map[string]any{"brief": "launch"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if snap.Status != state.StatusCompleted {
		t.Fatalf("expected completed, got %s (failed=%v)", snap.Status, snap.FailedNodes)
	}
	if len(snap.CompletedNodes) != 3 {
		t.Fatalf("expected 3 completed nodes, got %v", snap.CompletedNodes)
	}

	want := []string{"ingest-agent", "strategy-agent", "copy-agent"}
	if len(order) != len(want) {
		t.Fatalf("execution order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order %v, want %v", order, want)
		}
	}
	if !h.hasEvent(events.TypeRunCompleted) {
		t.Error("expected run_completed event")
	}
}

func TestStart_UpstreamOutputsFlowDownstream(t *testing.T) {
	h := newHarness(t, chainYAML)
	h.registerOK("ingest-agent")
	_ = h.registry.Register(agent.NewFuncAgent("strategy-agent", func(_ context.Context, in agent.Input) (*agent.Result, error) {
		if in.Payload["brief"] != "launch" {
			return nil, errors.New("payload missing")
		}
		if in.Upstream["ingest"]["by"] != "ingest-agent" {
			return nil, errors.New("upstream output missing")
		}
		return &agent.Result{Success: true, Data: map[string]any{"angle": "bold"}}, nil
	}))
	_ = h.registry.Register(agent.NewFuncAgent("copy-agent", func(_ context.Context, in agent.Input) (*agent.Result, error) {
		if in.Upstream["strategy"]["angle"] != "bold" {
			return nil, errors.New("strategy output missing")
		}
		return &agent.Result{Success: true}, nil
	}))

	snap, err := h.sched.Start(context.Background(), "p1", map[string]any{"brief": "launch"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if snap.Status != state.StatusCompleted {
		t.Fatalf("expected completed, got %s (failed=%v)", snap.Status, snap.FailedNodes)
	}
}

func TestApprovalPausesAndResumes(t *testing.T) {
	h := newHarness(t, approvalYAML)
	h.registerOK("ingest-agent")
	var copyRan bool
	_ = h.registry.Register(agent.NewFuncAgent("copy-agent", func(_ context.Context, _ agent.Input) (*agent.Result, error) {
		copyRan = true
		return &agent.Result{Success: true}, nil
	}))
	_ = h.registry.Register(agent.NewFuncAgent("strategy-agent",
		func(_ context.Context, _ agent.Input) (*agent.Result, error) {
			return &agent.Result{
				Success: true,
				Decision: &decision.Record{
					Question: "Which angle?",
					Options: []decision.Option{
						{ID: "opt-bold", Label: "Bold", Payload: json.RawMessage(`{"angle":"bold"}`)},
						{ID: "opt-safe", Label: "Safe", Payload: json.RawMessage(`{"angle":"safe"}`)},
					},
				},
			}, nil
		}).WithCompletion(
		func(_ context.Context, _ agent.Input, payload json.RawMessage) (*agent.Result, error) {
			var opt map[string]string
			if err := json.Unmarshal(payload, &opt); err != nil {
				return nil, err
			}
			return &agent.Result{Success: true, Data: map[string]any{"angle": opt["angle"]}}, nil
		}))

	ctx := context.Background()
	snap, err := h.sched.Start(ctx, "p1", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if snap.Status != state.StatusPaused {
		t.Fatalf("expected paused, got %s", snap.Status)
	}
	if len(snap.PendingDecisions) != 1 {
		t.Fatalf("expected one pending decision, got %v", snap.PendingDecisions)
	}
	if copyRan {
		t.Fatal("downstream node ran before approval")
	}

	// A paused run cannot progress via Start.
	snap2, err := h.sched.Start(ctx, "p1", nil)
	if err != nil {
		t.Fatalf("Start on paused run failed: %v", err)
	}
	if snap2.Status != state.StatusPaused {
		t.Fatalf("Start moved a paused run to %s", snap2.Status)
	}

	decisionID := snap.PendingDecisions[0]
	snap3, err := h.sched.ApproveDecision(ctx, "p1", decisionID, "opt-bold")
	if err != nil {
		t.Fatalf("ApproveDecision failed: %v", err)
	}
	if snap3.Status != state.StatusCompleted {
		t.Fatalf("expected completed after approval, got %s (failed=%v)", snap3.Status, snap3.FailedNodes)
	}
	if !copyRan {
		t.Fatal("downstream node did not run after approval")
	}

	// Approval is terminal: a second approval must fail and not re-run.
	if _, err := h.sched.ApproveDecision(ctx, "p1", decisionID, "opt-safe"); !errors.Is(err, decision.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved on second approval, got %v", err)
	}
}

func TestApproveDecision_Validation(t *testing.T) {
	h := newHarness(t, approvalYAML)
	h.registerOK("ingest-agent")
	h.registerOK("copy-agent")
	_ = h.registry.Register(agent.NewFuncAgent("strategy-agent", func(_ context.Context, _ agent.Input) (*agent.Result, error) {
		return &agent.Result{
			Success: true,
			Decision: &decision.Record{
				Question: "Which?",
				Options:  []decision.Option{{ID: "opt-a", Payload: json.RawMessage(`{}`)}},
			},
		}, nil
	}))

	ctx := context.Background()
	if _, err := h.sched.ApproveDecision(ctx, "p1", "d", "o"); !errors.Is(err, state.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}

	snap, err := h.sched.Start(ctx, "p1", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := h.sched.ApproveDecision(ctx, "p1", "bogus", "opt-a"); !errors.Is(err, ErrUnknownDecision) {
		t.Fatalf("expected ErrUnknownDecision, got %v", err)
	}
	if _, err := h.sched.ApproveDecision(ctx, "p1", snap.PendingDecisions[0], "bogus"); !errors.Is(err, decision.ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}

	// The run is still paused and approvable after the bad attempts.
	got, err := h.sched.GetState(ctx, "p1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if got.Status != state.StatusPaused {
		t.Fatalf("expected still paused, got %s", got.Status)
	}
}

func TestFailedNodeStrandsItsDescendants(t *testing.T) {
	// audit is declared before strategy, so it completes before the
	// failure ends the run; copy never becomes eligible.
	h := newHarness(t, branchYAML)
	h.registerOK("ingest-agent")
	h.registerOK("audit-agent")
	h.registerOK("copy-agent")
	_ = h.registry.Register(agent.NewFuncAgent("broken-agent", func(_ context.Context, _ agent.Input) (*agent.Result, error) {
		return nil, errors.New("boom")
	}))

	snap, err := h.sched.Start(context.Background(), "p1", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if snap.Status != state.StatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}

	completed := map[string]bool{}
	for _, id := range snap.CompletedNodes {
		completed[id] = true
	}
	if !completed["ingest"] || !completed["audit"] {
		t.Errorf("nodes finished before the failure must stay completed: %v", snap.CompletedNodes)
	}
	if len(snap.FailedNodes) != 1 || snap.FailedNodes[0] != "strategy" {
		t.Errorf("expected only strategy failed, got %v", snap.FailedNodes)
	}
	// copy is stranded: neither completed nor failed.
	if completed["copy"] {
		t.Error("stranded node reported completed")
	}
}

func TestRunHaltsOnPermanentFailure(t *testing.T) {
	// Once a node fails permanently the run is terminal: nodes after it in
	// the same batch and nodes unblocked later must not execute.
	h := newHarness(t, haltYAML)
	var researchRan, summaryRan bool
	_ = h.registry.Register(agent.NewFuncAgent("broken-agent", func(_ context.Context, _ agent.Input) (*agent.Result, error) {
		return nil, errors.New("boom")
	}))
	_ = h.registry.Register(agent.NewFuncAgent("research-agent", func(_ context.Context, _ agent.Input) (*agent.Result, error) {
		researchRan = true
		return &agent.Result{Success: true}, nil
	}))
	_ = h.registry.Register(agent.NewFuncAgent("summary-agent", func(_ context.Context, _ agent.Input) (*agent.Result, error) {
		summaryRan = true
		return &agent.Result{Success: true}, nil
	}))

	snap, err := h.sched.Start(context.Background(), "p1", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if snap.Status != state.StatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if len(snap.FailedNodes) != 1 || snap.FailedNodes[0] != "brief" {
		t.Errorf("expected only brief failed, got %v", snap.FailedNodes)
	}
	if len(snap.CompletedNodes) != 0 {
		t.Errorf("no node may complete after the run failed, got %v", snap.CompletedNodes)
	}
	if researchRan || summaryRan {
		t.Errorf("nodes executed after the run turned terminal: research=%v summary=%v", researchRan, summaryRan)
	}
	if !h.hasEvent(events.TypeRunFailed) {
		t.Error("expected run_failed event")
	}
}

func TestStart_RecreatesAfterTerminalRun(t *testing.T) {
	h := newHarness(t, chainYAML)
	var calls int
	for _, id := range []string{"ingest-agent", "strategy-agent", "copy-agent"} {
		_ = h.registry.Register(agent.NewFuncAgent(id, func(_ context.Context, _ agent.Input) (*agent.Result, error) {
			calls++
			return &agent.Result{Success: true}, nil
		}))
	}

	ctx := context.Background()
	first, err := h.sched.Start(ctx, "p1", nil)
	if err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	second, err := h.sched.Start(ctx, "p1", nil)
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if second.Status != state.StatusCompleted {
		t.Fatalf("expected completed, got %s", second.Status)
	}
	if second.SessionID == first.SessionID {
		t.Error("expected a fresh session for the new run")
	}
	if calls != 6 {
		t.Errorf("expected 6 node executions across two runs, got %d", calls)
	}
}

func TestStop_ForceFailsAndIsIdempotent(t *testing.T) {
	h := newHarness(t, approvalYAML)
	h.registerOK("ingest-agent")
	h.registerOK("copy-agent")
	_ = h.registry.Register(agent.NewFuncAgent("strategy-agent", func(_ context.Context, _ agent.Input) (*agent.Result, error) {
		return &agent.Result{
			Success: true,
			Decision: &decision.Record{
				Question: "Which?",
				Options:  []decision.Option{{ID: "opt-a", Payload: json.RawMessage(`{}`)}},
			},
		}, nil
	}))

	ctx := context.Background()
	snap, err := h.sched.Start(ctx, "p1", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	decisionID := snap.PendingDecisions[0]

	stopped, err := h.sched.Stop(ctx, "p1")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped.Status != state.StatusFailed {
		t.Fatalf("expected failed, got %s", stopped.Status)
	}
	if len(stopped.PendingDecisions) != 0 {
		t.Errorf("expected pending decisions cleared, got %v", stopped.PendingDecisions)
	}

	// Approving after stop is rejected.
	if _, err := h.sched.ApproveDecision(ctx, "p1", decisionID, "opt-a"); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}

	// Stop again: idempotent.
	again, err := h.sched.Stop(ctx, "p1")
	if err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if again.Status != state.StatusFailed {
		t.Fatalf("expected failed, got %s", again.Status)
	}
	if !h.hasEvent(events.TypeRunStopped) {
		t.Error("expected run_stopped event")
	}
}

func TestRetryExhaustionFailsRun(t *testing.T) {
	h := newHarness(t, chainYAML)
	var calls int
	_ = h.registry.Register(agent.NewFuncAgent("ingest-agent", func(_ context.Context, _ agent.Input) (*agent.Result, error) {
		calls++
		return nil, errors.New("transient")
	}))
	h.registerOK("strategy-agent")
	h.registerOK("copy-agent")

	snap, err := h.sched.Start(context.Background(), "p1", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if snap.Status != state.StatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if calls != 1 {
		t.Errorf("zero retry policy must mean exactly one invocation, got %d", calls)
	}
	if len(snap.CompletedNodes) != 0 {
		t.Errorf("nothing should complete, got %v", snap.CompletedNodes)
	}
}
