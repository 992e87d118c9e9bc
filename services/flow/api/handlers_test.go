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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFlow/services/flow/agent"
	"github.com/AleutianAI/AleutianFlow/services/flow/decision"
	"github.com/AleutianAI/AleutianFlow/services/flow/events"
	"github.com/AleutianAI/AleutianFlow/services/flow/executor"
	"github.com/AleutianAI/AleutianFlow/services/flow/scheduler"
	"github.com/AleutianAI/AleutianFlow/services/flow/state"
	flowbadger "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

const testGraphYAML = `
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

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := flowbadger.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	graph, err := workflow.Load(strings.NewReader(testGraphYAML))
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
	audit, err := events.NewAuditLog(db, nil)
	if err != nil {
		t.Fatalf("new audit log: %v", err)
	}
	emitter := events.NewEmitter()
	emitter.Subscribe(audit.Handler())

	registry := agent.NewRegistry()
	_ = registry.Register(agent.NewFuncAgent("ingest-agent", func(_ context.Context, _ agent.Input) (*agent.Result, error) {
		return &agent.Result{Success: true, Data: map[string]any{"docs": 2}}, nil
	}))
	_ = registry.Register(agent.NewFuncAgent("strategy-agent",
		func(_ context.Context, _ agent.Input) (*agent.Result, error) {
			return &agent.Result{
				Success: true,
				Decision: &decision.Record{
					Question: "Which angle?",
					Options:  []decision.Option{{ID: "opt-bold", Label: "Bold", Payload: json.RawMessage(`{"angle":"bold"}`)}},
				},
			}, nil
		}).WithCompletion(
		func(_ context.Context, _ agent.Input, _ json.RawMessage) (*agent.Result, error) {
			return &agent.Result{Success: true, Data: map[string]any{"angle": "bold"}}, nil
		}))
	_ = registry.Register(agent.NewFuncAgent("copy-agent", func(_ context.Context, _ agent.Input) (*agent.Result, error) {
		return &agent.Result{Success: true}, nil
	}))

	exec, err := executor.New(executor.Config{Registry: registry, Decisions: decisions, Emitter: emitter})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	sched, err := scheduler.New(scheduler.Config{
		Graph:     graph,
		States:    states,
		Decisions: decisions,
		Executor:  exec,
		Emitter:   emitter,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	router := gin.New()
	SetupRoutes(router, sched, audit)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, out
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)
	w, body := doJSON(t, router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestStartRun_PausesAtApproval(t *testing.T) {
	router := newTestRouter(t)

	w, body := doJSON(t, router, http.MethodPost, "/v1/runs/p1/start",
		StartRunRequest{Payload: map[string]any{"brief": "launch"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", w.Code, body)
	}
	if body["status"] != string(state.StatusPaused) {
		t.Fatalf("expected paused run, got %v", body["status"])
	}
	pending, ok := body["pending_decisions"].([]any)
	if !ok || len(pending) != 1 {
		t.Fatalf("expected one pending decision, got %v", body["pending_decisions"])
	}
}

func TestFullApprovalRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	_, startBody := doJSON(t, router, http.MethodPost, "/v1/runs/p1/start", nil)
	pending := startBody["pending_decisions"].([]any)
	decisionID := pending[0].(string)

	// The pending decision is listable.
	w, listBody := doJSON(t, router, http.MethodGet, "/v1/runs/p1/decisions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list decisions: expected 200, got %d", w.Code)
	}
	if recs := listBody["decisions"].([]any); len(recs) != 1 {
		t.Fatalf("expected one listed decision, got %v", listBody)
	}

	w, approveBody := doJSON(t, router, http.MethodPost,
		"/v1/runs/p1/decisions/"+decisionID+"/approve", ApproveRequest{OptionID: "opt-bold"})
	if w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %v", w.Code, approveBody)
	}
	if approveBody["status"] != string(state.StatusCompleted) {
		t.Fatalf("expected completed run, got %v", approveBody["status"])
	}

	// Double approval conflicts.
	w, _ = doJSON(t, router, http.MethodPost,
		"/v1/runs/p1/decisions/"+decisionID+"/approve", ApproveRequest{OptionID: "opt-bold"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double approval, got %d", w.Code)
	}

	// The audit trail recorded the run.
	w, eventsBody := doJSON(t, router, http.MethodGet, "/v1/runs/p1/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", w.Code)
	}
	if evs := eventsBody["events"].([]any); len(evs) == 0 {
		t.Fatal("expected audit events")
	}
}

func TestGetRun_Missing(t *testing.T) {
	router := newTestRouter(t)
	w, _ := doJSON(t, router, http.MethodGet, "/v1/runs/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestApprove_MissingOptionID(t *testing.T) {
	router := newTestRouter(t)
	_, _ = doJSON(t, router, http.MethodPost, "/v1/runs/p1/start", nil)

	w, _ := doJSON(t, router, http.MethodPost, "/v1/runs/p1/decisions/whatever/approve", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStopRun(t *testing.T) {
	router := newTestRouter(t)
	_, _ = doJSON(t, router, http.MethodPost, "/v1/runs/p1/start", nil)

	w, body := doJSON(t, router, http.MethodPost, "/v1/runs/p1/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body["status"] != string(state.StatusFailed) {
		t.Fatalf("expected failed, got %v", body["status"])
	}
}
