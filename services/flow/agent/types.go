// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent defines the delegate contract between workflow nodes and
// the pluggable units of work they invoke.
//
// The orchestrator knows nothing about what an agent does. It hands the
// agent the run input plus upstream outputs and gets back a Result; the
// only structure it inspects is Success, the optional Decision (for
// approval nodes), and Confidence for the audit trail.
//
// Agents must be idempotent-safe under retry, or declare a zero retry
// policy on every node that references them.
package agent

import (
	"context"
	"encoding/json"

	"github.com/AleutianAI/AleutianFlow/services/flow/decision"
)

// Input is what a node hands its delegate agent.
type Input struct {
	// ProjectID and SessionID identify the run.
	ProjectID string
	SessionID string

	// Payload is the run's input payload, as given to Scheduler.Start.
	Payload map[string]any

	// Upstream maps dependency node id → that node's output data.
	Upstream map[string]map[string]any
}

// Result is the outcome of one agent invocation.
type Result struct {
	// Success is false when the agent failed in a business sense without
	// returning an error; the executor treats it like an error and retries.
	Success bool

	// Data is the agent's output payload, handed to downstream nodes.
	Data map[string]any

	// Confidence is the agent's confidence in its output, in [0,1].
	Confidence float64

	// Provenance names the sources the agent drew on.
	Provenance string

	// Decision is set by agents on approval-required nodes: the question
	// and options to pose to the human approver. The executor persists it
	// and suspends the run.
	Decision *decision.Record

	// Err carries a business-level failure description when Success is
	// false.
	Err string
}

// Agent is a pluggable unit of work bound to workflow nodes by id.
//
// Thread Safety:
//
//	Execute may be called concurrently for different projects.
type Agent interface {
	// ID returns the agent's registry key.
	ID() string

	// Execute performs the node's work.
	Execute(ctx context.Context, input Input) (*Result, error)

	// CompleteDecision finishes an approval-required node after a human
	// selected an option. The payload is the chosen option's opaque
	// payload. Agents without approval nodes can return input-independent
	// data or an error.
	CompleteDecision(ctx context.Context, input Input, payload json.RawMessage) (*Result, error)
}

// CheckResult is the verdict of an advisory checker.
type CheckResult struct {
	Pass   bool     `json:"pass"`
	Issues []string `json:"issues,omitempty"`
}

// Checker inspects a node's output artifact. Verdicts are advisory: a
// negative verdict is logged and emitted but never blocks the run.
type Checker interface {
	// Name identifies the checker in logs and events.
	Name() string

	// Check inspects the artifact.
	Check(ctx context.Context, artifact map[string]any) (*CheckResult, error)
}
