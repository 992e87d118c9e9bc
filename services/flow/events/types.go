// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the append-only observability stream for runs.
//
// Events let external systems observe scheduling behavior and build an
// audit trail without coupling to the orchestrator. They are never used
// for control flow: dropping every event changes nothing about a run.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

// Type identifies the kind of event.
type Type string

const (
	// TypeRunStarted is emitted when a run begins or resumes.
	TypeRunStarted Type = "run_started"

	// TypeNodeStarted is emitted when a node begins executing.
	TypeNodeStarted Type = "node_started"

	// TypeNodeCompleted is emitted when a node completes.
	TypeNodeCompleted Type = "node_completed"

	// TypeNodeFailed is emitted when a node fails permanently.
	TypeNodeFailed Type = "node_failed"

	// TypeCheckWarning is emitted when an advisory check returns a
	// negative verdict.
	TypeCheckWarning Type = "check_warning"

	// TypeDecisionPending is emitted when a run suspends awaiting approval.
	TypeDecisionPending Type = "decision_pending"

	// TypeDecisionApproved is emitted when a pending decision is approved.
	TypeDecisionApproved Type = "decision_approved"

	// TypeRunCompleted is emitted when every node completed.
	TypeRunCompleted Type = "run_completed"

	// TypeRunFailed is emitted when a run ends with failures.
	TypeRunFailed Type = "run_failed"

	// TypeRunStopped is emitted when a run is force-stopped.
	TypeRunStopped Type = "run_stopped"
)

// Event is one entry in the run's observability stream.
//
// Thread Safety:
//
//	Events should be treated as immutable after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// ProjectID and SessionID link the event to a run.
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id,omitempty"`

	// NodeID is the node this event concerns, if any.
	NodeID string `json:"node_id,omitempty"`

	// AgentID is the delegate agent involved, if any.
	AgentID string `json:"agent_id,omitempty"`

	// Summary is a short human-readable description.
	Summary string `json:"summary"`

	// Confidence carries the agent's confidence in [0,1] where relevant.
	Confidence float64 `json:"confidence,omitempty"`

	// OwnerVisible marks events surfaced to the project owner, as opposed
	// to operator-only diagnostics.
	OwnerVisible bool `json:"owner_visible"`

	// Timestamp is when the event occurred (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Metadata contains additional string context.
	Metadata map[string]string `json:"metadata,omitempty"`
}
