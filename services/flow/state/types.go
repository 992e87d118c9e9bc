// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state persists per-project execution state for workflow runs.
//
// One ExecutionState record exists per project. It is the single durable
// source of truth for a run and must survive process restarts: the scheduler
// reads it on every operation and never trusts in-memory copies.
//
// Invariants (maintained by the mutator methods, relied on everywhere):
//
//   - Status == StatusPaused  ⇔  PendingDecisions is non-empty
//   - Status == StatusFailed  ⇒  FailedNodes is non-empty
//   - a node id appears in at most one of CompletedNodes / FailedNodes
package state

import (
	"slices"
	"time"
)

// Status is the overall run status.
type Status string

const (
	// StatusRunning means the run loop may execute eligible nodes.
	StatusRunning Status = "running"

	// StatusPaused means the run is suspended awaiting one or more decisions.
	StatusPaused Status = "paused"

	// StatusCompleted is terminal: every node completed.
	StatusCompleted Status = "completed"

	// StatusFailed is terminal: at least one node failed permanently, or the
	// run was stopped.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status permits no further scheduling.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether a run with this status is still in flight.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// ExecutionState is the durable record of one run, keyed by project id.
//
// Thread Safety:
//
//	ExecutionState values are plain data. Concurrent access is linearized
//	by Store.Update, which applies mutations inside a single transaction.
type ExecutionState struct {
	// ProjectID keys this record.
	ProjectID string `json:"project_id"`

	// SessionID identifies the logical run for the audit trail.
	SessionID string `json:"session_id,omitempty"`

	// CurrentNode is the node presently executing, or empty.
	CurrentNode string `json:"current_node,omitempty"`

	// CompletedNodes lists completed node ids in completion order.
	// Append-only within a run.
	CompletedNodes []string `json:"completed_nodes"`

	// FailedNodes lists permanently failed node ids. Append-only.
	FailedNodes []string `json:"failed_nodes"`

	// PendingDecisions lists decision ids currently blocking progress.
	PendingDecisions []string `json:"pending_decisions"`

	// Status is the overall run status.
	Status Status `json:"status"`

	// Metadata is a free-form bag (advisory check verdicts, input digests).
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt and UpdatedAt are Unix milliseconds UTC.
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// HasCompleted reports whether the node completed in this run.
func (s *ExecutionState) HasCompleted(nodeID string) bool {
	return slices.Contains(s.CompletedNodes, nodeID)
}

// HasFailed reports whether the node failed permanently in this run.
func (s *ExecutionState) HasFailed(nodeID string) bool {
	return slices.Contains(s.FailedNodes, nodeID)
}

// MarkCompleted appends the node to CompletedNodes and clears CurrentNode.
// A node already recorded (completed or failed) is left untouched.
func (s *ExecutionState) MarkCompleted(nodeID string) {
	if s.HasCompleted(nodeID) || s.HasFailed(nodeID) {
		return
	}
	s.CompletedNodes = append(s.CompletedNodes, nodeID)
	if s.CurrentNode == nodeID {
		s.CurrentNode = ""
	}
}

// MarkFailed appends the node to FailedNodes, clears CurrentNode, and flips
// the run status to failed.
func (s *ExecutionState) MarkFailed(nodeID string) {
	if !s.HasFailed(nodeID) && !s.HasCompleted(nodeID) {
		s.FailedNodes = append(s.FailedNodes, nodeID)
	}
	if s.CurrentNode == nodeID {
		s.CurrentNode = ""
	}
	s.Status = StatusFailed
}

// AddPendingDecision records a blocking decision and pauses the run.
func (s *ExecutionState) AddPendingDecision(decisionID string) {
	if !slices.Contains(s.PendingDecisions, decisionID) {
		s.PendingDecisions = append(s.PendingDecisions, decisionID)
	}
	s.Status = StatusPaused
}

// ResolvePendingDecision removes a decision id; draining the set flips the
// run back to running. Returns false if the id was not pending.
func (s *ExecutionState) ResolvePendingDecision(decisionID string) bool {
	idx := slices.Index(s.PendingDecisions, decisionID)
	if idx < 0 {
		return false
	}
	s.PendingDecisions = slices.Delete(s.PendingDecisions, idx, idx+1)
	if len(s.PendingDecisions) == 0 && s.Status == StatusPaused {
		s.Status = StatusRunning
	}
	return true
}

// SetMetadata stores a metadata entry, allocating the bag lazily.
func (s *ExecutionState) SetMetadata(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
}

// nowMillis returns the current time in Unix milliseconds UTC.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
