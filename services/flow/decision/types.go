// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decision persists the questions a run poses to a human approver.
//
// A node whose agent needs human input emits a Record with enumerated
// options and suspends the run. Approval selects exactly one option; a
// resolved record is terminal and can never be approved again, which is
// what prevents a double-submitted approval from re-running the node.
package decision

import (
	"encoding/json"
	"time"
)

// nowMillis returns the current time in Unix milliseconds UTC.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Status is the lifecycle state of a decision record.
type Status string

const (
	// StatusPending means the decision is blocking its run.
	StatusPending Status = "pending"

	// StatusApproved means an option was selected. Terminal.
	StatusApproved Status = "approved"

	// StatusRejected means the decision was dismissed without selecting an
	// option. Terminal.
	StatusRejected Status = "rejected"
)

// Terminal reports whether the decision can no longer be resolved.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Option is one choice offered to the approver.
type Option struct {
	// ID identifies the option within its record.
	ID string `json:"id"`

	// Label is the short display text.
	Label string `json:"label"`

	// Description elaborates on what choosing this option means.
	Description string `json:"description,omitempty"`

	// Confidence is the proposing agent's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Rationale explains why the agent proposed this option.
	Rationale string `json:"rationale,omitempty"`

	// Payload carries what to do if this option is chosen. Opaque to the
	// protocol; interpreted by the originating node's agent on approval.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Record is a question posed to an external approver.
type Record struct {
	// ID uniquely identifies the decision.
	ID string `json:"id"`

	// ProjectID and NodeID locate the run and node awaiting this decision.
	ProjectID string `json:"project_id"`
	NodeID    string `json:"node_id"`

	// Question is the text shown to the approver.
	Question string `json:"question"`

	// Options is the ordered list of choices.
	Options []Option `json:"options"`

	// Status is pending until resolved; resolution is terminal.
	Status Status `json:"status"`

	// SelectedOptionID is set on approval.
	SelectedOptionID string `json:"selected_option_id,omitempty"`

	// CreatedAt and ResolvedAt are Unix milliseconds UTC.
	CreatedAt  int64 `json:"created_at"`
	ResolvedAt int64 `json:"resolved_at,omitempty"`
}

// OptionByID returns the option with the given id.
func (r *Record) OptionByID(id string) (*Option, bool) {
	for i := range r.Options {
		if r.Options[i].ID == id {
			return &r.Options[i], true
		}
	}
	return nil, false
}
