// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow loads and validates declarative workflow graphs.
//
// A workflow is a DAG of named steps. Each step delegates to an agent by id
// and declares the steps it depends on. Graphs are parsed from YAML, checked
// for structural defects (cycles, dangling dependencies, duplicate ids), and
// are immutable after load. A graph that fails validation is never returned
// to callers, so the scheduler only ever sees well-formed graphs.
//
// Thread Safety:
//
//	Graph and Node are read-only after Load and safe to share across
//	goroutines.
package workflow

import "time"

// RetryPolicy bounds retries for one node.
//
// MaxAttempts is the number of retries after the first attempt, so a policy
// of n allows n+1 agent invocations in total. The backoff before retry k is
// BaseBackoff × 2^(k-1).
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=0"`
	BaseBackoff time.Duration `yaml:"base_backoff" validate:"gte=0"`
}

// Node is one step in a workflow graph. Immutable after load.
type Node struct {
	// ID uniquely identifies the node within its graph.
	ID string `yaml:"id" validate:"required"`

	// Name is the display label. Defaults to ID when empty.
	Name string `yaml:"name"`

	// AgentID names the delegate agent that does this node's work.
	AgentID string `yaml:"agent" validate:"required"`

	// DependsOn lists node ids that must complete before this node runs.
	DependsOn []string `yaml:"depends_on"`

	// RequiresApproval marks a node whose agent poses a decision that
	// suspends the run until an external approver picks an option.
	RequiresApproval bool `yaml:"requires_approval"`

	// Retry bounds retries on agent failure.
	Retry RetryPolicy `yaml:"retry"`

	// QualityCheck runs the advisory quality checker on the node's output.
	QualityCheck bool `yaml:"quality_check"`

	// ReviewCheck runs the advisory consistency/review checker.
	ReviewCheck bool `yaml:"review_check"`
}

// Graph is a named, ordered collection of nodes. Immutable after load.
type Graph struct {
	Name     string            `yaml:"name" validate:"required"`
	Version  string            `yaml:"version"`
	Metadata map[string]string `yaml:"metadata"`
	Nodes    []Node            `yaml:"nodes" validate:"required,min=1,dive"`

	// byID indexes nodes for lookup; populated by Load.
	byID map[string]*Node
}

// NodeByID returns the node with the given id.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int {
	return len(g.Nodes)
}

// index rebuilds the id lookup map. Called once by Load.
func (g *Graph) index() {
	g.byID = make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		g.byID[g.Nodes[i].ID] = &g.Nodes[i]
	}
}

// ValidationResult accumulates every structural defect found in a graph.
type ValidationResult struct {
	Valid  bool
	Errors []error
}

// ErrorStrings returns the defect list as messages, for API responses.
func (r *ValidationResult) ErrorStrings() []string {
	out := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		out[i] = err.Error()
	}
	return out
}
