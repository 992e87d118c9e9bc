// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// structValidator checks field-level constraints (required ids, non-negative
// retry bounds) before structural validation runs.
var structValidator = validator.New()

// Load parses a YAML workflow definition and validates it.
//
// Description:
//
//	Parses the definition, applies field-level validation, then runs full
//	structural validation (cycles, dangling dependencies, duplicates).
//	A graph is only returned when it passed every check, so callers can
//	hand the result straight to the scheduler.
//
// Inputs:
//
//	r - Reader for the YAML definition. Must not be nil.
//
// Outputs:
//
//	*Graph - The validated, immutable graph.
//	error - ErrGraphParse for malformed input; ErrGraphInvalid (wrapping the
//	        full defect list) for structural errors.
func Load(r io.Reader) (*Graph, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil reader", ErrGraphParse)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphParse, err)
	}

	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphParse, err)
	}

	if err := structValidator.Struct(&g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphParse, err)
	}

	for i := range g.Nodes {
		if g.Nodes[i].Name == "" {
			g.Nodes[i].Name = g.Nodes[i].ID
		}
	}
	g.index()

	if result := Validate(&g); !result.Valid {
		return nil, fmt.Errorf("%w: %d defect(s): %v", ErrGraphInvalid, len(result.Errors), result.ErrorStrings())
	}

	return &g, nil
}

// LoadFile loads and validates a workflow definition from a file.
func LoadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrGraphParse, path, err)
	}
	defer f.Close()
	return Load(f)
}

// Validate runs every structural check on the graph and accumulates all
// defects rather than failing fast, so a caller sees the complete list at
// once.
//
// Checks:
//
//	(a) duplicate node ids
//	(b) referential integrity - every dependency id names a node in the graph
//	(c) cycle detection via depth-first traversal with a recursion stack
//
// Outputs:
//
//	*ValidationResult - Valid is true iff no defect was found.
func Validate(g *Graph) *ValidationResult {
	result := &ValidationResult{Valid: true}

	seen := make(map[string]bool, len(g.Nodes))
	for i := range g.Nodes {
		id := g.Nodes[i].ID
		if seen[id] {
			result.Errors = append(result.Errors, fmt.Errorf("%w: %q", ErrDuplicateNode, id))
		}
		seen[id] = true
	}

	// Referential integrity. Dangling edges are excluded from the cycle
	// walk below so one defect is not reported twice.
	adj := make(map[string][]string, len(g.Nodes))
	for i := range g.Nodes {
		node := &g.Nodes[i]
		for _, dep := range node.DependsOn {
			if !seen[dep] {
				result.Errors = append(result.Errors, &DanglingDependencyError{
					NodeID:     node.ID,
					Dependency: dep,
				})
				continue
			}
			adj[node.ID] = append(adj[node.ID], dep)
		}
	}

	result.Errors = append(result.Errors, detectCycles(g, adj)...)

	result.Valid = len(result.Errors) == 0
	return result
}

// detectCycles walks the dependency edges depth-first with a recursion
// stack. Any node revisited while still on the stack closes a cycle. All
// distinct cycles are reported; nodes already proven acyclic are not
// revisited.
func detectCycles(g *Graph, adj map[string][]string) []error {
	visited := make(map[string]bool, len(g.Nodes))
	onStack := make(map[string]bool, len(g.Nodes))
	path := make([]string, 0, len(g.Nodes))

	var cycles []error

	var dfs func(id string)
	dfs = func(id string) {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range adj[id] {
			if !visited[dep] {
				dfs(dep)
			} else if onStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := make([]string, 0, len(path)-start+1)
				cycle = append(cycle, path[start:]...)
				cycle = append(cycle, dep)
				cycles = append(cycles, &CycleError{Path: cycle})
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
	}

	// Deterministic start order keeps reported cycle paths stable.
	ids := make([]string, 0, len(g.Nodes))
	for i := range g.Nodes {
		ids = append(ids, g.Nodes[i].ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !visited[id] {
			dfs(id)
		}
	}

	return cycles
}
