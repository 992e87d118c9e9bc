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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrGraphParse indicates the workflow definition could not be parsed.
	ErrGraphParse = errors.New("workflow: parse error")

	// ErrGraphInvalid indicates the workflow failed structural validation.
	ErrGraphInvalid = errors.New("workflow: invalid graph")

	// ErrDuplicateNode indicates two nodes share the same id.
	ErrDuplicateNode = errors.New("workflow: duplicate node id")

	// ErrNodeNotFound indicates a lookup for an unknown node id.
	ErrNodeNotFound = errors.New("workflow: node not found")
)

// CycleError reports a dependency cycle found during validation.
type CycleError struct {
	// Path is the cycle as a node id sequence; the first id repeats at the end.
	Path []string
}

// Error returns the cycle as "a -> b -> a".
func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow: dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// Is reports whether target is ErrGraphInvalid, so callers can match the
// whole validation family with errors.Is.
func (e *CycleError) Is(target error) bool {
	return target == ErrGraphInvalid
}

// DanglingDependencyError reports a dependency id that names no node in the
// graph.
type DanglingDependencyError struct {
	NodeID     string
	Dependency string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("workflow: node %q depends on unknown node %q", e.NodeID, e.Dependency)
}

func (e *DanglingDependencyError) Is(target error) bool {
	return target == ErrGraphInvalid
}
