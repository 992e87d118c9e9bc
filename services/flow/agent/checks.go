// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"fmt"
	"strings"
)

// HeuristicChecker is a cheap, deterministic advisory checker.
//
// Description:
//
//	Flags empty artifacts, empty string fields, and text fields containing
//	unresolved template markers. It is intentionally shallow: the point of
//	advisory checks is to surface obvious defects in the audit trail, not
//	to gate the run.
type HeuristicChecker struct {
	name string
}

// NewHeuristicChecker creates a checker with the given display name.
func NewHeuristicChecker(name string) *HeuristicChecker {
	return &HeuristicChecker{name: name}
}

// Name identifies the checker in logs and events.
func (c *HeuristicChecker) Name() string {
	return c.name
}

// Check inspects the artifact. Never returns an error: a heuristic that
// cannot evaluate a field simply stays silent about it.
func (c *HeuristicChecker) Check(_ context.Context, artifact map[string]any) (*CheckResult, error) {
	result := &CheckResult{Pass: true}

	if len(artifact) == 0 {
		result.Pass = false
		result.Issues = append(result.Issues, "artifact is empty")
		return result, nil
	}

	for key, value := range artifact {
		text, ok := value.(string)
		if !ok {
			continue
		}
		if strings.TrimSpace(text) == "" {
			result.Pass = false
			result.Issues = append(result.Issues, fmt.Sprintf("field %q is blank", key))
		}
		if strings.Contains(text, "{{") || strings.Contains(text, "TODO") {
			result.Pass = false
			result.Issues = append(result.Issues, fmt.Sprintf("field %q contains unresolved placeholder text", key))
		}
	}

	return result, nil
}
