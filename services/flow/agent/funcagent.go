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
	"encoding/json"
	"fmt"
)

// FuncAgent wraps functions as an Agent for simple delegates and tests.
//
// Example:
//
//	a := agent.NewFuncAgent("ingest-agent", func(ctx context.Context, in agent.Input) (*agent.Result, error) {
//	    return &agent.Result{Success: true, Data: map[string]any{"docs": 3}}, nil
//	})
type FuncAgent struct {
	id       string
	execute  func(context.Context, Input) (*Result, error)
	complete func(context.Context, Input, json.RawMessage) (*Result, error)
}

// NewFuncAgent creates an agent from an execute function.
func NewFuncAgent(id string, execute func(context.Context, Input) (*Result, error)) *FuncAgent {
	return &FuncAgent{id: id, execute: execute}
}

// WithCompletion sets the decision-completion function for approval nodes.
func (a *FuncAgent) WithCompletion(complete func(context.Context, Input, json.RawMessage) (*Result, error)) *FuncAgent {
	a.complete = complete
	return a
}

// ID returns the agent's registry key.
func (a *FuncAgent) ID() string {
	return a.id
}

// Execute runs the wrapped function.
func (a *FuncAgent) Execute(ctx context.Context, input Input) (*Result, error) {
	if a.execute == nil {
		return nil, fmt.Errorf("agent %s: no execute function", a.id)
	}
	return a.execute(ctx, input)
}

// CompleteDecision runs the wrapped completion function.
func (a *FuncAgent) CompleteDecision(ctx context.Context, input Input, payload json.RawMessage) (*Result, error) {
	if a.complete == nil {
		return nil, fmt.Errorf("agent %s: no completion function", a.id)
	}
	return a.complete(ctx, input, payload)
}
