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
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownAgent is returned when a node references an unregistered agent.
var ErrUnknownAgent = errors.New("agent: unknown agent")

// Registry maps agent ids to implementations.
//
// Description:
//
//	The registry is populated at startup from the binary's wiring and is
//	effectively read-only afterwards; Register during execution is legal
//	but unusual.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Re-registering an id replaces the previous
// implementation.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.ID() == "" {
		return errors.New("agent: agent with id required")
	}
	r.mu.Lock()
	r.agents[a.ID()] = a
	r.mu.Unlock()
	return nil
}

// Get returns the agent with the given id, or ErrUnknownAgent.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// IDs returns the registered agent ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
