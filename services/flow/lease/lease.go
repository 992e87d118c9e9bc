// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lease serializes run execution per project.
//
// A run holds its project's lease for the duration of a scheduling pass.
// Leases carry a TTL so a goroutine that dies without releasing (panic
// swallowed upstream, process-internal bug) cannot wedge the project
// forever: the next Acquire past the deadline steals the expired lease.
package lease

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLeaseHeld is returned when the project's lease is held and unexpired.
var ErrLeaseHeld = errors.New("lease: project lease already held")

// entry is one live lease.
type entry struct {
	holder    string
	expiresAt time.Time
}

// Manager hands out per-project leases.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	defaultTTL time.Duration

	mu     sync.Mutex
	leases map[string]*entry

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a lease manager. A zero ttl defaults to one hour.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		defaultTTL: ttl,
		leases:     make(map[string]*entry),
		now:        time.Now,
	}
}

// Acquire takes the project's lease for the named holder.
//
// Outputs:
//
//	error - ErrLeaseHeld (wrapped with the current holder) if another
//	        holder's lease has not expired.
func (m *Manager) Acquire(projectID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[projectID]; ok && m.now().Before(cur.expiresAt) {
		return fmt.Errorf("%w: project %s held by %s", ErrLeaseHeld, projectID, cur.holder)
	}

	m.leases[projectID] = &entry{
		holder:    holder,
		expiresAt: m.now().Add(m.defaultTTL),
	}
	return nil
}

// Release frees the project's lease if the named holder owns it. Releasing
// a lease you do not hold is a no-op, so a stale releaser cannot free a
// lease that was stolen after expiry.
func (m *Manager) Release(projectID, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[projectID]; ok && cur.holder == holder {
		delete(m.leases, projectID)
	}
}

// Holder returns the current unexpired holder of the project's lease.
func (m *Manager) Holder(projectID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[projectID]
	if !ok || !m.now().Before(cur.expiresAt) {
		return "", false
	}
	return cur.holder, true
}
