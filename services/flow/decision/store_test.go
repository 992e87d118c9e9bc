// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decision

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func sampleRecord(id string) *Record {
	return &Record{
		ID:        id,
		ProjectID: "proj-1",
		NodeID:    "strategy",
		Question:  "Which campaign angle?",
		Options: []Option{
			{ID: "opt1", Label: "Bold", Confidence: 0.7, Payload: json.RawMessage(`{"angle":"bold"}`)},
			{ID: "opt2", Label: "Safe", Confidence: 0.9, Payload: json.RawMessage(`{"angle":"safe"}`)},
		},
		Status:    StatusPending,
		CreatedAt: nowMillis(),
	}
}

func TestStore_PutAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, sampleRecord("d1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Question != "Which campaign angle?" || len(got.Options) != 2 {
		t.Errorf("Get = %+v", got)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrDecisionNotFound) {
		t.Fatalf("expected ErrDecisionNotFound, got: %v", err)
	}
}

func TestStore_Resolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, sampleRecord("d1"))

	resolved, err := store.Resolve(ctx, "d1", "opt2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != StatusApproved {
		t.Errorf("Status = %q, want approved", resolved.Status)
	}
	if resolved.SelectedOptionID != "opt2" {
		t.Errorf("SelectedOptionID = %q, want opt2", resolved.SelectedOptionID)
	}
	if resolved.ResolvedAt == 0 {
		t.Error("ResolvedAt not stamped")
	}

	// The resolution is durable.
	got, _ := store.Get(ctx, "d1")
	if got.Status != StatusApproved || got.SelectedOptionID != "opt2" {
		t.Errorf("persisted record = %+v", got)
	}
}

func TestStore_ResolveInvalidOption(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, sampleRecord("d1"))

	_, err := store.Resolve(ctx, "d1", "opt99")
	if !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got: %v", err)
	}

	// State unchanged after the rejected approval.
	got, _ := store.Get(ctx, "d1")
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestStore_ResolveTwiceFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, sampleRecord("d1"))

	if _, err := store.Resolve(ctx, "d1", "opt1"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}

	_, err := store.Resolve(ctx, "d1", "opt2")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got: %v", err)
	}

	// The first selection sticks.
	got, _ := store.Get(ctx, "d1")
	if got.SelectedOptionID != "opt1" {
		t.Errorf("SelectedOptionID = %q, want opt1", got.SelectedOptionID)
	}
}

func TestStore_ListPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, sampleRecord("d1"))
	store.Put(ctx, sampleRecord("d2"))

	other := sampleRecord("d3")
	other.ProjectID = "proj-2"
	store.Put(ctx, other)

	store.Resolve(ctx, "d2", "opt1")

	pending, err := store.ListPending(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "d1" {
		t.Errorf("ListPending = %+v, want only d1", pending)
	}
}
