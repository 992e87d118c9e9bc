// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"testing"

	"github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

func TestEmitter_SubscribeAndEmit(t *testing.T) {
	e := NewEmitter()

	var got []*Event
	e.Subscribe(func(ev *Event) { got = append(got, ev) })

	e.Emit(&Event{Type: TypeNodeStarted, ProjectID: "p1", NodeID: "a"})
	e.Emit(&Event{Type: TypeNodeCompleted, ProjectID: "p1", NodeID: "a"})

	if len(got) != 2 {
		t.Fatalf("handler saw %d events, want 2", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp == 0 {
		t.Error("Emit must fill in ID and Timestamp")
	}
}

func TestEmitter_TypeFilter(t *testing.T) {
	e := NewEmitter()

	var failures int
	e.Subscribe(func(ev *Event) { failures++ }, TypeNodeFailed)

	e.Emit(&Event{Type: TypeNodeStarted, ProjectID: "p1"})
	e.Emit(&Event{Type: TypeNodeFailed, ProjectID: "p1"})
	e.Emit(&Event{Type: TypeNodeCompleted, ProjectID: "p1"})

	if failures != 1 {
		t.Errorf("typed handler saw %d events, want 1", failures)
	}
}

func TestEmitter_CustomFilter(t *testing.T) {
	e := NewEmitter()

	var seen int
	e.SubscribeWithFilter(
		func(ev *Event) { seen++ },
		func(ev *Event) bool { return ev.ProjectID == "p2" },
	)

	e.Emit(&Event{Type: TypeNodeStarted, ProjectID: "p1"})
	e.Emit(&Event{Type: TypeNodeStarted, ProjectID: "p2"})

	if seen != 1 {
		t.Errorf("filtered handler saw %d events, want 1", seen)
	}
}

func TestEmitter_Unsubscribe(t *testing.T) {
	e := NewEmitter()

	var seen int
	id := e.Subscribe(func(ev *Event) { seen++ })

	e.Emit(&Event{Type: TypeNodeStarted, ProjectID: "p1"})
	e.Unsubscribe(id)
	e.Emit(&Event{Type: TypeNodeStarted, ProjectID: "p1"})

	if seen != 1 {
		t.Errorf("handler saw %d events after unsubscribe, want 1", seen)
	}
}

func TestAuditLog_AppendAndList(t *testing.T) {
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	audit, err := NewAuditLog(db, nil)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}

	e := NewEmitter()
	e.Subscribe(audit.Handler())

	e.Emit(&Event{Type: TypeRunStarted, ProjectID: "p1", Summary: "run started"})
	e.Emit(&Event{Type: TypeNodeStarted, ProjectID: "p1", NodeID: "a", Summary: "node a"})
	e.Emit(&Event{Type: TypeRunStarted, ProjectID: "p2", Summary: "other project"})

	got, err := audit.List(context.Background(), "p1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List = %d events, want 2", len(got))
	}
	if got[0].Type != TypeRunStarted || got[1].Type != TypeNodeStarted {
		t.Errorf("append order not preserved: %v, %v", got[0].Type, got[1].Type)
	}
}
