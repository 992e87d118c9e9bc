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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that processes events.
type Handler func(event *Event)

// Filter is a function that determines if an event should be handled.
type Filter func(event *Event) bool

// subscription pairs a handler with its type/filter constraints.
type subscription struct {
	handler Handler
	filter  Filter
	types   map[Type]bool
}

// Emitter broadcasts run events to subscribers.
//
// Description:
//
//	Handlers run synchronously on the emitting goroutine, in subscription
//	order. Handlers must be fast and must not call back into the emitter's
//	own run; subscribers doing real work (persistence, upload) should
//	buffer internally.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
}

// NewEmitter creates a new event emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		subscriptions: make(map[string]*subscription),
	}
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function called for each matching event.
//	types - Event types to subscribe to. Empty means all types.
//
// Outputs:
//
//	string - Subscription id for Unsubscribe.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeWithFilter registers a handler with a custom filter. A nil
// filter matches every event.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	id := uuid.NewString()

	sub := &subscription{handler: handler, filter: filter}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	e.mu.Lock()
	e.subscriptions[id] = sub
	e.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (e *Emitter) Unsubscribe(id string) {
	e.mu.Lock()
	delete(e.subscriptions, id)
	e.mu.Unlock()
}

// Emit fills in ID and Timestamp if unset and delivers the event to every
// matching subscriber.
func (e *Emitter) Emit(event *Event) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	e.mu.RLock()
	subs := make([]*subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		sub.handler(event)
	}
}

// LogHandler returns a handler that mirrors events into a structured log.
func LogHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(event *Event) {
		logger.Info("run event",
			slog.String("type", string(event.Type)),
			slog.String("project_id", event.ProjectID),
			slog.String("node", event.NodeID),
			slog.String("summary", event.Summary),
		)
	}
}
