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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

const auditPrefix = "flow/audit/"

// AuditLog persists events append-only, keyed by project id and a
// monotonic sequence number.
//
// Description:
//
//	AuditLog is the durable side of the observability sink. Write failures
//	are logged and swallowed: the audit trail never participates in
//	control flow, so a broken disk must not fail a run.
//
// Thread Safety: safe for concurrent use.
type AuditLog struct {
	db     *badger.DB
	logger *slog.Logger
	seq    atomic.Uint64
}

// NewAuditLog creates an audit log backed by the given database.
func NewAuditLog(db *badger.DB, logger *slog.Logger) (*AuditLog, error) {
	if db == nil {
		return nil, errors.New("events: db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{db: db, logger: logger}, nil
}

// Handler returns an emitter handler that appends every event to the log.
func (a *AuditLog) Handler() Handler {
	return func(event *Event) {
		if err := a.Append(context.Background(), event); err != nil {
			a.logger.Warn("audit append failed",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Append writes one event to the log.
func (a *AuditLog) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return errors.New("events: nil event")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}

	// Timestamp first, sequence second: keys sort chronologically per
	// project and stay unique within one millisecond.
	key := fmt.Sprintf("%s%s/%013d-%08d", auditPrefix, event.ProjectID, event.Timestamp, a.seq.Add(1))

	return a.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// List returns the project's events in append order, newest last.
func (a *AuditLog) List(ctx context.Context, projectID string) ([]*Event, error) {
	var out []*Event
	err := a.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(auditPrefix + projectID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var ev Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return fmt.Errorf("events: decode %s: %w", it.Item().Key(), err)
			}
			e := ev
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
