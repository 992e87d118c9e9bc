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
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

var (
	// ErrDecisionNotFound is returned for lookups of unknown decision ids.
	ErrDecisionNotFound = errors.New("decision: not found")

	// ErrInvalidOption is returned when the selected option id names no
	// option of the record.
	ErrInvalidOption = errors.New("decision: invalid option")

	// ErrAlreadyResolved is returned when resolving a terminal record.
	// Re-approving must fail loudly rather than silently re-run the node.
	ErrAlreadyResolved = errors.New("decision: already resolved")
)

const keyPrefix = "flow/decision/"

func decisionKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// Store persists decision records in BadgerDB, keyed by decision id.
//
// Thread Safety: safe for concurrent use; Resolve is atomic.
type Store struct {
	db *badger.DB
}

// NewStore creates a decision store backed by the given database.
func NewStore(db *badger.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("decision: db must not be nil")
	}
	return &Store{db: db}, nil
}

// Put persists a new pending record. An existing record with the same id is
// overwritten; ids come from uuid so collisions mean a caller bug.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return errors.New("decision: record with id required")
	}
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return putInTxn(txn, rec)
	})
}

// Get returns the record with the given id, or ErrDecisionNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		rec, err = getInTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListPending returns all pending records for a project, in key order.
func (s *Store) ListPending(ctx context.Context, projectID string) ([]*Record, error) {
	var out []*Record
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decision: decode %s: %w", it.Item().Key(), err)
			}
			if rec.ProjectID == projectID && rec.Status == StatusPending {
				r := rec
				out = append(out, &r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve marks the record approved with the selected option.
//
// Description:
//
//	Atomically transitions pending → approved and stamps ResolvedAt.
//	The read, the checks, and the write happen in one transaction, so two
//	racing approvals cannot both succeed.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	id - Decision id.
//	optionID - Must name one of the record's options.
//
// Outputs:
//
//	*Record - The resolved record with SelectedOptionID set.
//	error - ErrDecisionNotFound, ErrInvalidOption, or ErrAlreadyResolved.
func (s *Store) Resolve(ctx context.Context, id, optionID string) (*Record, error) {
	var rec *Record
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		rec, err = getInTxn(txn, id)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: decision %s is %s", ErrAlreadyResolved, id, rec.Status)
		}
		if _, ok := rec.OptionByID(optionID); !ok {
			valid := make([]string, len(rec.Options))
			for i, opt := range rec.Options {
				valid[i] = opt.ID
			}
			return fmt.Errorf("%w: %q not in [%s]", ErrInvalidOption, optionID, strings.Join(valid, ", "))
		}

		rec.Status = StatusApproved
		rec.SelectedOptionID = optionID
		rec.ResolvedAt = nowMillis()
		return putInTxn(txn, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func getInTxn(txn *badgerdb.Txn, id string) (*Record, error) {
	item, err := txn.Get(decisionKey(id))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("decision: read %s: %w", id, err)
	}

	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decision: decode %s: %w", id, err)
	}
	return &rec, nil
}

func putInTxn(txn *badgerdb.Txn, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("decision: encode %s: %w", rec.ID, err)
	}
	return txn.Set(decisionKey(rec.ID), data)
}
