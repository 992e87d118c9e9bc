// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

var (
	// ErrStateExists is returned by Create when an active record exists.
	ErrStateExists = errors.New("state: execution state already exists")

	// ErrStateNotFound is returned when no record exists for the project.
	ErrStateNotFound = errors.New("state: execution state not found")
)

// keyPrefix namespaces execution state records in the shared database.
const keyPrefix = "flow/state/"

func stateKey(projectID string) []byte {
	return []byte(keyPrefix + projectID)
}

// Store persists ExecutionState records in BadgerDB.
//
// Description:
//
//	Store provides atomic read/update operations keyed by project id.
//	Update applies a mutation function inside a single read-write
//	transaction, so each update on a given project is linearized. The
//	single-active-run-loop-per-project guarantee is the scheduler's job,
//	not this store's.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// NewStore creates a state store backed by the given database.
func NewStore(db *badger.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("state: db must not be nil")
	}
	return &Store{db: db}, nil
}

// Create persists a fresh ExecutionState for the project.
//
// Description:
//
//	Writes a new record with Status running and empty node sets. Fails
//	with ErrStateExists if an active (running or paused) record exists;
//	a leftover terminal record is overwritten.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	projectID - Project key. Must not be empty.
//	sessionID - Logical run id for the audit trail. May be empty.
//
// Outputs:
//
//	*ExecutionState - The created record.
//	error - ErrStateExists or a storage error.
func (s *Store) Create(ctx context.Context, projectID, sessionID string) (*ExecutionState, error) {
	if projectID == "" {
		return nil, errors.New("state: projectID must not be empty")
	}

	now := nowMillis()
	st := &ExecutionState{
		ProjectID:        projectID,
		SessionID:        sessionID,
		CompletedNodes:   []string{},
		FailedNodes:      []string{},
		PendingDecisions: []string{},
		Status:           StatusRunning,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		existing, err := getInTxn(txn, projectID)
		if err != nil && !errors.Is(err, ErrStateNotFound) {
			return err
		}
		if existing != nil && existing.Status.Active() {
			return fmt.Errorf("%w: project %s is %s", ErrStateExists, projectID, existing.Status)
		}
		return putInTxn(txn, st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Get returns the ExecutionState for the project, or ErrStateNotFound.
func (s *Store) Get(ctx context.Context, projectID string) (*ExecutionState, error) {
	var st *ExecutionState
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		st, err = getInTxn(txn, projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Update applies a mutation to the stored record inside one transaction.
//
// Description:
//
//	Reads the record, calls mutate on it, refreshes UpdatedAt, and writes
//	it back. The whole read-modify-write cycle is one badger transaction:
//	racing updates on the same project are not merged field-by-field, one
//	of them wins the commit.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	projectID - Project key.
//	mutate - Mutation applied to the loaded record. Returning an error
//	         aborts the update without writing.
//
// Outputs:
//
//	*ExecutionState - The record as written.
//	error - ErrStateNotFound, the mutation's error, or a storage error.
func (s *Store) Update(ctx context.Context, projectID string, mutate func(*ExecutionState) error) (*ExecutionState, error) {
	var st *ExecutionState
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		st, err = getInTxn(txn, projectID)
		if err != nil {
			return err
		}
		if err := mutate(st); err != nil {
			return err
		}
		st.UpdatedAt = nowMillis()
		return putInTxn(txn, st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Delete hard-removes the record. Used only when discarding a terminal run
// to start fresh. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, projectID string) error {
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		err := txn.Delete(stateKey(projectID))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func getInTxn(txn *badgerdb.Txn, projectID string) (*ExecutionState, error) {
	item, err := txn.Get(stateKey(projectID))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: project %s", ErrStateNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", projectID, err)
	}

	var st ExecutionState
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &st)
	}); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", projectID, err)
	}
	return &st, nil
}

func putInTxn(txn *badgerdb.Txn, st *ExecutionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", st.ProjectID, err)
	}
	return txn.Set(stateKey(st.ProjectID), data)
}
