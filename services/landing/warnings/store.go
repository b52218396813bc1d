// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package warnings stores diff warnings filed by external analysis
// clients (lint bots, static analysis, code review tooling) against a
// specific revision and diff.
//
// Warnings are archived rather than deleted so a warning that was
// acknowledged and landed past remains auditable.
package warnings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/autoland/autoland/services/landing/assessment"
	"github.com/autoland/autoland/services/landing/storage/badger"
)

// Status filters warnings in queries.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
)

// Group is the client-assigned warning category.
type Group string

const (
	GroupGeneral Group = "GENERAL"
	GroupLint    Group = "LINT"
)

// Valid reports whether g is a known group.
func (g Group) Valid() bool {
	return g == GroupGeneral || g == GroupLint
}

// ErrNotFound is returned when no warning exists for the given id.
var ErrNotFound = errors.New("diff warning not found")

// DiffWarning is one finding filed against a (revision, diff) pair. Data
// is client-defined; the only required key is "message".
type DiffWarning struct {
	ID         int64                  `json:"id"`
	RevisionID int                    `json:"revision_id"`
	DiffID     int                    `json:"diff_id"`
	Group      Group                  `json:"group"`
	Status     Status                 `json:"status"`
	Data       map[string]interface{} `json:"data"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Message returns the warning's message text.
func (w *DiffWarning) Message() string {
	msg, _ := w.Data["message"].(string)
	return msg
}

// Validate checks the shape a client submission must have.
func (w *DiffWarning) Validate() error {
	if w.RevisionID <= 0 || w.DiffID <= 0 {
		return errors.New("revision_id and diff_id are required")
	}
	if !w.Group.Valid() {
		return fmt.Errorf("unknown warning group %q", w.Group)
	}
	if _, ok := w.Data["message"].(string); !ok {
		return errors.New("missing required 'message' key in data")
	}
	return nil
}

const keyPrefix = "diffwarning/"

func key(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, id))
}

// Store persists diff warnings in BadgerDB.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	now func() time.Time
}

// NewStore opens the warning store on db.
func NewStore(db *badger.DB) (*Store, error) {
	seq, err := db.Sequence("diff_warnings", 64)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, seq: seq, now: time.Now}, nil
}

// Close releases the id sequence.
func (s *Store) Close() error {
	return s.seq.Release()
}

// Create files a new active warning and assigns its id.
func (s *Store) Create(ctx context.Context, w *DiffWarning) error {
	if err := w.Validate(); err != nil {
		return err
	}
	id, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("allocating warning id: %w", err)
	}
	w.ID = id
	w.Status = StatusActive
	w.CreatedAt = s.now().UTC()

	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return write(txn, w)
	})
}

// Archive marks the warning archived. Archived warnings no longer appear
// in queries or assessments but remain stored.
func (s *Store) Archive(ctx context.Context, id int64) (*DiffWarning, error) {
	var w *DiffWarning
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		w, err = read(txn, id)
		if err != nil {
			return err
		}
		w.Status = StatusArchived
		return write(txn, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Query returns active warnings for the given revision, diff and group.
func (s *Store) Query(ctx context.Context, revisionID, diffID int, group Group) ([]*DiffWarning, error) {
	return s.list(ctx, func(w *DiffWarning) bool {
		return w.Status == StatusActive &&
			w.RevisionID == revisionID &&
			w.DiffID == diffID &&
			w.Group == group
	})
}

// OpenWarnings implements assessment.DiffWarningSource: all active
// warnings for the given revision and diff, regardless of group. A
// warning filed against a superseded diff stays stored but no longer
// surfaces.
func (s *Store) OpenWarnings(ctx context.Context, revisionID, diffID int) ([]assessment.StoredWarning, error) {
	found, err := s.list(ctx, func(w *DiffWarning) bool {
		return w.Status == StatusActive && w.RevisionID == revisionID && w.DiffID == diffID
	})
	if err != nil {
		return nil, err
	}
	out := make([]assessment.StoredWarning, len(found))
	for i, w := range found {
		out[i] = assessment.StoredWarning{Group: string(w.Group), Message: w.Message()}
	}
	return out, nil
}

func (s *Store) list(ctx context.Context, keep func(*DiffWarning) bool) ([]*DiffWarning, error) {
	var out []*DiffWarning
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var w DiffWarning
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &w)
			})
			if err != nil {
				return err
			}
			if keep(&w) {
				out = append(out, &w)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func read(txn *badgerdb.Txn, id int64) (*DiffWarning, error) {
	item, err := txn.Get(key(id))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var w DiffWarning
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &w) }); err != nil {
		return nil, err
	}
	return &w, nil
}

func write(txn *badgerdb.Txn, w *DiffWarning) error {
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return txn.Set(key(w.ID), b)
}
