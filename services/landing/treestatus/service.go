// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package treestatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/autoland/autoland/services/landing/storage/badger"
)

// Sentinel errors surfaced by the service.
var (
	ErrTreeNotFound   = errors.New("tree not found")
	ErrTreeExists     = errors.New("tree already exists")
	ErrLogNotFound    = errors.New("tree log entry not found")
	ErrChangeNotFound = errors.New("status change not found")

	// ErrTagsRequired is returned for a closure without tags; closures are
	// audited by category so an untagged closure is a validation error.
	ErrTagsRequired = errors.New("tags are required when closing a tree")

	// ErrRememberNeedsFields is returned when remember is requested
	// without the full status, reason and tags triple.
	ErrRememberNeedsFields = errors.New("must specify status, reason and tags to remember the change")
)

const (
	treeKeyPrefix   = "tree/"
	logKeyPrefix    = "treelog/"
	changeKeyPrefix = "change/"
)

func treeKey(name string) []byte {
	return []byte(treeKeyPrefix + name)
}

func logKey(tree string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", logKeyPrefix, tree, id))
}

func changeKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", changeKeyPrefix, id))
}

// Service owns all tree status state: current trees, the append-only log
// and the undo stack.
type Service struct {
	db        *badger.DB
	logSeq    *badger.Sequence
	changeSeq *badger.Sequence
	now       func() time.Time
}

// NewService opens the tree status service on db.
func NewService(db *badger.DB) (*Service, error) {
	logSeq, err := db.Sequence("tree_logs", 64)
	if err != nil {
		return nil, err
	}
	changeSeq, err := db.Sequence("status_changes", 16)
	if err != nil {
		logSeq.Release()
		return nil, err
	}
	return &Service{db: db, logSeq: logSeq, changeSeq: changeSeq, now: time.Now}, nil
}

// Close releases the id sequences.
func (s *Service) Close() error {
	err := s.logSeq.Release()
	if cerr := s.changeSeq.Release(); err == nil {
		err = cerr
	}
	return err
}

// MakeTree creates a new tree. Returns ErrTreeExists if the name is taken.
func (s *Service) MakeTree(ctx context.Context, tree *Tree) error {
	if tree.Name == "" {
		return errors.New("tree name is required")
	}
	if !tree.Status.Valid() {
		return fmt.Errorf("invalid tree status %q", tree.Status)
	}
	if tree.Category == "" {
		tree.Category = CategoryOther
	}
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		_, err := txn.Get(treeKey(tree.Name))
		if err == nil {
			return fmt.Errorf("%w: %s", ErrTreeExists, tree.Name)
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		return writeJSON(txn, treeKey(tree.Name), tree)
	})
}

// GetTree returns the tree combined with its latest log entry.
func (s *Service) GetTree(ctx context.Context, name string) (*TreeState, error) {
	var state *TreeState
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		state, err = readTreeState(txn, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ListTrees returns all trees combined with their latest log entries.
func (s *Service) ListTrees(ctx context.Context) ([]*TreeState, error) {
	var names []string
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(treeKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(treeKeyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*TreeState, 0, len(names))
	err = s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		for _, name := range names {
			state, err := readTreeState(txn, name)
			if err != nil {
				return err
			}
			out = append(out, state)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTree removes a tree entirely. Its log entries are kept; the log
// is append-only even past a tree's lifetime.
func (s *Service) DeleteTree(ctx context.Context, name string) error {
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		_, err := txn.Get(treeKey(name))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrTreeNotFound, name)
		}
		if err != nil {
			return err
		}
		return txn.Delete(treeKey(name))
	})
}

// IsOpen reports whether the named tree accepts landings. Trees unknown
// to the gate are treated as open; only explicitly managed trees are
// gated.
func (s *Service) IsOpen(ctx context.Context, name string) (bool, error) {
	state, err := s.GetTree(ctx, name)
	if errors.Is(err, ErrTreeNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return state.Status.IsOpen(), nil
}

// UpdateRequest describes a status update across one or more trees. Nil
// optional fields leave the corresponding tree field untouched.
type UpdateRequest struct {
	Trees           []string
	Status          *Status
	Reason          *string
	Tags            []string
	MessageOfTheDay *string
	Remember        bool
	ChangedBy       string
}

func (r *UpdateRequest) validate() error {
	if len(r.Trees) == 0 {
		return errors.New("at least one tree is required")
	}
	if r.Status != nil && !r.Status.Valid() {
		return fmt.Errorf("invalid tree status %q", *r.Status)
	}
	if r.Status != nil && *r.Status == StatusClosed && len(r.Tags) == 0 {
		return ErrTagsRequired
	}
	if r.Remember && (r.Status == nil || r.Reason == nil || len(r.Tags) == 0) {
		return ErrRememberNeedsFields
	}
	return nil
}

// UpdateTrees applies a status update to the named trees, appending a log
// entry per tree when status or reason changes. With Remember set, the
// prior state of every tree is pushed onto the undo stack first.
func (s *Service) UpdateTrees(ctx context.Context, req UpdateRequest) ([]*TreeState, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var updated []*TreeState
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		updated = updated[:0]

		old := make(map[string]*TreeState, len(req.Trees))
		for _, name := range req.Trees {
			state, err := readTreeState(txn, name)
			if err != nil {
				return err
			}
			old[name] = state
		}

		for _, name := range req.Trees {
			state, err := s.applyUpdate(txn, old[name], &req)
			if err != nil {
				return err
			}
			updated = append(updated, state)
		}

		if !req.Remember {
			return nil
		}

		id, err := s.changeSeq.Next()
		if err != nil {
			return fmt.Errorf("allocating change id: %w", err)
		}
		change := &StateChange{
			ID:        id,
			ChangedBy: req.ChangedBy,
			Reason:    *req.Reason,
			Status:    *req.Status,
			CreatedAt: s.now().UTC(),
		}
		for _, state := range updated {
			prior := old[state.Name]
			change.Trees = append(change.Trees, ChangeTree{
				Tree: state.Name,
				LastState: LastState{
					Status:        prior.Status,
					Reason:        prior.Reason,
					Tags:          prior.Tags,
					LogID:         prior.LogID,
					CurrentStatus: state.Status,
					CurrentReason: state.Reason,
					CurrentTags:   state.Tags,
					CurrentLogID:  state.LogID,
				},
			})
		}
		return writeJSON(txn, changeKey(id), change)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// applyUpdate mutates one tree within txn and returns its new state.
func (s *Service) applyUpdate(txn *badgerdb.Txn, prior *TreeState, req *UpdateRequest) (*TreeState, error) {
	tree := prior.Tree
	if req.Status != nil {
		tree.Status = *req.Status
	}
	if req.Reason != nil {
		tree.Reason = *req.Reason
	}
	if req.MessageOfTheDay != nil {
		tree.MessageOfTheDay = *req.MessageOfTheDay
	}
	if err := writeJSON(txn, treeKey(tree.Name), &tree); err != nil {
		return nil, err
	}

	state := &TreeState{Tree: tree, Tags: prior.Tags, LogID: prior.LogID}

	// Status or reason changes are logged; a bare message-of-the-day
	// update is not.
	if req.Status != nil || req.Reason != nil {
		id, err := s.logSeq.Next()
		if err != nil {
			return nil, fmt.Errorf("allocating log id: %w", err)
		}
		entry := &LogEntry{
			ID:        id,
			Tree:      tree.Name,
			ChangedBy: req.ChangedBy,
			Status:    tree.Status,
			Reason:    tree.Reason,
			Tags:      req.Tags,
			CreatedAt: s.now().UTC(),
		}
		if err := writeJSON(txn, logKey(tree.Name, id), entry); err != nil {
			return nil, err
		}
		state.Tags = entry.Tags
		state.LogID = entry.ID
	}
	return state, nil
}

// Logs returns the tree's log entries newest first. limit <= 0 returns
// all of them.
func (s *Service) Logs(ctx context.Context, tree string, limit int) ([]*LogEntry, error) {
	var out []*LogEntry
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(treeKey(tree)); errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrTreeNotFound, tree)
		} else if err != nil {
			return err
		}

		prefix := []byte(logKeyPrefix + tree + "/")
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode seek past the end of the prefix range first.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var entry LogEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}
			out = append(out, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateLog patches the reason and/or tags of a log entry and mirrors the
// edit into any undo-stack entries that captured this log as their
// current state.
func (s *Service) UpdateLog(ctx context.Context, id int64, reason *string, tags []string) error {
	if reason == nil && tags == nil {
		return nil
	}
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		entry, err := findLog(txn, id)
		if err != nil {
			return err
		}
		if reason != nil {
			entry.Reason = *reason
		}
		if tags != nil {
			entry.Tags = tags
		}
		if err := writeJSON(txn, logKey(entry.Tree, entry.ID), entry); err != nil {
			return err
		}

		return forEachChange(txn, func(change *StateChange) (bool, error) {
			dirty := false
			for i := range change.Trees {
				ls := &change.Trees[i].LastState
				if ls.CurrentLogID != id {
					continue
				}
				if reason != nil {
					ls.CurrentReason = *reason
				}
				if tags != nil {
					ls.CurrentTags = tags
				}
				dirty = true
			}
			return dirty, nil
		})
	})
}

// Stack returns the undo stack, newest change first.
func (s *Service) Stack(ctx context.Context) ([]*StateChange, error) {
	var out []*StateChange
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(changeKeyPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(changeKeyPrefix), 0xff)
		for it.Seek(seek); it.Valid(); it.Next() {
			var change StateChange
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &change)
			})
			if err != nil {
				return err
			}
			out = append(out, &change)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateChange patches the reason and/or tags recorded on an undo-stack
// entry, pushing the edit through to the log entries it references.
func (s *Service) UpdateChange(ctx context.Context, id int64, reason *string, tags []string) error {
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		change, err := readChange(txn, id)
		if err != nil {
			return err
		}
		for i := range change.Trees {
			ls := &change.Trees[i].LastState
			if tags != nil {
				ls.CurrentTags = tags
			}
			if reason != nil {
				ls.CurrentReason = *reason
			}
			entry, err := findLog(txn, ls.CurrentLogID)
			if errors.Is(err, ErrLogNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			entry.Reason = ls.CurrentReason
			entry.Tags = ls.CurrentTags
			if err := writeJSON(txn, logKey(entry.Tree, entry.ID), entry); err != nil {
				return err
			}
		}
		if reason != nil {
			change.Reason = *reason
		}
		return writeJSON(txn, changeKey(id), change)
	})
}

// DeleteChange removes an undo-stack entry. With revert set, each
// affected tree is first restored to the state captured when the change
// was made; trees deleted since are skipped.
func (s *Service) DeleteChange(ctx context.Context, id int64, revert bool) error {
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		change, err := readChange(txn, id)
		if err != nil {
			return err
		}

		if revert {
			for _, ct := range change.Trees {
				prior, err := readTreeState(txn, ct.Tree)
				if errors.Is(err, ErrTreeNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				status := ct.LastState.Status
				reason := ct.LastState.Reason
				req := &UpdateRequest{
					Trees:     []string{ct.Tree},
					Status:    &status,
					Reason:    &reason,
					Tags:      ct.LastState.Tags,
					ChangedBy: change.ChangedBy,
				}
				if _, err := s.applyUpdate(txn, prior, req); err != nil {
					return err
				}
			}
		}
		return txn.Delete(changeKey(id))
	})
}

func readTreeState(txn *badgerdb.Txn, name string) (*TreeState, error) {
	item, err := txn.Get(treeKey(name))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTreeNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	var tree Tree
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &tree) }); err != nil {
		return nil, err
	}

	state := &TreeState{Tree: tree, Tags: []string{}}

	// Latest log entry supplies tags and log id.
	prefix := []byte(logKeyPrefix + name + "/")
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()
	seek := append(append([]byte{}, prefix...), 0xff)
	it.Seek(seek)
	if it.Valid() {
		var entry LogEntry
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
			return nil, err
		}
		if entry.Tags != nil {
			state.Tags = entry.Tags
		}
		state.LogID = entry.ID
	}
	return state, nil
}

func readChange(txn *badgerdb.Txn, id int64) (*StateChange, error) {
	item, err := txn.Get(changeKey(id))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrChangeNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var change StateChange
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &change) }); err != nil {
		return nil, err
	}
	return &change, nil
}

// findLog scans for a log entry by id. Log keys are tree-scoped, so a
// lookup by bare id walks the log prefix.
func findLog(txn *badgerdb.Txn, id int64) (*LogEntry, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = []byte(logKeyPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var entry LogEntry
		err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &entry) })
		if err != nil {
			return nil, err
		}
		if entry.ID == id {
			return &entry, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrLogNotFound, id)
}

// forEachChange rewrites every change entry fn marks dirty.
func forEachChange(txn *badgerdb.Txn, fn func(*StateChange) (bool, error)) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = []byte(changeKeyPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var dirty []*StateChange
	for it.Rewind(); it.Valid(); it.Next() {
		var change StateChange
		err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &change) })
		if err != nil {
			return err
		}
		changed, err := fn(&change)
		if err != nil {
			return err
		}
		if changed {
			dirty = append(dirty, &change)
		}
	}
	for _, change := range dirty {
		if err := writeJSON(txn, changeKey(change.ID), change); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(txn *badgerdb.Txn, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}
