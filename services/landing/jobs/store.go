// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/autoland/autoland/services/landing/assessment"
	"github.com/autoland/autoland/services/landing/storage/badger"
)

// ErrNotFound is returned when no job exists for the given id.
var ErrNotFound = errors.New("landing job not found")

const jobKeyPrefix = "job/"

func jobKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", jobKeyPrefix, id))
}

// Store persists landing jobs in BadgerDB and owns every state change.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	now func() time.Time
}

// NewStore opens the job store on db.
func NewStore(db *badger.DB) (*Store, error) {
	seq, err := db.Sequence("landing_jobs", 64)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, seq: seq, now: time.Now}, nil
}

// Close releases the id sequence. The database itself belongs to the
// caller.
func (s *Store) Close() error {
	return s.seq.Release()
}

// Create assigns an id, stamps timestamps and writes the job in
// SUBMITTED state. The job's ID, Status, CreatedAt and UpdatedAt fields
// are overwritten.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	id, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("allocating job id: %w", err)
	}
	job.ID = id
	job.Status = StatusSubmitted
	job.CreatedAt = s.now().UTC()
	job.UpdatedAt = job.CreatedAt

	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return writeJob(txn, job)
	})
}

// Get returns the job with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	var job *Job
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		job, err = readJob(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Transition moves the job to the given status, applying mutate (which
// may be nil) to the record inside the same transaction. Returns
// ErrInvalidTransition when the edge is not legal, which is also how
// redelivered or already-finished jobs are rejected.
func (s *Store) Transition(ctx context.Context, id int64, to Status, mutate func(*Job)) (*Job, error) {
	var job *Job
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		job, err = readJob(txn, id)
		if err != nil {
			return err
		}
		if !job.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s for job %d",
				ErrInvalidTransition, job.Status, to, id)
		}
		job.Status = to
		if mutate != nil {
			mutate(job)
		}
		job.UpdatedAt = s.now().UTC()
		return writeJob(txn, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Save persists field changes that do not move the state machine, such
// as updated error text. The status on disk must match job.Status.
func (s *Store) Save(ctx context.Context, job *Job) error {
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		current, err := readJob(txn, job.ID)
		if err != nil {
			return err
		}
		if current.Status != job.Status {
			return fmt.Errorf("%w: job %d is %s on disk, not %s",
				ErrInvalidTransition, job.ID, current.Status, job.Status)
		}
		job.UpdatedAt = s.now().UTC()
		return writeJob(txn, job)
	})
}

// NextReady returns the head of each repository's queue, most urgent
// repository first, or nil when nothing is queued.
//
// Within a repository an IN_PROGRESS job is always the head so a
// worker restarting after a crash recovers what was owned before
// anything new starts. Otherwise SUBMITTED and DEFERRED jobs are
// ordered by priority (higher first) then creation time (older
// first). One head per repository keeps repositories independent: a
// worker that cannot claim one head, because another worker holds
// that repository's lease, moves on to the next repository instead of
// stalling the whole queue. When repositories is non-nil only jobs
// for those repositories are considered.
func (s *Store) NextReady(ctx context.Context, repositories map[string]bool) ([]*Job, error) {
	all, err := s.listWhere(ctx, func(j *Job) bool {
		if !j.Status.Active() {
			return false
		}
		return repositories == nil || repositories[j.RepositoryName]
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, k int) bool {
		a, b := all[i], all[k]
		aRunning := a.Status == StatusInProgress
		bRunning := b.Status == StatusInProgress
		if aRunning != bRunning {
			return aRunning
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var heads []*Job
	seen := make(map[string]bool)
	for _, j := range all {
		if seen[j.RepositoryName] {
			continue
		}
		seen[j.RepositoryName] = true
		heads = append(heads, j)
	}
	return heads, nil
}

// List returns every job, newest first. Intended for the jobs API; the
// store never deletes, so callers paginate with limit (0 means all).
func (s *Store) List(ctx context.Context, limit int) ([]*Job, error) {
	all, err := s.listWhere(ctx, func(*Job) bool { return true })
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, k int) bool { return all[i].ID > all[k].ID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Stats returns the number of jobs per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int)
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		return iterateJobs(txn, func(j *Job) error {
			counts[j.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// TouchingRevisions returns jobs whose path includes any of the given
// revision ids.
func (s *Store) TouchingRevisions(ctx context.Context, revisionIDs []int) ([]*Job, error) {
	want := make(map[int]bool, len(revisionIDs))
	for _, id := range revisionIDs {
		want[id] = true
	}
	return s.listWhere(ctx, func(j *Job) bool {
		for _, entry := range j.Path {
			if want[entry.RevisionID] {
				return true
			}
		}
		return false
	})
}

// HasActiveJob implements assessment.History.
func (s *Store) HasActiveJob(ctx context.Context, revisionIDs []int) (bool, error) {
	touching, err := s.TouchingRevisions(ctx, revisionIDs)
	if err != nil {
		return false, err
	}
	for _, j := range touching {
		if j.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

// LatestLanded implements assessment.History: the most recent LANDED job
// containing the revision, or nil when it never landed.
func (s *Store) LatestLanded(ctx context.Context, revisionID int) (*assessment.LandedRecord, error) {
	touching, err := s.TouchingRevisions(ctx, []int{revisionID})
	if err != nil {
		return nil, err
	}
	var latest *Job
	for _, j := range touching {
		if j.Status != StatusLanded {
			continue
		}
		if latest == nil || j.UpdatedAt.After(latest.UpdatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, nil
	}
	diffID, _ := latest.DiffIDFor(revisionID)
	return &assessment.LandedRecord{
		DiffID:        diffID,
		CommitID:      latest.LandedCommitID,
		RevisionCount: len(latest.Path),
	}, nil
}

func (s *Store) listWhere(ctx context.Context, keep func(*Job) bool) ([]*Job, error) {
	var out []*Job
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		return iterateJobs(txn, func(j *Job) error {
			if keep(j) {
				out = append(out, j)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func iterateJobs(txn *badgerdb.Txn, fn func(*Job) error) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = []byte(jobKeyPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var job Job
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
		if err != nil {
			return fmt.Errorf("decoding job %s: %w", it.Item().Key(), err)
		}
		if err := fn(&job); err != nil {
			return err
		}
	}
	return nil
}

func readJob(txn *badgerdb.Txn, id int64) (*Job, error) {
	item, err := txn.Get(jobKey(id))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var job Job
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding job %d: %w", id, err)
	}
	return &job, nil
}

func writeJob(txn *badgerdb.Txn, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %d: %w", job.ID, err)
	}
	return txn.Set(jobKey(job.ID), b)
}
