// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs holds the landing job record, its finite state machine and
// the durable store backing both.
//
// A job is created on submission and never deleted; terminal jobs remain
// as the audit record of what landed where. All state transitions go
// through the store so the legal-edge check and the timestamp bump cannot
// be bypassed.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a landing job.
type Status string

const (
	// StatusSubmitted is the initial state: accepted, waiting for a worker.
	StatusSubmitted Status = "SUBMITTED"

	// StatusInProgress means a worker holds the job and is landing it.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusDeferred means the worker gave the job back, typically because
	// the tree closed or infrastructure was briefly unavailable. The job
	// returns to the queue and will be picked up again.
	StatusDeferred Status = "DEFERRED"

	// StatusLanded is terminal: every patch applied and was pushed.
	StatusLanded Status = "LANDED"

	// StatusFailed is terminal: the landing could not complete.
	StatusFailed Status = "FAILED"

	// StatusCancelled is terminal: the requester withdrew the job before a
	// worker finished it.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned for a state change along an edge the
// state machine does not allow.
var ErrInvalidTransition = errors.New("invalid landing job state transition")

var transitions = map[Status]map[Status]bool{
	StatusSubmitted:  {StatusInProgress: true, StatusCancelled: true},
	StatusInProgress: {StatusLanded: true, StatusFailed: true, StatusDeferred: true},
	StatusDeferred:   {StatusInProgress: true, StatusCancelled: true},
}

// CanTransition reports whether the edge s -> to is legal.
func (s Status) CanTransition(to Status) bool {
	return transitions[s][to]
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusLanded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the job still occupies the queue: submitted,
// deferred or currently being landed.
func (s Status) Active() bool {
	switch s {
	case StatusSubmitted, StatusInProgress, StatusDeferred:
		return true
	}
	return false
}

// PathEntry pins one revision of the landing path to the diff that was
// assessed for it.
type PathEntry struct {
	RevisionID int `json:"revision_id"`
	DiffID     int `json:"diff_id"`
}

// ConflictBreakdown is the structured report for a patch that failed to
// apply. It is mandatory for partial landing failures so the requester
// knows exactly which files rejected and can resubmit a narrower path.
type ConflictBreakdown struct {
	RevisionID  int      `json:"revision_id"`
	FailedPaths []string `json:"failed_paths"`
	RejectPaths []string `json:"reject_paths"`
}

// Job is the durable record of one landing request.
type Job struct {
	ID     int64  `json:"id"`
	Status Status `json:"status"`

	// Path is the requested landing path, most ancestral revision first.
	Path []PathEntry `json:"path"`

	RequesterEmail string `json:"requester_email"`
	RepositoryName string `json:"repository_name"`
	RepositoryURL  string `json:"repository_url"`

	// LandedCommitID identifies the most descendant commit created by
	// this landing. Set only on LANDED.
	LandedCommitID string `json:"landed_commit_id,omitempty"`

	// Error describes what went wrong when Status is not LANDED.
	Error string `json:"error,omitempty"`

	// Breakdown is set when the failure was a patch conflict.
	Breakdown *ConflictBreakdown `json:"breakdown,omitempty"`

	// BugIDs ties the job to the bugs of its revisions at creation time.
	BugIDs []string `json:"bug_ids,omitempty"`

	// CancelRequested queues a cancellation for a job a worker already
	// owns. The worker honors it at the next safe boundary between
	// patch applications.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Attempts counts how many times a worker has started landing this
	// job. Deferrals waiting on a closed tree do not count.
	Attempts int `json:"attempts"`

	// Priority orders the queue; higher values land first.
	Priority int `json:"priority"`

	// ConfirmationToken records what the requester acknowledged.
	ConfirmationToken string `json:"confirmation_token,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RevisionIDs returns the numeric revision ids of the path in order.
func (j *Job) RevisionIDs() []int {
	ids := make([]int, len(j.Path))
	for i, entry := range j.Path {
		ids[i] = entry.RevisionID
	}
	return ids
}

// HeadRevisionID returns the numeric id of the most descendant revision.
func (j *Job) HeadRevisionID() int {
	return j.Path[len(j.Path)-1].RevisionID
}

// DiffIDFor returns the diff id recorded for revisionID and whether the
// revision is part of the path.
func (j *Job) DiffIDFor(revisionID int) (int, bool) {
	for _, entry := range j.Path {
		if entry.RevisionID == revisionID {
			return entry.DiffID, true
		}
	}
	return 0, false
}

// Validate checks the invariants a job must satisfy before it is stored.
func (j *Job) Validate() error {
	if len(j.Path) == 0 {
		return errors.New("job path must not be empty")
	}
	for _, entry := range j.Path {
		if entry.RevisionID <= 0 || entry.DiffID <= 0 {
			return fmt.Errorf("invalid path entry %+v", entry)
		}
	}
	if j.RequesterEmail == "" {
		return errors.New("requester email is required")
	}
	if j.RepositoryName == "" {
		return errors.New("repository name is required")
	}
	return nil
}
