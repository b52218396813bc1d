// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the boundary value types for data owned by the
// external review tool.
//
// The review tool serves loosely-typed payloads; this package models them
// as strict value types so that missing or malformed required fields are
// rejected at the ingestion boundary instead of propagating untyped maps
// through the landing pipeline. All types here are short-lived, read-only
// snapshots - the review tool remains the owner of the data.
package datatypes

import (
	"fmt"
	"time"

	"github.com/autoland/autoland/pkg/validation"
)

// RevisionStatus enumerates the statuses a revision may have.
//
// These were exhaustive at the time of writing, but the review tool may add
// statuses in the future; unknown values map to StatusUnexpected.
type RevisionStatus string

const (
	StatusAbandoned      RevisionStatus = "abandoned"
	StatusAccepted       RevisionStatus = "accepted"
	StatusChangesPlanned RevisionStatus = "changes-planned"
	StatusPublished      RevisionStatus = "published"
	StatusNeedsReview    RevisionStatus = "needs-review"
	StatusNeedsRevision  RevisionStatus = "needs-revision"
	StatusDraft          RevisionStatus = "draft"
	StatusUnexpected     RevisionStatus = ""
)

// RevisionStatusFromString maps a raw status value onto the enum, returning
// StatusUnexpected for values this version does not know about.
func RevisionStatusFromString(value string) RevisionStatus {
	switch RevisionStatus(value) {
	case StatusAbandoned, StatusAccepted, StatusChangesPlanned, StatusPublished,
		StatusNeedsReview, StatusNeedsRevision, StatusDraft:
		return RevisionStatus(value)
	}
	return StatusUnexpected
}

// Closed reports whether the status represents a finished revision.
// Closed revisions are never part of a landable path.
func (s RevisionStatus) Closed() bool {
	return s == StatusAbandoned || s == StatusPublished
}

// DisplayName returns the human-readable status name.
func (s RevisionStatus) DisplayName() string {
	switch s {
	case StatusAbandoned:
		return "Abandoned"
	case StatusAccepted:
		return "Accepted"
	case StatusChangesPlanned:
		return "Changes Planned"
	case StatusPublished:
		return "Closed"
	case StatusNeedsReview:
		return "Needs Review"
	case StatusNeedsRevision:
		return "Needs Revision"
	case StatusDraft:
		return "Draft"
	}
	return "Unexpected Status"
}

// Revision is an immutable snapshot of a revision fetched for one request.
type Revision struct {
	// ID is the numeric revision identifier (the N in "DN").
	ID int `json:"id"`

	// PHID is the review tool's opaque identifier for this revision.
	PHID string `json:"phid"`

	Status RevisionStatus `json:"status"`
	Title  string         `json:"title"`

	// DiffPHID references the latest diff attached to this revision.
	DiffPHID string `json:"diff_phid"`

	// RepositoryPHID references the repository the revision lands to.
	// May be empty when the author did not associate a repository.
	RepositoryPHID string `json:"repository_phid"`

	// Secure marks revisions tied to a security-sensitive bug. Secure
	// revisions require a sanitized commit message before landing.
	Secure bool `json:"secure"`

	// SanitizedMessage is the approved replacement commit message for a
	// secure revision, empty when none has been prepared.
	SanitizedMessage string `json:"sanitized_message,omitempty"`

	Reviewers []Reviewer `json:"reviewers"`

	BugID string `json:"bug_id,omitempty"`
}

// Name returns the display identifier, e.g. "D123".
func (r *Revision) Name() string {
	return validation.FormatRevisionID(r.ID)
}

// Validate checks the required fields of a revision snapshot. It is called
// by the review-tool client after decoding so malformed payloads are
// rejected at the boundary.
func (r *Revision) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("revision has no id")
	}
	if r.PHID == "" {
		return fmt.Errorf("revision D%d has no phid", r.ID)
	}
	if r.DiffPHID == "" {
		return fmt.Errorf("revision D%d has no diff", r.ID)
	}
	return nil
}

// Diff is a snapshot of one patch attached to a revision.
type Diff struct {
	ID   int    `json:"id"`
	PHID string `json:"phid"`

	// RevisionPHID is the revision this diff belongs to.
	RevisionPHID string `json:"revision_phid"`

	// BaseCommit is the commit hash the patch was generated against.
	BaseCommit string `json:"base_commit"`

	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Validate checks the required fields of a diff snapshot.
func (d *Diff) Validate() error {
	if d.ID <= 0 {
		return fmt.Errorf("diff has no id")
	}
	if d.PHID == "" {
		return fmt.Errorf("diff %d has no phid", d.ID)
	}
	return nil
}

// RepositoryInfo is the review tool's view of a repository.
type RepositoryInfo struct {
	PHID      string `json:"phid"`
	ShortName string `json:"short_name"`
}
