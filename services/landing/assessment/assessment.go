// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assessment evaluates whether a landing path may land.
//
// An assessment carries blockers (fatal, landing refused outright) and
// warnings (non-fatal, must be acknowledged). Acknowledgement works through
// a confirmation token: a digest of the requested path and the exact
// warning set the caller saw. Submitting with a token that no longer
// matches the live state fails, which is what prevents a caller from
// landing past warnings that appeared after they last looked.
package assessment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors for acknowledgement checks.
var (
	// ErrBlocked means at least one blocker is present.
	ErrBlocked = errors.New("landing is blocked")

	// ErrUnacknowledgedWarnings means the caller supplied no confirmation
	// token while warnings are present.
	ErrUnacknowledgedWarnings = errors.New("landing warnings have not been acknowledged")

	// ErrStaleAssessment means the supplied confirmation token was computed
	// against a different path or warning set than the live one.
	ErrStaleAssessment = errors.New("acknowledged warnings have changed")
)

// RevisionDiff pins one entry of a requested landing path to a specific
// diff. Submissions name diffs explicitly so a revision updated between
// assessment and landing is caught rather than silently landed.
type RevisionDiff struct {
	RevisionPHID string `json:"revision_phid"`
	DiffID       int    `json:"diff_id"`
}

// Warning is a single non-fatal finding against one revision. ID is stable
// across releases; retired checks keep their number so acknowledgement
// tokens from old clients never alias a different warning.
type Warning struct {
	ID         int    `json:"id"`
	Display    string `json:"display"`
	RevisionID string `json:"revision_id"`
	Details    string `json:"details"`
}

// WarningGroup is the wire form of warnings: one entry per warning id with
// all affected revisions listed as instances.
type WarningGroup struct {
	ID        int               `json:"id"`
	Display   string            `json:"display"`
	Instances []WarningInstance `json:"instances"`
}

// WarningInstance is one revision's occurrence of a grouped warning.
type WarningInstance struct {
	RevisionID string `json:"revision_id"`
	Details    string `json:"details"`
}

// Assessment is the outcome of checking one landing path.
type Assessment struct {
	Blocker  string
	Warnings []Warning
}

// Blocked reports whether landing is refused outright.
func (a *Assessment) Blocked() bool {
	return a.Blocker != ""
}

// Groups buckets the warnings by id, preserving first-seen order of ids
// and the per-revision order within each group.
func (a *Assessment) Groups() []WarningGroup {
	var order []int
	byID := make(map[int]*WarningGroup)
	for _, w := range a.Warnings {
		group, ok := byID[w.ID]
		if !ok {
			group = &WarningGroup{ID: w.ID, Display: w.Display}
			byID[w.ID] = group
			order = append(order, w.ID)
		}
		group.Instances = append(group.Instances, WarningInstance{
			RevisionID: w.RevisionID,
			Details:    w.Details,
		})
	}
	groups := make([]WarningGroup, 0, len(order))
	for _, id := range order {
		groups = append(groups, *byID[id])
	}
	return groups
}

// ConfirmationToken returns the digest a caller must echo back to submit
// the given path with the given warnings.
//
// The token is a pure function of (path, warning set): identical inputs
// always produce the same token, and changing any path entry or any single
// warning changes it. It is defined even for an empty warning set so a
// clean dry-run still yields a submittable token.
func ConfirmationToken(path []RevisionDiff, warnings []Warning) string {
	type instance struct {
		ID         int    `json:"id"`
		RevisionID string `json:"revision_id"`
		Details    string `json:"details"`
	}
	instances := make([]instance, len(warnings))
	for i, w := range warnings {
		instances[i] = instance{ID: w.ID, RevisionID: w.RevisionID, Details: w.Details}
	}
	sort.Slice(instances, func(i, j int) bool {
		a, b := instances[i], instances[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		if a.RevisionID != b.RevisionID {
			return a.RevisionID < b.RevisionID
		}
		return a.Details < b.Details
	})

	payload := struct {
		Path     []RevisionDiff `json:"path"`
		Warnings []instance     `json:"warnings"`
	}{Path: path, Warnings: instances}

	b, err := json.Marshal(payload)
	if err != nil {
		// Only unmarshalable types can fail here and the payload is all
		// plain strings and ints.
		panic(fmt.Sprintf("marshaling confirmation token payload: %v", err))
	}
	digest := sha256.Sum256(b)
	return hex.EncodeToString(digest[:])
}

// Token returns the confirmation token for this assessment against path.
func (a *Assessment) Token(path []RevisionDiff) string {
	return ConfirmationToken(path, a.Warnings)
}

// RequireAcknowledged returns nil when landing may proceed with the given
// confirmation token.
//
// Returns ErrBlocked when a blocker is present, ErrUnacknowledgedWarnings
// when token is empty, and ErrStaleAssessment when token does not match
// the live path and warning set.
func (a *Assessment) RequireAcknowledged(path []RevisionDiff, token string) error {
	if a.Blocked() {
		return fmt.Errorf("%w: %s", ErrBlocked, a.Blocker)
	}
	if token == a.Token(path) {
		return nil
	}
	if token == "" {
		return ErrUnacknowledgedWarnings
	}
	return ErrStaleAssessment
}
