// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// ReviewerStatus enumerates the statuses a reviewer may have on a revision.
type ReviewerStatus string

const (
	ReviewerAdded      ReviewerStatus = "added"
	ReviewerAccepted   ReviewerStatus = "accepted"
	ReviewerBlocking   ReviewerStatus = "blocking"
	ReviewerRejected   ReviewerStatus = "rejected"
	ReviewerResigned   ReviewerStatus = "resigned"
	ReviewerUnexpected ReviewerStatus = ""
)

// ReviewerStatusFromString maps a raw status onto the enum; unknown values
// become ReviewerUnexpected.
func ReviewerStatusFromString(value string) ReviewerStatus {
	switch ReviewerStatus(value) {
	case ReviewerAdded, ReviewerAccepted, ReviewerBlocking, ReviewerRejected,
		ReviewerResigned:
		return ReviewerStatus(value)
	}
	return ReviewerUnexpected
}

// DiffSpecific reports whether the status is tied to a particular diff.
// An "accepted" or "rejected" vote applies to the diff it was cast on; the
// other statuses follow the revision as a whole.
func (s ReviewerStatus) DiffSpecific() bool {
	return s == ReviewerAccepted || s == ReviewerRejected
}

// Reviewer is one reviewer's state on a revision.
type Reviewer struct {
	PHID       string         `json:"phid"`
	Identifier string         `json:"identifier"`
	Status     ReviewerStatus `json:"status"`

	// DiffPHID is the diff the reviewer's vote was cast on.
	DiffPHID string `json:"diff_phid"`

	// VoidedPHID is set when a later action voided this reviewer's vote.
	VoidedPHID string `json:"voided_phid,omitempty"`
}

// ExtraState is the derived review state relative to the diff being landed.
type ExtraState struct {
	// ForOtherDiff is true when the vote applies to a diff other than the
	// one being landed.
	ForOtherDiff bool

	// BlockingLanding is true when this reviewer prevents the landing.
	BlockingLanding bool
}

// CalculateExtraState derives the review state for a reviewer against the
// diff actually being landed.
//
// A "blocking" reviewer always blocks. A "rejected" vote blocks only when
// it was cast on the diff being landed; a rejection of a stale diff does
// not prevent landing the current one.
func (r *Reviewer) CalculateExtraState(forDiffPHID string) ExtraState {
	otherDiff := forDiffPHID != r.DiffPHID && r.Status.DiffSpecific()
	blocking := r.Status == ReviewerBlocking ||
		(r.Status == ReviewerRejected && !otherDiff)
	return ExtraState{ForOtherDiff: otherDiff, BlockingLanding: blocking}
}
