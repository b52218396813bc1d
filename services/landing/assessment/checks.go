// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assessment

import (
	"context"
	"fmt"
	"strings"

	"github.com/autoland/autoland/services/landing/datatypes"
)

// Warning ids are append-only. A retired check keeps its number so tokens
// minted by old clients never alias a different warning. Id 0 was a
// blocking-reviews warning before blocking reviewers became a blocker.
const (
	WarningBlockingReviews   = 0 // retired
	WarningPreviouslyLanded  = 1
	WarningNotAccepted       = 2
	WarningReviewsNotCurrent = 3
	WarningRevisionSecure    = 4
	WarningDiffAnalysis      = 5
)

var warningDisplays = map[int]string{
	WarningPreviouslyLanded:  "Has previously landed.",
	WarningNotAccepted:       "Is not Accepted.",
	WarningReviewsNotCurrent: "No reviewer has accepted the current diff.",
	WarningRevisionSecure:    "Is a secure revision and should follow the Security Bug Approval Process.",
	WarningDiffAnalysis:      "Has open diff warnings.",
}

// LandedRecord summarizes the most recent successful landing of a
// revision.
type LandedRecord struct {
	DiffID        int
	CommitID      string
	RevisionCount int
}

// History is the slice of landing-job storage the assessment engine needs:
// whether revisions have landed before and whether a landing for them is
// already in flight.
type History interface {
	// LatestLanded returns the most recent landed record for the revision,
	// or nil when it never landed.
	LatestLanded(ctx context.Context, revisionID int) (*LandedRecord, error)

	// HasActiveJob reports whether an unfinished landing job includes any
	// of the given revisions.
	HasActiveJob(ctx context.Context, revisionIDs []int) (bool, error)
}

// CheckInput is everything a warning check may inspect for one path entry.
type CheckInput struct {
	Revision *datatypes.Revision
	Diff     *datatypes.Diff
	Landed   *LandedRecord
}

// WarningCheck inspects one revision and returns a warning or nil.
type WarningCheck func(in *CheckInput) *Warning

func warn(id int, rev *datatypes.Revision, details string) *Warning {
	return &Warning{
		ID:         id,
		Display:    warningDisplays[id],
		RevisionID: rev.Name(),
		Details:    details,
	}
}

// RevisionBlocker inspects one revision and returns a blocker reason or
// "". Unlike warnings these cannot be acknowledged past.
type RevisionBlocker func(in *CheckInput) string

// blockerBlockingReviews refuses landing while any reviewer's state is
// intended to prevent it: a blocking reviewer who has not accepted, or a
// rejection of the diff actually being landed. A rejection of a stale
// diff does not count.
func blockerBlockingReviews(in *CheckInput) string {
	var blocking []string
	for i := range in.Revision.Reviewers {
		r := &in.Revision.Reviewers[i]
		if r.CalculateExtraState(in.Revision.DiffPHID).BlockingLanding {
			blocking = append(blocking, "@"+r.Identifier)
		}
	}
	if len(blocking) == 0 {
		return ""
	}
	if len(blocking) == 1 {
		return fmt.Sprintf(
			"%s has a review from %s which is in a state intended to prevent landings.",
			in.Revision.Name(), blocking[0])
	}
	return fmt.Sprintf(
		"%s has reviews from %s, and %s which are in a state intended to prevent landings.",
		in.Revision.Name(),
		strings.Join(blocking[:len(blocking)-1], ", "), blocking[len(blocking)-1])
}

// blockerSecureWithoutSanitizedMessage refuses landing a
// security-sensitive revision that has no sanitized commit message
// prepared, since its original message may disclose the vulnerability.
func blockerSecureWithoutSanitizedMessage(in *CheckInput) string {
	if !in.Revision.Secure || in.Revision.SanitizedMessage != "" {
		return ""
	}
	return fmt.Sprintf(
		"%s is tied to a secure bug and has no sanitized commit message prepared.",
		in.Revision.Name())
}

// DefaultRevisionBlockers returns the built-in per-revision blockers.
func DefaultRevisionBlockers() []RevisionBlocker {
	return []RevisionBlocker{
		blockerBlockingReviews,
		blockerSecureWithoutSanitizedMessage,
	}
}

// checkPreviouslyLanded warns when the revision already landed, pointing
// at the commit it landed as.
func checkPreviouslyLanded(in *CheckInput) *Warning {
	if in.Landed == nil {
		return nil
	}
	sameString := "an older"
	if in.Landed.DiffID == in.Diff.ID {
		sameString = "the same"
	}
	pushString := "with new tip"
	if in.Landed.RevisionCount == 1 {
		pushString = "as"
	}
	return warn(WarningPreviouslyLanded, in.Revision, fmt.Sprintf(
		"Already landed with %s diff (%d), pushed %s %s.",
		sameString, in.Landed.DiffID, pushString, in.Landed.CommitID))
}

// checkNotAccepted warns when the revision's review status is anything
// other than accepted.
func checkNotAccepted(in *CheckInput) *Warning {
	if in.Revision.Status == datatypes.StatusAccepted {
		return nil
	}
	return warn(WarningNotAccepted, in.Revision, in.Revision.Status.DisplayName())
}

// checkReviewsNotCurrent warns when no acceptance applies to the current
// diff. An acceptance voided by a newer diff does not count.
func checkReviewsNotCurrent(in *CheckInput) *Warning {
	for i := range in.Revision.Reviewers {
		r := &in.Revision.Reviewers[i]
		if r.Status != datatypes.ReviewerAccepted {
			continue
		}
		if !r.CalculateExtraState(in.Revision.DiffPHID).ForOtherDiff {
			return nil
		}
	}
	return warn(WarningReviewsNotCurrent, in.Revision, "Has no accepted review on the current diff.")
}

// checkRevisionSecure warns on revisions tied to a secure bug.
func checkRevisionSecure(in *CheckInput) *Warning {
	if !in.Revision.Secure {
		return nil
	}
	return warn(WarningRevisionSecure, in.Revision,
		"This revision is tied to a secure bug. Ensure that you are following the "+
			"Security Bug Approval Process guidelines before landing this changeset.")
}

// DefaultWarningChecks returns the built-in warning checks in id order.
func DefaultWarningChecks() []WarningCheck {
	return []WarningCheck{
		checkPreviouslyLanded,
		checkNotAccepted,
		checkReviewsNotCurrent,
		checkRevisionSecure,
	}
}
