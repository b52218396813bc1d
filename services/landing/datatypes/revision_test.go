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

import "testing"

func TestRevisionStatus(t *testing.T) {
	t.Run("closed statuses", func(t *testing.T) {
		closed := map[RevisionStatus]bool{
			StatusAbandoned:      true,
			StatusPublished:      true,
			StatusAccepted:       false,
			StatusNeedsReview:    false,
			StatusNeedsRevision:  false,
			StatusChangesPlanned: false,
			StatusDraft:          false,
			StatusUnexpected:     false,
		}
		for status, want := range closed {
			if got := status.Closed(); got != want {
				t.Errorf("%q.Closed() = %v, want %v", status, got, want)
			}
		}
	})

	t.Run("unknown status maps to unexpected", func(t *testing.T) {
		if got := RevisionStatusFromString("brand-new-status"); got != StatusUnexpected {
			t.Errorf("RevisionStatusFromString = %q, want unexpected", got)
		}
		if got := RevisionStatusFromString("accepted"); got != StatusAccepted {
			t.Errorf("RevisionStatusFromString = %q, want accepted", got)
		}
	})

	t.Run("display names", func(t *testing.T) {
		if got := StatusPublished.DisplayName(); got != "Closed" {
			t.Errorf("DisplayName = %q, want Closed", got)
		}
		if got := StatusUnexpected.DisplayName(); got != "Unexpected Status" {
			t.Errorf("DisplayName = %q, want Unexpected Status", got)
		}
	})
}

func TestRevisionValidate(t *testing.T) {
	valid := Revision{ID: 1, PHID: "PHID-DREV-1", DiffPHID: "PHID-DIFF-1"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := []Revision{
		{PHID: "PHID-DREV-1", DiffPHID: "PHID-DIFF-1"},
		{ID: 1, DiffPHID: "PHID-DIFF-1"},
		{ID: 1, PHID: "PHID-DREV-1"},
	}
	for i, rev := range cases {
		if err := rev.Validate(); err == nil {
			t.Errorf("case %d: Validate succeeded, want error", i)
		}
	}
}

func TestReviewerExtraState(t *testing.T) {
	const landingDiff = "PHID-DIFF-current"

	t.Run("blocking reviewer always blocks", func(t *testing.T) {
		r := Reviewer{Status: ReviewerBlocking, DiffPHID: "PHID-DIFF-old"}
		state := r.CalculateExtraState(landingDiff)
		if !state.BlockingLanding {
			t.Error("blocking reviewer should block landing")
		}
	})

	t.Run("rejection of current diff blocks", func(t *testing.T) {
		r := Reviewer{Status: ReviewerRejected, DiffPHID: landingDiff}
		state := r.CalculateExtraState(landingDiff)
		if !state.BlockingLanding {
			t.Error("rejection on current diff should block landing")
		}
		if state.ForOtherDiff {
			t.Error("vote on current diff flagged as other diff")
		}
	})

	t.Run("rejection of stale diff does not block", func(t *testing.T) {
		r := Reviewer{Status: ReviewerRejected, DiffPHID: "PHID-DIFF-old"}
		state := r.CalculateExtraState(landingDiff)
		if state.BlockingLanding {
			t.Error("rejection on stale diff should not block landing")
		}
		if !state.ForOtherDiff {
			t.Error("stale vote not flagged as other diff")
		}
	})

	t.Run("acceptance on stale diff is for other diff", func(t *testing.T) {
		r := Reviewer{Status: ReviewerAccepted, DiffPHID: "PHID-DIFF-old"}
		state := r.CalculateExtraState(landingDiff)
		if state.BlockingLanding {
			t.Error("acceptance should never block")
		}
		if !state.ForOtherDiff {
			t.Error("stale acceptance not flagged as other diff")
		}
	})

	t.Run("added reviewer is not diff specific", func(t *testing.T) {
		r := Reviewer{Status: ReviewerAdded, DiffPHID: "PHID-DIFF-old"}
		state := r.CalculateExtraState(landingDiff)
		if state.ForOtherDiff {
			t.Error("added status should not be diff specific")
		}
		if state.BlockingLanding {
			t.Error("added reviewer should not block")
		}
	})
}
