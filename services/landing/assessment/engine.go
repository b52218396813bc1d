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

	"github.com/autoland/autoland/services/landing/stacks"
)

// User identifies the requester for user-level blocker checks.
type User struct {
	Identifier string
	Email      string
	Groups     []string
}

// InGroup reports whether the user carries the named group.
func (u *User) InGroup(name string) bool {
	for _, g := range u.Groups {
		if g == name {
			return true
		}
	}
	return false
}

// UserCheck gates a specific user from landing to a specific repository.
// Returns a blocker reason or "". Handlers bind repository access rules
// into these closures; the engine only runs them.
type UserCheck func(user *User) string

// CheckUserHasEmail blocks users without a verified email address.
func CheckUserHasEmail(user *User) string {
	if user.Email != "" {
		return ""
	}
	return "You do not have a Mozilla verified email address."
}

// TreeGate is the slice of tree status the engine needs: whether the
// target tree currently accepts landings. Approval-required trees count
// as open; the approval flow itself is handled at submission.
type TreeGate interface {
	IsOpen(ctx context.Context, tree string) (bool, error)
}

// StoredWarning is an externally filed finding against a revision, such
// as a lint or static-analysis result.
type StoredWarning struct {
	Group   string
	Message string
}

// DiffWarningSource supplies the open stored warnings filed against
// the diff being landed. Warnings against superseded diffs of the same
// revision are stale and must not surface.
type DiffWarningSource interface {
	OpenWarnings(ctx context.Context, revisionID, diffID int) ([]StoredWarning, error)
}

// Engine runs blocker and warning checks over a requested landing path.
type Engine struct {
	history      History
	checks       []WarningCheck
	blockers     []RevisionBlocker
	gate         TreeGate
	diffWarnings DiffWarningSource
}

// NewEngine returns an Engine using the default warning and blocker
// checks.
func NewEngine(history History) *Engine {
	return &Engine{
		history:  history,
		checks:   DefaultWarningChecks(),
		blockers: DefaultRevisionBlockers(),
	}
}

// WithGate makes the engine refuse landings to closed trees.
func (e *Engine) WithGate(gate TreeGate) *Engine {
	e.gate = gate
	return e
}

// WithDiffWarnings makes the engine surface stored diff warnings.
func (e *Engine) WithDiffWarnings(source DiffWarningSource) *Engine {
	e.diffWarnings = source
	return e
}

// Assess checks the requested path against the live stack state and
// returns the resulting assessment.
//
// Blockers short-circuit: the first one found is returned alone and no
// warnings are computed, matching the contract that a blocked landing can
// never be confirmed past. A clean run returns all warnings across every
// path entry, in path order then check order.
func (e *Engine) Assess(
	ctx context.Context,
	stack *stacks.Stack,
	landable []stacks.Path,
	requested []RevisionDiff,
	user *User,
	userChecks ...UserCheck,
) (*Assessment, error) {
	if len(requested) == 0 {
		return &Assessment{Blocker: "The requested landing path is empty."}, nil
	}

	if blocker := checkPathLandable(requested, landable); blocker != "" {
		return &Assessment{Blocker: blocker}, nil
	}

	for _, entry := range requested {
		diff := stack.DiffFor(entry.RevisionPHID)
		if diff == nil || diff.ID != entry.DiffID {
			return &Assessment{Blocker: "A requested diff is not the latest."}, nil
		}
	}

	if e.gate != nil {
		repo := stack.RepositoryFor(requested[0].RevisionPHID)
		if repo != nil {
			open, err := e.gate.IsOpen(ctx, repo.ShortName)
			if err != nil {
				return nil, fmt.Errorf("checking tree status for %s: %w", repo.ShortName, err)
			}
			if !open {
				return &Assessment{
					Blocker: fmt.Sprintf("Tree %s is closed for landings.", repo.ShortName),
				}, nil
			}
		}
	}

	for _, entry := range requested {
		in := &CheckInput{
			Revision: stack.Revision(entry.RevisionPHID),
			Diff:     stack.DiffFor(entry.RevisionPHID),
		}
		for _, blocker := range e.blockers {
			if reason := blocker(in); reason != "" {
				return &Assessment{Blocker: reason}, nil
			}
		}
	}

	revisionIDs := make([]int, 0, len(stack.Data.Revisions))
	for _, rev := range stack.Data.Revisions {
		revisionIDs = append(revisionIDs, rev.ID)
	}
	active, err := e.history.HasActiveJob(ctx, revisionIDs)
	if err != nil {
		return nil, fmt.Errorf("checking in-flight landings: %w", err)
	}
	if active {
		return &Assessment{
			Blocker: "A landing for revisions in this stack is already in progress.",
		}, nil
	}

	for _, check := range userChecks {
		if blocker := check(user); blocker != "" {
			return &Assessment{Blocker: blocker}, nil
		}
	}

	result := &Assessment{}
	for _, entry := range requested {
		rev := stack.Revision(entry.RevisionPHID)
		landed, err := e.history.LatestLanded(ctx, rev.ID)
		if err != nil {
			return nil, fmt.Errorf("looking up landing history for %s: %w", rev.Name(), err)
		}
		in := &CheckInput{
			Revision: rev,
			Diff:     stack.DiffFor(entry.RevisionPHID),
			Landed:   landed,
		}
		for _, check := range e.checks {
			if w := check(in); w != nil {
				result.Warnings = append(result.Warnings, *w)
			}
		}
		if e.diffWarnings != nil {
			stored, err := e.diffWarnings.OpenWarnings(ctx, rev.ID, entry.DiffID)
			if err != nil {
				return nil, fmt.Errorf("loading diff warnings for %s: %w", rev.Name(), err)
			}
			for _, sw := range stored {
				result.Warnings = append(result.Warnings, Warning{
					ID:         WarningDiffAnalysis,
					Display:    warningDisplays[WarningDiffAnalysis],
					RevisionID: rev.Name(),
					Details:    fmt.Sprintf("[%s] %s", sw.Group, sw.Message),
				})
			}
		}
	}
	return result, nil
}

// checkPathLandable verifies the requested path is a prefix of, or equal
// to, one of the landable paths.
func checkPathLandable(requested []RevisionDiff, landable []stacks.Path) string {
	for _, path := range landable {
		if !path.LandingSupported || len(path.Nodes) < len(requested) {
			continue
		}
		match := true
		for i, entry := range requested {
			if path.Nodes[i] != entry.RevisionPHID {
				match = false
				break
			}
		}
		if match {
			return ""
		}
	}
	return "The requested set of revisions are not landable."
}
