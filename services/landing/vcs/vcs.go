// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vcs applies revision patches to repository clones and pushes
// the resulting commits. The worker drives it one patch at a time so a
// conflict can be attributed to the exact revision that failed.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// ErrPatchConflict indicates a patch did not apply cleanly.
var ErrPatchConflict = errors.New("patch does not apply cleanly")

// Patch is a single revision's diff ready for application.
type Patch struct {
	RevisionID    int
	DiffID        int
	AuthorName    string
	AuthorEmail   string
	Timestamp     time.Time
	CommitMessage string
	Diff          []byte
}

// Author renders the patch author in git "Name <email>" form.
func (p *Patch) Author() string {
	return fmt.Sprintf("%s <%s>", p.AuthorName, p.AuthorEmail)
}

// ConflictError reports a failed patch application with enough detail
// to tell the requester which files conflicted.
type ConflictError struct {
	RevisionID  int
	FailedPaths []string
	RejectPaths []string
}

// Error returns a human-readable error message.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("patch for revision %d failed on %s",
		e.RevisionID, strings.Join(e.FailedPaths, ", "))
}

// Unwrap returns ErrPatchConflict for errors.Is support.
func (e *ConflictError) Unwrap() error {
	return ErrPatchConflict
}

// Driver abstracts the version control operations a landing needs.
type Driver interface {
	// Ensure makes repoPath an up-to-date clone of url.
	Ensure(ctx context.Context, repoPath, url string) error

	// UpdateTo moves the working tree to the given remote ref,
	// discarding local state.
	UpdateTo(ctx context.Context, repoPath, ref string) error

	// ApplyPatch applies and commits a single patch, returning the new
	// commit id. Returns a *ConflictError when the patch does not apply.
	ApplyPatch(ctx context.Context, repoPath string, patch *Patch) (string, error)

	// Push publishes local commits to the push target.
	Push(ctx context.Context, repoPath, target, ref string) error

	// Head returns the commit id of the working tree head.
	Head(ctx context.Context, repoPath string) (string, error)
}

// TouchedFiles lists the paths a unified diff modifies, with the
// a/ and b/ prefixes stripped. Deleted and renamed files contribute
// both sides.
func TouchedFiles(unified []byte) ([]string, error) {
	fileDiffs, err := godiff.ParseMultiFileDiff(unified)
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	seen := make(map[string]bool)
	var paths []string
	add := func(name string) {
		name = strings.TrimPrefix(name, "a/")
		name = strings.TrimPrefix(name, "b/")
		if name == "" || name == "/dev/null" || seen[name] {
			return
		}
		seen[name] = true
		paths = append(paths, name)
	}
	for _, fd := range fileDiffs {
		add(fd.OrigName)
		add(fd.NewName)
	}
	return paths, nil
}
