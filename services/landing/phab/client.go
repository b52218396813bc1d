// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phab defines the read-only client boundary to the external review
// tool.
//
// The landing service only ever reads revision, diff, and repository data;
// all of it is owned by the review tool. Implementations decode the tool's
// payloads into the strict datatypes values and reject malformed records at
// this boundary.
package phab

import (
	"context"
	"errors"

	"github.com/autoland/autoland/services/landing/datatypes"
)

// ErrNotFound is returned when a revision, diff, or repository does not
// exist or the caller lacks permission to see it.
var ErrNotFound = errors.New("not found in review tool")

// Edge is a child-to-parent dependency between two revisions.
type Edge struct {
	Child  string
	Parent string
}

// Client is the read-only interface to the review tool.
//
// All methods honor context cancellation. Returned values are snapshots;
// they must not be retained past the request that fetched them.
type Client interface {
	// FetchRevision returns the revision with the given numeric id.
	FetchRevision(ctx context.Context, id int) (*datatypes.Revision, error)

	// FetchStackGraph returns the PHIDs of every revision transitively
	// connected to rootPHID through parent/child edges, plus the edges.
	FetchStackGraph(ctx context.Context, rootPHID string) (nodes []string, edges []Edge, err error)

	// FetchRevisions returns revision snapshots keyed by PHID.
	FetchRevisions(ctx context.Context, phids []string) (map[string]*datatypes.Revision, error)

	// FetchDiff returns the diff with the given numeric id.
	FetchDiff(ctx context.Context, id int) (*datatypes.Diff, error)

	// FetchDiffs returns diff snapshots keyed by PHID.
	FetchDiffs(ctx context.Context, phids []string) (map[string]*datatypes.Diff, error)

	// FetchRepositories returns repository info keyed by PHID.
	FetchRepositories(ctx context.Context, phids []string) (map[string]*datatypes.RepositoryInfo, error)

	// FetchRawDiff returns the unified diff content for a diff id,
	// exactly as the review tool exports it.
	FetchRawDiff(ctx context.Context, diffID int) ([]byte, error)
}
