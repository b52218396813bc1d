// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"fmt"

	"github.com/autoland/autoland/services/landing/phab"
	"github.com/autoland/autoland/services/landing/vcs"
)

// PatchSource produces a ready-to-apply patch for a revision diff.
type PatchSource interface {
	Patch(ctx context.Context, revisionID, diffID int) (*vcs.Patch, error)
}

// phabPatches builds patches from the review tool's diff metadata and
// raw diff export.
type phabPatches struct {
	client phab.Client
}

// NewPatchSource returns a PatchSource backed by the review tool.
func NewPatchSource(client phab.Client) PatchSource {
	return &phabPatches{client: client}
}

// Patch implements PatchSource. Secure revisions land with their
// sanitized commit message when one has been prepared.
func (p *phabPatches) Patch(ctx context.Context, revisionID, diffID int) (*vcs.Patch, error) {
	rev, err := p.client.FetchRevision(ctx, revisionID)
	if err != nil {
		return nil, fmt.Errorf("fetching revision %d: %w", revisionID, err)
	}
	diff, err := p.client.FetchDiff(ctx, diffID)
	if err != nil {
		return nil, fmt.Errorf("fetching diff %d: %w", diffID, err)
	}
	raw, err := p.client.FetchRawDiff(ctx, diffID)
	if err != nil {
		return nil, fmt.Errorf("fetching raw diff %d: %w", diffID, err)
	}

	message := rev.Title
	if rev.Secure && rev.SanitizedMessage != "" {
		message = rev.SanitizedMessage
	}

	return &vcs.Patch{
		RevisionID:    revisionID,
		DiffID:        diffID,
		AuthorName:    diff.AuthorName,
		AuthorEmail:   diff.AuthorEmail,
		Timestamp:     diff.Created,
		CommitMessage: message,
		Diff:          raw,
	}, nil
}
