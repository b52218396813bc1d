// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phab

import (
	"context"
	"fmt"
	"sync"

	"github.com/autoland/autoland/services/landing/datatypes"
)

// Fake is an in-memory Client for tests.
//
// Populate it with AddRevision / AddDiff / AddRepository and optionally
// AddEdge, then hand it to anything that takes a Client. Safe for
// concurrent use.
type Fake struct {
	mu           sync.RWMutex
	revisions    map[string]*datatypes.Revision
	diffs        map[string]*datatypes.Diff
	repositories map[string]*datatypes.RepositoryInfo
	rawDiffs     map[int][]byte
	edges        []Edge
}

// NewFake returns an empty fake review tool.
func NewFake() *Fake {
	return &Fake{
		revisions:    make(map[string]*datatypes.Revision),
		diffs:        make(map[string]*datatypes.Diff),
		repositories: make(map[string]*datatypes.RepositoryInfo),
		rawDiffs:     make(map[int][]byte),
	}
}

// AddRevision stores a revision snapshot. Panics on invalid snapshots so
// broken test fixtures fail loudly.
func (f *Fake) AddRevision(rev *datatypes.Revision) *Fake {
	if err := rev.Validate(); err != nil {
		panic(fmt.Sprintf("invalid fake revision: %v", err))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisions[rev.PHID] = rev
	return f
}

// AddDiff stores a diff snapshot.
func (f *Fake) AddDiff(diff *datatypes.Diff) *Fake {
	if err := diff.Validate(); err != nil {
		panic(fmt.Sprintf("invalid fake diff: %v", err))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffs[diff.PHID] = diff
	return f
}

// AddRepository stores repository info.
func (f *Fake) AddRepository(repo *datatypes.RepositoryInfo) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repositories[repo.PHID] = repo
	return f
}

// AddRawDiff stores unified diff content for a diff id.
func (f *Fake) AddRawDiff(diffID int, content []byte) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawDiffs[diffID] = content
	return f
}

// AddEdge records a child-to-parent dependency edge.
func (f *Fake) AddEdge(child, parent string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges = append(f.edges, Edge{Child: child, Parent: parent})
	return f
}

// FetchRevision implements Client.
func (f *Fake) FetchRevision(ctx context.Context, id int) (*datatypes.Revision, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, rev := range f.revisions {
		if rev.ID == id {
			return rev, nil
		}
	}
	return nil, ErrNotFound
}

// FetchStackGraph implements Client by flooding outward from rootPHID
// along recorded edges until no new nodes are found.
func (f *Fake) FetchStackGraph(ctx context.Context, rootPHID string) ([]string, []Edge, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if _, ok := f.revisions[rootPHID]; !ok {
		return nil, nil, ErrNotFound
	}

	seen := map[string]bool{rootPHID: true}
	for changed := true; changed; {
		changed = false
		for _, e := range f.edges {
			if seen[e.Child] && !seen[e.Parent] {
				seen[e.Parent] = true
				changed = true
			}
			if seen[e.Parent] && !seen[e.Child] {
				seen[e.Child] = true
				changed = true
			}
		}
	}

	var nodes []string
	for phid := range seen {
		nodes = append(nodes, phid)
	}
	var edges []Edge
	for _, e := range f.edges {
		if seen[e.Child] && seen[e.Parent] {
			edges = append(edges, e)
		}
	}
	return nodes, edges, nil
}

// FetchRevisions implements Client.
func (f *Fake) FetchRevisions(ctx context.Context, phids []string) (map[string]*datatypes.Revision, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]*datatypes.Revision, len(phids))
	for _, phid := range phids {
		rev, ok := f.revisions[phid]
		if !ok {
			return nil, fmt.Errorf("revision %s: %w", phid, ErrNotFound)
		}
		out[phid] = rev
	}
	return out, nil
}

// FetchDiff implements Client.
func (f *Fake) FetchDiff(ctx context.Context, id int) (*datatypes.Diff, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, diff := range f.diffs {
		if diff.ID == id {
			return diff, nil
		}
	}
	return nil, ErrNotFound
}

// FetchDiffs implements Client.
func (f *Fake) FetchDiffs(ctx context.Context, phids []string) (map[string]*datatypes.Diff, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]*datatypes.Diff, len(phids))
	for _, phid := range phids {
		diff, ok := f.diffs[phid]
		if !ok {
			return nil, fmt.Errorf("diff %s: %w", phid, ErrNotFound)
		}
		out[phid] = diff
	}
	return out, nil
}

// FetchRawDiff implements Client.
func (f *Fake) FetchRawDiff(ctx context.Context, diffID int) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	content, ok := f.rawDiffs[diffID]
	if !ok {
		return nil, fmt.Errorf("raw diff %d: %w", diffID, ErrNotFound)
	}
	return content, nil
}

// FetchRepositories implements Client. Unknown repository PHIDs are
// omitted from the result rather than failing; the resolver treats them
// as unsupported landing targets.
func (f *Fake) FetchRepositories(ctx context.Context, phids []string) (map[string]*datatypes.RepositoryInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]*datatypes.RepositoryInfo, len(phids))
	for _, phid := range phids {
		if repo, ok := f.repositories[phid]; ok {
			out[phid] = repo
		}
	}
	return out, nil
}
