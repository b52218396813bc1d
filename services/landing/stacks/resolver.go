// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stacks

import (
	"context"
	"fmt"
	"sort"

	"github.com/autoland/autoland/services/landing/datatypes"
	"github.com/autoland/autoland/services/landing/phab"
)

// StackData holds the extended review-tool data for every revision in a
// stack. Revisions are keyed by revision PHID, diffs by diff PHID and
// repositories by repository PHID.
type StackData struct {
	Revisions    map[string]*datatypes.Revision
	Diffs        map[string]*datatypes.Diff
	Repositories map[string]*datatypes.RepositoryInfo
}

// Stack is a fully resolved revision stack: the validated dependency graph
// plus the data needed to assess every node in it.
type Stack struct {
	Graph *Graph
	Edges []phab.Edge
	Data  StackData
}

// Revision returns the revision for phid, or nil if it is not in the stack.
func (s *Stack) Revision(phid string) *datatypes.Revision {
	return s.Data.Revisions[phid]
}

// DiffFor returns the active diff of the revision identified by phid.
func (s *Stack) DiffFor(phid string) *datatypes.Diff {
	rev := s.Data.Revisions[phid]
	if rev == nil {
		return nil
	}
	return s.Data.Diffs[rev.DiffPHID]
}

// RepositoryFor returns the repository of the revision identified by phid,
// or nil when the revision does not reference a known repository.
func (s *Stack) RepositoryFor(phid string) *datatypes.RepositoryInfo {
	rev := s.Data.Revisions[phid]
	if rev == nil {
		return nil
	}
	return s.Data.Repositories[rev.RepositoryPHID]
}

// Build fetches the full stack containing revisionID from the review tool.
//
// It discovers the connected dependency graph, loads revision, diff and
// repository data for every node, and validates the graph structure.
// Returns ErrCycleDetected wrapped in the graph error when the review tool
// hands back edges that do not form a DAG.
func Build(ctx context.Context, client phab.Client, revisionID int) (*Stack, error) {
	root, err := client.FetchRevision(ctx, revisionID)
	if err != nil {
		return nil, fmt.Errorf("fetching revision D%d: %w", revisionID, err)
	}

	nodes, edges, err := client.FetchStackGraph(ctx, root.PHID)
	if err != nil {
		return nil, fmt.Errorf("fetching stack graph for %s: %w", root.PHID, err)
	}

	graph, err := NewGraph(nodes, edges)
	if err != nil {
		return nil, err
	}

	revisions, err := client.FetchRevisions(ctx, nodes)
	if err != nil {
		return nil, fmt.Errorf("fetching stack revisions: %w", err)
	}

	diffPHIDs := make([]string, 0, len(revisions))
	repoSet := make(map[string]bool)
	for _, rev := range revisions {
		diffPHIDs = append(diffPHIDs, rev.DiffPHID)
		if rev.RepositoryPHID != "" {
			repoSet[rev.RepositoryPHID] = true
		}
	}
	sort.Strings(diffPHIDs)

	diffs, err := client.FetchDiffs(ctx, diffPHIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching stack diffs: %w", err)
	}

	repoPHIDs := make([]string, 0, len(repoSet))
	for phid := range repoSet {
		repoPHIDs = append(repoPHIDs, phid)
	}
	sort.Strings(repoPHIDs)

	repos, err := client.FetchRepositories(ctx, repoPHIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching stack repositories: %w", err)
	}

	return &Stack{
		Graph: graph,
		Edges: edges,
		Data: StackData{
			Revisions:    revisions,
			Diffs:        diffs,
			Repositories: repos,
		},
	}, nil
}

// Path is a contiguous, branch-free chain of open revisions in dependency
// order, root first. LandingSupported is false when the chain targets a
// repository this system does not recognize as a landing target; the path
// is still reported so callers can show the stack, it just cannot be
// submitted.
type Path struct {
	Nodes            []string
	RepositoryPHID   string
	LandingSupported bool
}

// Tip returns the last revision PHID of the path.
func (p Path) Tip() string {
	return p.Nodes[len(p.Nodes)-1]
}

// BlockerCheck inspects a single revision and returns a human readable
// reason the revision cannot land, or "" when the check passes. Checks must
// not depend on the structure of the stack graph; a check may be skipped
// for revisions that are already blocked for structural reasons.
type BlockerCheck func(rev *datatypes.Revision, diff *datatypes.Diff, repo *datatypes.RepositoryInfo) string

// LandableResult is the outcome of resolving a stack into landable paths.
//
// Paths partition the landable frontier: every open, unblocked revision
// reachable from a landable root appears in exactly one path, and paths
// never branch internally. Blocked maps each non-landable revision PHID to
// the first reason it was excluded; revisions appearing in Paths never
// appear in Blocked.
type LandableResult struct {
	Paths   []Path
	Blocked map[string]string
}

// CalculateLandable walks the stack from its open roots and produces the
// set of landable paths.
//
// A chain extends through children one at a time; a revision with more
// than one landable child ends its path and each child roots a new one, so
// no revision ever appears in two paths. Closed revisions, revisions with
// multiple open parents and revisions depending on a blocked or
// different-repository parent are recorded in Blocked instead.
func CalculateLandable(stack *Stack, landableRepos map[string]bool, checks ...BlockerCheck) *LandableResult {
	blocked := make(map[string]string)
	block := func(node, reason string) {
		if _, ok := blocked[node]; !ok {
			blocked[node] = reason
		}
	}

	graph := stack.Graph
	revisions := stack.Data.Revisions

	for _, phid := range graph.Nodes() {
		rev := revisions[phid]
		if rev.Status.Closed() {
			block(phid, "Revision is closed.")
		} else if rev.RepositoryPHID == "" {
			block(phid, "Revision does not specify a repository.")
		}
	}

	// True roots of the DAG may be closed; walk forward from them to find
	// the first open revision along each chain.
	var frontier []string
	for _, phid := range graph.Nodes() {
		if len(graph.Parents(phid)) == 0 {
			frontier = append(frontier, phid)
		}
	}
	rootSet := make(map[string]bool)
	for len(frontier) > 0 {
		phid := frontier[0]
		frontier = frontier[1:]
		if !revisions[phid].Status.Closed() {
			rootSet[phid] = true
			continue
		}
		frontier = append(frontier, graph.Children(phid)...)
	}

	// Walking past closed revisions can yield a "root" that is itself a
	// descendant of another root. Drop those; they are reached (or blocked)
	// while walking from the true root.
	discardDescendants(graph, rootSet)

	blockedBy := func(phid string) string {
		if reason, ok := blocked[phid]; ok {
			return reason
		}

		var openParents []string
		for _, parent := range graph.Parents(phid) {
			if !revisions[parent].Status.Closed() {
				openParents = append(openParents, parent)
			}
		}
		if len(openParents) > 1 {
			return "Depends on multiple open parents."
		}
		for _, parent := range openParents {
			if _, ok := blocked[parent]; ok {
				return fmt.Sprintf("Depends on %s which is open and blocked.", revisions[parent].Name())
			}
			if revisions[phid].RepositoryPHID != revisions[parent].RepositoryPHID {
				return fmt.Sprintf("Depends on %s which is open and has a different repository.", revisions[parent].Name())
			}
		}

		rev := revisions[phid]
		diff := stack.Data.Diffs[rev.DiffPHID]
		repo := stack.Data.Repositories[rev.RepositoryPHID]
		for _, check := range checks {
			if reason := check(rev, diff, repo); reason != "" {
				return reason
			}
		}
		return ""
	}

	var roots []string
	for phid := range rootSet {
		roots = append(roots, phid)
	}
	sort.Strings(roots)

	var queue [][]string
	for _, root := range roots {
		if reason := blockedBy(root); reason != "" {
			block(root, reason)
			continue
		}
		queue = append(queue, []string{root})
	}

	landable := make(map[string]bool)
	for _, path := range queue {
		landable[path[0]] = true
	}

	var paths []Path
	finish := func(nodes []string) {
		rev := revisions[nodes[0]]
		paths = append(paths, Path{
			Nodes:            nodes,
			RepositoryPHID:   rev.RepositoryPHID,
			LandingSupported: landableRepos[rev.RepositoryPHID],
		})
	}

	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]

		var valid []string
		for _, child := range graph.Children(path[len(path)-1]) {
			if revisions[child].Status.Closed() {
				continue
			}
			if reason := blockedBy(child); reason != "" {
				block(child, reason)
				continue
			}
			valid = append(valid, child)
			landable[child] = true
		}

		switch len(valid) {
		case 0:
			finish(path)
		case 1:
			queue = append(queue, append(path, valid[0]))
		default:
			// The chain forks here. End it and let every landable child
			// root its own path so paths never share a revision.
			finish(path)
			for _, child := range valid {
				queue = append(queue, []string{child})
			}
		}
	}

	// Anything still unaccounted for was never reached while walking the
	// landable paths.
	for _, phid := range graph.Nodes() {
		if !landable[phid] {
			block(phid, "Has an open ancestor revision that is blocked.")
		}
	}

	sort.Slice(paths, func(i, j int) bool { return paths[i].Nodes[0] < paths[j].Nodes[0] })

	return &LandableResult{Paths: paths, Blocked: blocked}
}

// discardDescendants removes from rootSet every member reachable through
// child edges from another member.
func discardDescendants(graph *Graph, rootSet map[string]bool) {
	var frontier []string
	for phid := range rootSet {
		frontier = append(frontier, graph.Children(phid)...)
	}
	seen := make(map[string]bool)
	for len(frontier) > 0 {
		phid := frontier[0]
		frontier = frontier[1:]
		if seen[phid] {
			continue
		}
		seen[phid] = true
		delete(rootSet, phid)
		frontier = append(frontier, graph.Children(phid)...)
	}
}
