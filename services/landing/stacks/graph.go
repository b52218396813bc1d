// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stacks implements the revision stack graph and the landable-path
// resolver.
//
// A stack is the set of revisions connected through parent/child dependency
// edges. The resolver walks the stack as a DAG of patch dependencies and
// produces "landable paths": branch-free chains of open revisions that can
// be applied to a repository in order.
//
// # Invariants
//
//   - Edges reference only nodes present in the graph.
//   - The graph is validated to be acyclic at construction; a cycle is a
//     malformed-input error, never valid data.
//   - Landable paths partition the landable frontier: a revision appears in
//     at most one path, and paths never branch internally.
package stacks

import (
	"errors"
	"fmt"
	"sort"

	"github.com/autoland/autoland/services/landing/phab"
)

// Sentinel errors for graph construction.
var (
	// ErrCycleDetected is returned when the dependency edges contain a
	// cycle. Cycles can only come from malformed review-tool data.
	ErrCycleDetected = errors.New("cycle detected in revision stack")

	// ErrUnknownNode is returned when an edge references a revision that
	// is not part of the node set.
	ErrUnknownNode = errors.New("edge references unknown revision")
)

// Graph is the in-memory dependency graph of a revision stack.
//
// Edges run from child to parent. Adjacency lists are kept sorted so
// traversals are deterministic.
type Graph struct {
	nodes    map[string]bool
	children map[string][]string
	parents  map[string][]string
}

// NewGraph builds a Graph from a node set and child->parent edges.
//
// Returns ErrUnknownNode if an edge endpoint is not in nodes, and
// ErrCycleDetected if the edges do not form a DAG. Validation happens here,
// at the ingestion boundary, so later traversals never need to guard
// against malformed structure.
func NewGraph(nodes []string, edges []phab.Edge) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[string]bool, len(nodes)),
		children: make(map[string][]string, len(nodes)),
		parents:  make(map[string][]string, len(nodes)),
	}
	for _, n := range nodes {
		g.nodes[n] = true
	}

	seen := make(map[phab.Edge]bool, len(edges))
	for _, e := range edges {
		if !g.nodes[e.Child] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, e.Child)
		}
		if !g.nodes[e.Parent] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, e.Parent)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		g.children[e.Parent] = append(g.children[e.Parent], e.Child)
		g.parents[e.Child] = append(g.parents[e.Child], e.Parent)
	}

	for n := range g.nodes {
		sort.Strings(g.children[n])
		sort.Strings(g.parents[n])
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs an iterative three-color DFS over the child adjacency
// lists. A back edge to a node still on the current path is a cycle.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.nodes))

	type frame struct {
		node string
		next int
	}

	starts := g.sortedNodes()
	for _, start := range starts {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			kids := g.children[top.node]
			if top.next < len(kids) {
				child := kids[top.next]
				top.next++
				switch color[child] {
				case grey:
					return fmt.Errorf("%w: %s depends on itself through %s",
						ErrCycleDetected, child, top.node)
				case white:
					color[child] = grey
					stack = append(stack, frame{node: child})
				}
				continue
			}
			color[top.node] = black
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

// Nodes returns the node PHIDs in sorted order.
func (g *Graph) Nodes() []string {
	return g.sortedNodes()
}

// Children returns the sorted child PHIDs of node.
func (g *Graph) Children(node string) []string {
	return g.children[node]
}

// Parents returns the sorted parent PHIDs of node.
func (g *Graph) Parents(node string) []string {
	return g.parents[node]
}

// Contains reports whether node is part of the graph.
func (g *Graph) Contains(node string) bool {
	return g.nodes[node]
}

// Len returns the number of revisions in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

func (g *Graph) sortedNodes() []string {
	out := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
