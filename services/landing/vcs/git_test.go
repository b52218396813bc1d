// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeRunner scripts git invocations by subcommand.
type fakeRunner struct {
	calls   [][]string
	results map[string]fakeResult
}

type fakeResult struct {
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) run(ctx context.Context, dir string, args ...string) (string, string, error) {
	f.calls = append(f.calls, args)
	// Key on the subcommand, skipping -c config pairs.
	sub := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		sub = args[i]
		break
	}
	res, ok := f.results[sub]
	if !ok {
		return "", "", nil
	}
	return res.stdout, res.stderr, res.err
}

func (f *fakeRunner) subcommands() []string {
	var subs []string
	for _, call := range f.calls {
		for i := 0; i < len(call); i++ {
			if call[i] == "-c" {
				i++
				continue
			}
			subs = append(subs, call[i])
			break
		}
	}
	return subs
}

func testPatch() *Patch {
	return &Patch{
		RevisionID:    123,
		DiffID:        456,
		AuthorName:    "Jane Developer",
		AuthorEmail:   "jane@example.com",
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CommitMessage: "Bug 1 - Fix the widget. r=reviewer",
		Diff:          []byte(sampleDiff),
	}
}

const sampleDiff = `diff --git a/widget.go b/widget.go
--- a/widget.go
+++ b/widget.go
@@ -1,3 +1,3 @@
 package widget

-var broken = true
+var broken = false
`

func TestApplyPatchCommitsAndReturnsHead(t *testing.T) {
	fake := &fakeRunner{results: map[string]fakeResult{
		"rev-parse": {stdout: "abcdef0123456789\n"},
	}}
	g := &Git{CommitterName: "Autoland", CommitterEmail: "autoland@example.com", run: fake.run}

	sha, err := g.ApplyPatch(context.Background(), "/clones/central", testPatch())
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if sha != "abcdef0123456789" {
		t.Errorf("sha = %q", sha)
	}

	want := []string{"apply", "commit", "rev-parse"}
	got := fake.subcommands()
	if len(got) != len(want) {
		t.Fatalf("subcommands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("subcommand[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Author comes from the patch, committer from the service identity.
	commit := fake.calls[1]
	joined := strings.Join(commit, " ")
	if !strings.Contains(joined, "Jane Developer <jane@example.com>") {
		t.Errorf("commit args missing author: %v", commit)
	}
	if !strings.Contains(joined, "user.name=Autoland") {
		t.Errorf("commit args missing committer identity: %v", commit)
	}
}

func TestApplyPatchConflict(t *testing.T) {
	applyStderr := strings.Join([]string{
		"error: patch failed: widget.go:1",
		"error: widget.go: patch does not apply",
		"error: missing.go: does not exist in index",
	}, "\n")
	fake := &fakeRunner{results: map[string]fakeResult{
		"apply":  {stderr: applyStderr, err: fmt.Errorf("git apply: exit status 1")},
		"status": {stdout: " M widget.go\n?? widget.go.rej\n"},
	}}
	g := &Git{CommitterName: "Autoland", CommitterEmail: "autoland@example.com", run: fake.run}

	_, err := g.ApplyPatch(context.Background(), "/clones/central", testPatch())
	if !errors.Is(err, ErrPatchConflict) {
		t.Fatalf("ApplyPatch = %v, want ErrPatchConflict", err)
	}

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error is not a *ConflictError: %v", err)
	}
	if conflict.RevisionID != 123 {
		t.Errorf("RevisionID = %d", conflict.RevisionID)
	}
	wantFailed := []string{"widget.go", "missing.go"}
	if len(conflict.FailedPaths) != 2 || conflict.FailedPaths[0] != wantFailed[0] || conflict.FailedPaths[1] != wantFailed[1] {
		t.Errorf("FailedPaths = %v, want %v", conflict.FailedPaths, wantFailed)
	}
	if len(conflict.RejectPaths) != 1 || conflict.RejectPaths[0] != "widget.go.rej" {
		t.Errorf("RejectPaths = %v", conflict.RejectPaths)
	}

	// The working tree is restored after harvesting rejects.
	subs := fake.subcommands()
	joined := strings.Join(subs, " ")
	if !strings.Contains(joined, "reset") || !strings.Contains(joined, "clean") {
		t.Errorf("conflict handling did not restore the tree: %v", subs)
	}
}

func TestApplyPatchConflictWithUnparseableStderr(t *testing.T) {
	// A git version whose error wording matches none of the known
	// patterns. The breakdown still names the files the diff touches.
	fake := &fakeRunner{results: map[string]fakeResult{
		"apply": {stderr: "fatal: unrecognized gibberish\n", err: fmt.Errorf("git apply: exit status 1")},
	}}
	g := &Git{CommitterName: "Autoland", CommitterEmail: "autoland@example.com", run: fake.run}

	_, err := g.ApplyPatch(context.Background(), "/clones/central", testPatch())
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error is not a *ConflictError: %v", err)
	}
	if len(conflict.FailedPaths) != 1 || conflict.FailedPaths[0] != "widget.go" {
		t.Errorf("FailedPaths = %v, want the diff's touched files", conflict.FailedPaths)
	}
}

func TestUpdateToDiscardsLocalState(t *testing.T) {
	fake := &fakeRunner{}
	g := &Git{run: fake.run}

	if err := g.UpdateTo(context.Background(), "/clones/central", "main"); err != nil {
		t.Fatalf("UpdateTo: %v", err)
	}
	want := []string{"checkout", "reset", "clean"}
	got := fake.subcommands()
	if len(got) != len(want) {
		t.Fatalf("subcommands = %v, want %v", got, want)
	}
}

func TestParseFailedPathsDeduplicates(t *testing.T) {
	stderr := strings.Join([]string{
		"error: patch failed: a.go:10",
		"error: a.go: patch does not apply",
		"error: b.go: already exists in working directory",
	}, "\n")
	paths := parseFailedPaths(stderr)
	if len(paths) != 2 || paths[0] != "a.go" || paths[1] != "b.go" {
		t.Errorf("paths = %v", paths)
	}
}

func TestTouchedFiles(t *testing.T) {
	const multi = `diff --git a/widget.go b/widget.go
--- a/widget.go
+++ b/widget.go
@@ -1,1 +1,1 @@
-old
+new
diff --git a/old_name.go b/new_name.go
--- a/old_name.go
+++ b/new_name.go
@@ -1,1 +1,1 @@
-old
+new
`
	paths, err := TouchedFiles([]byte(multi))
	if err != nil {
		t.Fatalf("TouchedFiles: %v", err)
	}
	want := map[string]bool{"widget.go": true, "old_name.go": true, "new_name.go": true}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v", paths)
	}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("unexpected path %q", p)
		}
	}
}
