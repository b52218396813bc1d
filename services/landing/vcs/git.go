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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// runner executes a git command in dir and returns stdout and stderr.
// Tests inject a fake runner; the default shells out to git.
type runner func(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error)

// Stderr patterns emitted by git apply for patches that do not apply.
var (
	patchFailedRe    = regexp.MustCompile(`(?m)^error: patch failed: (.+?):\d+$`)
	doesNotApplyRe   = regexp.MustCompile(`(?m)^error: (.+?): patch does not apply$`)
	missingInIndexRe = regexp.MustCompile(`(?m)^error: (.+?): does not exist in index$`)
	alreadyExistsRe  = regexp.MustCompile(`(?m)^error: (.+?): already exists in working directory$`)
)

// Git is a Driver backed by the git command line tool.
//
// Commits are authored from the patch metadata and committed with a
// fixed service identity so that pushed history attributes the change
// to the revision author while recording the automation as committer.
type Git struct {
	CommitterName  string
	CommitterEmail string

	run runner
}

// NewGit creates a git driver with the default exec-based runner.
func NewGit(committerName, committerEmail string) *Git {
	return &Git{
		CommitterName:  committerName,
		CommitterEmail: committerEmail,
		run:            execGit,
	}
}

// execGit runs git with the given arguments in dir.
func execGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		err = fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return stdout.String(), stderr.String(), err
}

// Ensure makes repoPath an up-to-date clone of url. Clones when the
// directory has no .git, fetches otherwise.
func (g *Git) Ensure(ctx context.Context, repoPath, url string) error {
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("checking clone %s: %w", repoPath, err)
		}
		if err := os.MkdirAll(filepath.Dir(repoPath), 0755); err != nil {
			return fmt.Errorf("creating clone parent: %w", err)
		}
		slog.Info("Cloning repository",
			"url", url,
			"path", repoPath)
		_, stderr, err := g.run(ctx, "", "clone", url, repoPath)
		if err != nil {
			return fmt.Errorf("cloning %s: %w (%s)", url, err, strings.TrimSpace(stderr))
		}
		return nil
	}

	_, stderr, err := g.run(ctx, repoPath, "fetch", "origin")
	if err != nil {
		return fmt.Errorf("fetching %s: %w (%s)", url, err, strings.TrimSpace(stderr))
	}
	return nil
}

// UpdateTo moves the working tree to origin/ref, discarding local
// commits, staged changes, and untracked files from earlier attempts.
func (g *Git) UpdateTo(ctx context.Context, repoPath, ref string) error {
	steps := [][]string{
		{"checkout", "--force", ref},
		{"reset", "--hard", "origin/" + ref},
		{"clean", "-fdx"},
	}
	for _, args := range steps {
		if _, stderr, err := g.run(ctx, repoPath, args...); err != nil {
			return fmt.Errorf("updating to %s: %w (%s)", ref, err, strings.TrimSpace(stderr))
		}
	}
	return nil
}

// ApplyPatch applies a single patch and commits it, returning the new
// commit id. On conflict the working tree is restored and a
// *ConflictError describes the failed and rejected paths.
func (g *Git) ApplyPatch(ctx context.Context, repoPath string, patch *Patch) (string, error) {
	patchFile, err := writePatchFile(patch)
	if err != nil {
		return "", err
	}
	defer os.Remove(patchFile)

	if _, stderr, err := g.run(ctx, repoPath, "apply", "--index", patchFile); err != nil {
		return "", g.conflictFrom(ctx, repoPath, patch, patchFile, stderr)
	}

	args := []string{
		"-c", "user.name=" + g.CommitterName,
		"-c", "user.email=" + g.CommitterEmail,
		"commit",
		"--quiet",
		"--author", patch.Author(),
		"--date", patch.Timestamp.UTC().Format(time.RFC3339),
		"-m", patch.CommitMessage,
	}
	if _, stderr, err := g.run(ctx, repoPath, args...); err != nil {
		return "", fmt.Errorf("committing revision %d: %w (%s)",
			patch.RevisionID, err, strings.TrimSpace(stderr))
	}

	return g.Head(ctx, repoPath)
}

// conflictFrom builds a ConflictError for a failed apply. Reject files
// are materialized with a second --reject pass so they can be reported,
// then the working tree is restored.
func (g *Git) conflictFrom(ctx context.Context, repoPath string, patch *Patch, patchFile, stderr string) error {
	failed := parseFailedPaths(stderr)
	if len(failed) == 0 {
		// git's error wording varies across versions. The breakdown must
		// still name files, so fall back to the paths the diff touches.
		if touched, err := TouchedFiles(patch.Diff); err == nil {
			failed = touched
		}
	}
	conflict := &ConflictError{
		RevisionID:  patch.RevisionID,
		FailedPaths: failed,
	}

	// Best effort; the apply may fail entirely, leaving no rejects.
	_, _, _ = g.run(ctx, repoPath, "apply", "--reject", patchFile)
	if out, _, err := g.run(ctx, repoPath, "status", "--porcelain"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if strings.HasSuffix(line, ".rej") && len(line) > 3 {
				conflict.RejectPaths = append(conflict.RejectPaths, strings.TrimSpace(line[3:]))
			}
		}
	}

	if _, _, err := g.run(ctx, repoPath, "reset", "--hard"); err != nil {
		slog.Warn("Failed to reset working tree after conflict",
			"path", repoPath,
			"error", err)
	}
	if _, _, err := g.run(ctx, repoPath, "clean", "-fdx"); err != nil {
		slog.Warn("Failed to clean working tree after conflict",
			"path", repoPath,
			"error", err)
	}

	return conflict
}

// Push publishes local commits to the push target.
func (g *Git) Push(ctx context.Context, repoPath, target, ref string) error {
	if _, stderr, err := g.run(ctx, repoPath, "push", target, "HEAD:"+ref); err != nil {
		return fmt.Errorf("pushing to %s: %w (%s)", target, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Head returns the commit id of the working tree head.
func (g *Git) Head(ctx context.Context, repoPath string) (string, error) {
	out, stderr, err := g.run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving head: %w (%s)", err, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(out), nil
}

// parseFailedPaths extracts conflicting file paths from git apply stderr.
func parseFailedPaths(stderr string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, re := range []*regexp.Regexp{patchFailedRe, doesNotApplyRe, missingInIndexRe, alreadyExistsRe} {
		for _, m := range re.FindAllStringSubmatch(stderr, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				paths = append(paths, m[1])
			}
		}
	}
	return paths
}

// writePatchFile writes the patch content to a temp file for git apply.
func writePatchFile(patch *Patch) (string, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("revision-%d-*.patch", patch.RevisionID))
	if err != nil {
		return "", fmt.Errorf("creating patch file: %w", err)
	}
	if _, err := f.Write(patch.Diff); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing patch file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing patch file: %w", err)
	}
	return f.Name(), nil
}
