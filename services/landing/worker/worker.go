// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker drives landing jobs from the persistent queue through
// the job state machine: claim, gate on tree status, apply each patch
// in order, push, and record the outcome.
//
// Every transition goes through the job store's state machine, so a
// duplicate wake-up or a second worker racing on the same job degrades
// to a rejected transition and a skip, never a double landing. Patches
// for one repository are applied under that repository's lease.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/autoland/autoland/services/landing/jobs"
	"github.com/autoland/autoland/services/landing/lease"
	"github.com/autoland/autoland/services/landing/observability"
	"github.com/autoland/autoland/services/landing/queue"
	"github.com/autoland/autoland/services/landing/repos"
	"github.com/autoland/autoland/services/landing/vcs"
)

// TreeGate reports whether a tree currently accepts landings.
type TreeGate interface {
	IsOpen(ctx context.Context, tree string) (bool, error)
}

// Config tunes the worker loop.
type Config struct {
	// PollInterval bounds how long the loop waits for a queue signal
	// before re-scanning the store. Defaults to 10 seconds.
	PollInterval time.Duration

	// MaxRetries bounds retries of transient operations (clone, fetch,
	// push, patch download) before the job is deferred. Defaults to 4.
	MaxRetries uint64

	// RetryInterval is the initial backoff interval for transient
	// retries. Defaults to 500ms.
	RetryInterval time.Duration

	// MaxAttempts bounds how many times a job may be picked up before a
	// transient deferral turns into a permanent failure. Deferrals for a
	// closed tree never count. Defaults to 5.
	MaxAttempts int

	// StartPaused starts the loop paused; Resume unpauses it.
	StartPaused bool
}

// Worker lands queued jobs for the configured repositories.
type Worker struct {
	store   *jobs.Store
	queue   queue.Queue
	leases  *lease.Manager
	driver  vcs.Driver
	patches PatchSource
	gate    TreeGate
	config  *repos.Config

	poll          time.Duration
	maxRetries    uint64
	retryInterval time.Duration
	maxAttempts   int
	paused        atomic.Bool
}

// New creates a worker. All collaborators are required.
func New(store *jobs.Store, q queue.Queue, leases *lease.Manager, driver vcs.Driver,
	patches PatchSource, gate TreeGate, config *repos.Config, cfg Config) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 4
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	w := &Worker{
		store:         store,
		queue:         q,
		leases:        leases,
		driver:        driver,
		patches:       patches,
		gate:          gate,
		config:        config,
		poll:          cfg.PollInterval,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		maxAttempts:   cfg.MaxAttempts,
	}
	w.paused.Store(cfg.StartPaused)
	return w
}

// Pause stops the loop from claiming new jobs. The job being processed
// finishes normally.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume lets a paused loop claim jobs again.
func (w *Worker) Resume() { w.paused.Store(false) }

// Paused reports whether the loop is paused.
func (w *Worker) Paused() bool { return w.paused.Load() }

// Run processes jobs until the context is cancelled.
//
// The loop paces itself: after landing or failing a job it immediately
// looks for the next one, but after an empty scan or a deferral it
// waits for a queue signal or the poll interval, whichever comes
// first. A deferred job is retried on the next wake-up, by which time
// the tree may have reopened.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Landing worker started",
		"repositories", len(w.config.Repos),
		"poll_interval", w.poll)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		progressed, err := w.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Landing worker step failed",
				"error", err)
		}
		if progressed {
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, w.poll)
		_, _ = w.queue.Dequeue(waitCtx)
		cancel()
	}
}

// RunN runs n concurrent worker loops sharing the same queue and
// store. Per-repository leases keep them off each other's clones.
func (w *Worker) RunN(ctx context.Context, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// step walks the per-repository queue heads and processes the first
// claimable job. A head whose repository is leased to another worker
// is skipped rather than ending the scan, so one busy repository
// never holds up the others. It reports whether a job reached a
// terminal state, which tells Run to scan again immediately instead
// of waiting.
func (w *Worker) step(ctx context.Context) (bool, error) {
	if w.paused.Load() {
		return false, nil
	}
	heads, err := w.store.NextReady(ctx, w.config.Names())
	if err != nil {
		return false, err
	}
	for _, job := range heads {
		progressed, err := w.process(ctx, job)
		if progressed || err != nil {
			return progressed, err
		}
	}
	return false, nil
}

// process lands a single job under its repository lease.
func (w *Worker) process(ctx context.Context, job *jobs.Job) (bool, error) {
	repo := w.config.ByName(job.RepositoryName)
	if repo == nil {
		// Should not happen: NextReady filters on configured names.
		return true, w.fail(ctx, job.ID, fmt.Sprintf("repository %s is not configured for landing", job.RepositoryName), nil)
	}

	if err := w.leases.Acquire(repo.Name, fmt.Sprintf("landing job %d", job.ID)); err != nil {
		if errors.Is(err, lease.ErrRepoLeased) {
			slog.Debug("Repository leased elsewhere, skipping job",
				"repository", repo.Name,
				"job_id", job.ID)
			return false, nil
		}
		return false, err
	}
	observability.LeaseHeld(repo.Name, true)
	defer func() {
		observability.LeaseHeld(repo.Name, false)
		if err := w.leases.Release(repo.Name); err != nil {
			slog.Warn("Failed to release repository lease",
				"repository", repo.Name,
				"error", err)
		}
	}()

	if job.Status == jobs.StatusInProgress {
		// The lease was free while the record reads IN_PROGRESS, so the
		// owning worker died mid-landing. Unwind to DEFERRED and take
		// over; the attempt restarts from a clean tree.
		recovered, err := w.store.Transition(ctx, job.ID, jobs.StatusDeferred, func(j *jobs.Job) {
			j.Error = "recovered from interrupted landing"
		})
		if err != nil {
			if errors.Is(err, jobs.ErrInvalidTransition) {
				// Finished since the scan; a stale wake-up is a no-op.
				return false, nil
			}
			return false, err
		}
		observability.ObserveTransition(string(jobs.StatusInProgress), string(jobs.StatusDeferred))
		slog.Warn("Recovered orphaned landing job",
			"job_id", job.ID,
			"repository", repo.Name)
		job = recovered
	}

	previous := job.Status
	claimed, err := w.store.Transition(ctx, job.ID, jobs.StatusInProgress, nil)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			// Cancelled or already finished; a stale wake-up is a no-op.
			return false, nil
		}
		return false, err
	}
	job = claimed
	observability.ObserveTransition(string(previous), string(jobs.StatusInProgress))

	if job.CancelRequested {
		return true, w.cancel(ctx, job.ID)
	}

	open, err := w.gate.IsOpen(ctx, repo.Name)
	if err != nil {
		return false, w.deferJob(ctx, job, fmt.Sprintf("tree status check failed: %v", err), false)
	}
	if !open {
		return false, w.deferJob(ctx, job, fmt.Sprintf("Tree %s is closed - retrying later.", repo.Name), false)
	}

	// The attempt starts once the tree lets us through; time spent
	// waiting on a closed tree never exhausts the job.
	job.Attempts++
	if err := w.store.Save(ctx, job); err != nil {
		return false, err
	}

	slog.Info("Processing landing job",
		"job_id", job.ID,
		"repository", repo.Name,
		"revisions", job.RevisionIDs(),
		"attempt", job.Attempts)

	if err := w.retry(ctx, func() error {
		return w.driver.Ensure(ctx, repo.ClonePath, repo.URL)
	}); err != nil {
		return false, w.deferJob(ctx, job, fmt.Sprintf("preparing clone: %v", err), true)
	}
	if err := w.retry(ctx, func() error {
		return w.driver.UpdateTo(ctx, repo.ClonePath, repo.TargetRef())
	}); err != nil {
		return false, w.deferJob(ctx, job, fmt.Sprintf("updating clone: %v", err), true)
	}

	var head string
	for i, entry := range job.Path {
		// Safe boundary between patches: shutdown re-defers the job and
		// a queued cancellation is honored here. Either way a later
		// attempt starts over from a clean tree.
		if ctx.Err() != nil {
			return false, w.deferJob(context.WithoutCancel(ctx), job, "worker shutdown", false)
		}
		if i > 0 {
			current, err := w.store.Get(ctx, job.ID)
			if err != nil {
				return false, err
			}
			if current.CancelRequested {
				return true, w.cancel(ctx, job.ID)
			}
		}

		var patch *vcs.Patch
		if err := w.retry(ctx, func() error {
			var perr error
			patch, perr = w.patches.Patch(ctx, entry.RevisionID, entry.DiffID)
			return perr
		}); err != nil {
			return false, w.deferJob(ctx, job, fmt.Sprintf("fetching patch for revision %d: %v", entry.RevisionID, err), true)
		}

		sha, err := w.driver.ApplyPatch(ctx, repo.ClonePath, patch)
		if err != nil {
			var conflict *vcs.ConflictError
			if errors.As(err, &conflict) {
				return true, w.fail(ctx, job.ID, err.Error(), &jobs.ConflictBreakdown{
					RevisionID:  conflict.RevisionID,
					FailedPaths: conflict.FailedPaths,
					RejectPaths: conflict.RejectPaths,
				})
			}
			return false, w.deferJob(ctx, job, fmt.Sprintf("applying revision %d: %v", entry.RevisionID, err), true)
		}
		head = sha
	}

	if err := w.retry(ctx, func() error {
		return w.driver.Push(ctx, repo.ClonePath, repo.PushTarget(), repo.TargetRef())
	}); err != nil {
		return false, w.deferJob(ctx, job, fmt.Sprintf("pushing to %s: %v", repo.PushTarget(), err), true)
	}

	if _, err := w.store.Transition(ctx, job.ID, jobs.StatusLanded, func(j *jobs.Job) {
		j.LandedCommitID = head
		j.Error = ""
	}); err != nil {
		return false, err
	}
	observability.ObserveTransition(string(jobs.StatusInProgress), string(jobs.StatusLanded))
	observability.ObserveLanding(repo.Name, time.Since(job.CreatedAt))

	slog.Info("Landed",
		"job_id", job.ID,
		"repository", repo.Name,
		"commit", head)
	return true, nil
}

// deferJob moves a claimed job back to DEFERRED with a reason. When the
// deferral is a transient failure (exhaustible) and the job has used up
// its attempts, it fails instead.
func (w *Worker) deferJob(ctx context.Context, job *jobs.Job, reason string, exhaustible bool) error {
	if exhaustible && job.Attempts >= w.maxAttempts {
		return w.fail(ctx, job.ID, fmt.Sprintf("landing attempts exhausted: %s", reason), nil)
	}
	_, err := w.store.Transition(ctx, job.ID, jobs.StatusDeferred, func(j *jobs.Job) {
		j.Error = reason
	})
	if err != nil {
		return fmt.Errorf("deferring job %d: %w", job.ID, err)
	}
	observability.ObserveTransition(string(jobs.StatusInProgress), string(jobs.StatusDeferred))
	slog.Info("Deferred landing job",
		"job_id", job.ID,
		"reason", reason)
	return nil
}

// cancel honors a queued cancellation. The state machine only allows
// CANCELLED from SUBMITTED or DEFERRED, so the owned job steps through
// DEFERRED first.
func (w *Worker) cancel(ctx context.Context, id int64) error {
	if _, err := w.store.Transition(ctx, id, jobs.StatusDeferred, func(j *jobs.Job) {
		j.Error = "cancellation requested"
	}); err != nil {
		return fmt.Errorf("unwinding job %d for cancellation: %w", id, err)
	}
	if _, err := w.store.Transition(ctx, id, jobs.StatusCancelled, nil); err != nil {
		return fmt.Errorf("cancelling job %d: %w", id, err)
	}
	observability.ObserveTransition(string(jobs.StatusDeferred), string(jobs.StatusCancelled))
	slog.Info("Cancelled landing job at safe boundary",
		"job_id", id)
	return nil
}

// fail moves a claimed job to FAILED, recording the conflict breakdown
// when the failure was a patch conflict.
func (w *Worker) fail(ctx context.Context, id int64, reason string, breakdown *jobs.ConflictBreakdown) error {
	_, err := w.store.Transition(ctx, id, jobs.StatusFailed, func(j *jobs.Job) {
		j.Error = reason
		j.Breakdown = breakdown
	})
	if err != nil {
		return fmt.Errorf("failing job %d: %w", id, err)
	}
	observability.ObserveTransition(string(jobs.StatusInProgress), string(jobs.StatusFailed))
	slog.Warn("Landing job failed",
		"job_id", id,
		"reason", reason)
	return nil
}

// retry runs op with bounded exponential backoff. Context cancellation
// stops the retries.
func (w *Worker) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retryInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, w.maxRetries), ctx))
}
