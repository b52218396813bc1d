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
	"testing"
	"time"

	"github.com/autoland/autoland/services/landing/jobs"
	"github.com/autoland/autoland/services/landing/lease"
	"github.com/autoland/autoland/services/landing/queue"
	"github.com/autoland/autoland/services/landing/repos"
	"github.com/autoland/autoland/services/landing/storage/badger"
	"github.com/autoland/autoland/services/landing/vcs"
)

// fakeDriver scripts vcs behavior per revision id.
type fakeDriver struct {
	applied   []int
	pushed    int
	conflicts map[int]*vcs.ConflictError
	applyErr  map[int]error
	pushErr   error
	onApply   func(revisionID int)
}

func (d *fakeDriver) Ensure(ctx context.Context, repoPath, url string) error   { return nil }
func (d *fakeDriver) UpdateTo(ctx context.Context, repoPath, ref string) error { return nil }

func (d *fakeDriver) ApplyPatch(ctx context.Context, repoPath string, patch *vcs.Patch) (string, error) {
	if d.onApply != nil {
		d.onApply(patch.RevisionID)
	}
	if err, ok := d.applyErr[patch.RevisionID]; ok {
		return "", err
	}
	if conflict, ok := d.conflicts[patch.RevisionID]; ok {
		return "", conflict
	}
	d.applied = append(d.applied, patch.RevisionID)
	return fmt.Sprintf("commit-%d", patch.RevisionID), nil
}

func (d *fakeDriver) Push(ctx context.Context, repoPath, target, ref string) error {
	if d.pushErr != nil {
		return d.pushErr
	}
	d.pushed++
	return nil
}

func (d *fakeDriver) Head(ctx context.Context, repoPath string) (string, error) {
	return "head", nil
}

// fakePatches serves empty patches for any revision.
type fakePatches struct{}

func (fakePatches) Patch(ctx context.Context, revisionID, diffID int) (*vcs.Patch, error) {
	return &vcs.Patch{
		RevisionID:    revisionID,
		DiffID:        diffID,
		AuthorName:    "Jane Developer",
		AuthorEmail:   "jane@example.com",
		Timestamp:     time.Unix(1700000000, 0),
		CommitMessage: fmt.Sprintf("Patch for revision %d", revisionID),
	}, nil
}

type fakeGate struct{ open bool }

func (g *fakeGate) IsOpen(ctx context.Context, tree string) (bool, error) { return g.open, nil }

func testConfig(t *testing.T) *repos.Config {
	t.Helper()
	cfg, err := repos.Parse([]byte(`
repos:
  - name: central
    phid: PHID-REPO-central
    url: https://example.com/central
    clone_path: /var/clones/central
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

type fixture struct {
	store  *jobs.Store
	queue  *queue.Memory
	driver *fakeDriver
	gate   *fakeGate
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	store, err := jobs.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})

	leases, err := lease.NewManager(lease.ManagerConfig{
		LeaseDir: t.TempDir(),
		WorkerID: "test-worker",
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { leases.Close() })

	driver := &fakeDriver{}
	gate := &fakeGate{open: true}
	q := queue.NewMemory(4)
	w := New(store, q, leases, driver, fakePatches{}, gate, testConfig(t), Config{
		PollInterval:  10 * time.Millisecond,
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
		MaxAttempts:   3,
	})
	return &fixture{store: store, queue: q, driver: driver, gate: gate, worker: w}
}

func testConfigPair(t *testing.T) *repos.Config {
	t.Helper()
	cfg, err := repos.Parse([]byte(`
repos:
  - name: central
    phid: PHID-REPO-central
    url: https://example.com/central
    clone_path: /var/clones/central
  - name: beta
    phid: PHID-REPO-beta
    url: https://example.com/beta
    clone_path: /var/clones/beta
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func submitJob(t *testing.T, f *fixture, revisions ...int) *jobs.Job {
	t.Helper()
	return submitJobFor(t, f.store, "central", revisions...)
}

func submitJobFor(t *testing.T, store *jobs.Store, repo string, revisions ...int) *jobs.Job {
	t.Helper()
	path := make([]jobs.PathEntry, len(revisions))
	for i, r := range revisions {
		path[i] = jobs.PathEntry{RevisionID: r, DiffID: r * 10}
	}
	job := &jobs.Job{
		Path:           path,
		RequesterEmail: "lander@example.com",
		RepositoryName: repo,
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func TestStepLandsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := submitJob(t, f, 1, 2, 3)

	progressed, err := f.worker.step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !progressed {
		t.Error("step should report progress")
	}

	landed, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if landed.Status != jobs.StatusLanded {
		t.Fatalf("Status = %s, want %s (error: %s)", landed.Status, jobs.StatusLanded, landed.Error)
	}
	if landed.LandedCommitID != "commit-3" {
		t.Errorf("LandedCommitID = %q, want commit of the last patch", landed.LandedCommitID)
	}
	if landed.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", landed.Attempts)
	}

	// Patches are applied in path order and pushed once.
	if len(f.driver.applied) != 3 || f.driver.applied[0] != 1 || f.driver.applied[2] != 3 {
		t.Errorf("applied = %v", f.driver.applied)
	}
	if f.driver.pushed != 1 {
		t.Errorf("pushed = %d, want 1", f.driver.pushed)
	}
}

func TestStepDefersWhenTreeClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gate.open = false
	job := submitJob(t, f, 1)

	progressed, err := f.worker.step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if progressed {
		t.Error("a deferral is not progress")
	}

	deferred, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if deferred.Status != jobs.StatusDeferred {
		t.Fatalf("Status = %s, want %s", deferred.Status, jobs.StatusDeferred)
	}
	if deferred.Error == "" {
		t.Error("deferred job should record the closed tree")
	}
	if len(f.driver.applied) != 0 {
		t.Errorf("no patches should apply on a closed tree, applied %v", f.driver.applied)
	}

	// The tree reopens and a later wake-up lands the job.
	f.gate.open = true
	if _, err := f.worker.step(ctx); err != nil {
		t.Fatalf("second step: %v", err)
	}
	landed, _ := f.store.Get(ctx, job.ID)
	if landed.Status != jobs.StatusLanded {
		t.Errorf("Status = %s after reopen, want %s", landed.Status, jobs.StatusLanded)
	}
	// Waiting on a closed tree does not consume an attempt.
	if landed.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", landed.Attempts)
	}
}

func TestStepFailsJobOnConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver.conflicts = map[int]*vcs.ConflictError{
		2: {RevisionID: 2, FailedPaths: []string{"widget.go"}, RejectPaths: []string{"widget.go.rej"}},
	}
	job := submitJob(t, f, 1, 2, 3)

	progressed, err := f.worker.step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !progressed {
		t.Error("a failure is progress")
	}

	failed, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if failed.Status != jobs.StatusFailed {
		t.Fatalf("Status = %s, want %s", failed.Status, jobs.StatusFailed)
	}
	if failed.Breakdown == nil {
		t.Fatal("conflict failure must carry a breakdown")
	}
	if failed.Breakdown.RevisionID != 2 {
		t.Errorf("Breakdown.RevisionID = %d, want 2", failed.Breakdown.RevisionID)
	}
	if len(failed.Breakdown.FailedPaths) != 1 || failed.Breakdown.FailedPaths[0] != "widget.go" {
		t.Errorf("FailedPaths = %v", failed.Breakdown.FailedPaths)
	}

	// The first patch applied, the third was never reached, nothing pushed.
	if len(f.driver.applied) != 1 || f.driver.applied[0] != 1 {
		t.Errorf("applied = %v", f.driver.applied)
	}
	if f.driver.pushed != 0 {
		t.Errorf("pushed = %d, want 0", f.driver.pushed)
	}
}

func TestStepDefersOnPushFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver.pushErr = fmt.Errorf("remote hung up")
	job := submitJob(t, f, 1)

	if _, err := f.worker.step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}

	deferred, _ := f.store.Get(ctx, job.ID)
	if deferred.Status != jobs.StatusDeferred {
		t.Fatalf("Status = %s, want %s", deferred.Status, jobs.StatusDeferred)
	}
}

func TestStepSkipsCancelledJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := submitJob(t, f, 1)
	if _, err := f.store.Transition(ctx, job.ID, jobs.StatusCancelled, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	progressed, err := f.worker.step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if progressed {
		t.Error("cancelled job should be skipped")
	}
	if len(f.driver.applied) != 0 {
		t.Errorf("applied = %v, want none", f.driver.applied)
	}
}

func TestQueuedCancellationHonoredBetweenPatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := submitJob(t, f, 1, 2, 3)

	// A cancellation arrives while the worker owns the job. It cannot
	// cancel outright, so the flag is queued on the record.
	f.driver.onApply = func(revisionID int) {
		if revisionID != 1 {
			return
		}
		current, err := f.store.Get(ctx, job.ID)
		if err != nil {
			t.Errorf("Get: %v", err)
			return
		}
		current.CancelRequested = true
		if err := f.store.Save(ctx, current); err != nil {
			t.Errorf("Save: %v", err)
		}
	}

	progressed, err := f.worker.step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !progressed {
		t.Error("a cancellation is progress")
	}

	cancelled, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cancelled.Status != jobs.StatusCancelled {
		t.Fatalf("Status = %s, want %s", cancelled.Status, jobs.StatusCancelled)
	}
	// Only the first patch was applied, nothing was pushed.
	if len(f.driver.applied) != 1 {
		t.Errorf("applied = %v, want one patch", f.driver.applied)
	}
	if f.driver.pushed != 0 {
		t.Errorf("pushed = %d, want 0", f.driver.pushed)
	}
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.worker.maxAttempts = 2
	f.driver.pushErr = fmt.Errorf("remote hung up")
	job := submitJob(t, f, 1)

	if _, err := f.worker.step(ctx); err != nil {
		t.Fatalf("first step: %v", err)
	}
	deferred, _ := f.store.Get(ctx, job.ID)
	if deferred.Status != jobs.StatusDeferred {
		t.Fatalf("Status after first attempt = %s, want %s", deferred.Status, jobs.StatusDeferred)
	}

	if _, err := f.worker.step(ctx); err != nil {
		t.Fatalf("second step: %v", err)
	}
	failed, _ := f.store.Get(ctx, job.ID)
	if failed.Status != jobs.StatusFailed {
		t.Fatalf("Status after exhaustion = %s, want %s", failed.Status, jobs.StatusFailed)
	}
	if failed.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", failed.Attempts)
	}
}

func TestPausedWorkerClaimsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := submitJob(t, f, 1)

	f.worker.Pause()
	progressed, err := f.worker.step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if progressed {
		t.Error("paused worker should not progress")
	}
	still, _ := f.store.Get(ctx, job.ID)
	if still.Status != jobs.StatusSubmitted {
		t.Errorf("Status = %s, want %s", still.Status, jobs.StatusSubmitted)
	}

	f.worker.Resume()
	if _, err := f.worker.step(ctx); err != nil {
		t.Fatalf("step after resume: %v", err)
	}
	landed, _ := f.store.Get(ctx, job.ID)
	if landed.Status != jobs.StatusLanded {
		t.Errorf("Status = %s after resume, want %s", landed.Status, jobs.StatusLanded)
	}
}

func TestStepEmptyQueue(t *testing.T) {
	f := newFixture(t)
	progressed, err := f.worker.step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if progressed {
		t.Error("empty queue is not progress")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	submitJob(t, f, 1)
	_ = f.queue.Enqueue(ctx, 1)

	// Let the loop pick the job up, then stop it.
	deadline := time.After(2 * time.Second)
	for {
		all, err := f.store.List(context.Background(), 0)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) == 1 && all[0].Status == jobs.StatusLanded {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job did not land before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestCrashedJobIsRecovered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := submitJob(t, f, 1)

	// A previous worker claimed the job and died without unwinding it;
	// its lease evaporated with the process.
	if _, err := f.store.Transition(ctx, job.ID, jobs.StatusInProgress, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	progressed, err := f.worker.step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !progressed {
		t.Fatal("the orphaned job should be taken over and landed")
	}

	landed, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if landed.Status != jobs.StatusLanded {
		t.Errorf("Status = %s, want %s (error: %s)", landed.Status, jobs.StatusLanded, landed.Error)
	}
	if len(f.driver.applied) != 1 {
		t.Errorf("applied = %v, want one patch", f.driver.applied)
	}
}

func TestRepositoriesLandInParallel(t *testing.T) {
	ctx := context.Background()
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	store, err := jobs.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})

	cfg := testConfigPair(t)
	leaseDir := t.TempDir()
	newWorker := func(id string, driver *fakeDriver) *Worker {
		leases, err := lease.NewManager(lease.ManagerConfig{
			LeaseDir: leaseDir,
			WorkerID: id,
		})
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		t.Cleanup(func() { leases.Close() })
		return New(store, queue.NewMemory(4), leases, driver, fakePatches{}, &fakeGate{open: true}, cfg, Config{
			PollInterval:  10 * time.Millisecond,
			MaxRetries:    1,
			RetryInterval: time.Millisecond,
			MaxAttempts:   3,
		})
	}

	// Worker A wedges inside the central landing until released.
	block := make(chan struct{})
	started := make(chan struct{})
	slow := &fakeDriver{onApply: func(int) {
		close(started)
		<-block
	}}
	workerA := newWorker("worker-a", slow)
	driverB := &fakeDriver{}
	workerB := newWorker("worker-b", driverB)

	central := submitJobFor(t, store, "central", 1)
	extra := submitJobFor(t, store, "central", 2)
	beta := submitJobFor(t, store, "beta", 3)

	done := make(chan error, 1)
	go func() {
		_, err := workerA.step(ctx)
		done <- err
	}()
	<-started

	// While worker A owns central, worker B must skip its head and land
	// the beta job instead of waiting behind the held lease.
	progressed, err := workerB.step(ctx)
	if err != nil {
		t.Fatalf("workerB step: %v", err)
	}
	if !progressed {
		t.Fatal("worker B should land the beta job while central is held")
	}
	betaJob, _ := store.Get(ctx, beta.ID)
	if betaJob.Status != jobs.StatusLanded {
		t.Errorf("beta Status = %s, want %s", betaJob.Status, jobs.StatusLanded)
	}
	centralJob, _ := store.Get(ctx, central.ID)
	if centralJob.Status != jobs.StatusInProgress {
		t.Errorf("central Status = %s, want %s", centralJob.Status, jobs.StatusInProgress)
	}
	// At most one central job runs at a time: the second one is never
	// claimed while the first holds the lease.
	extraJob, _ := store.Get(ctx, extra.ID)
	if extraJob.Status != jobs.StatusSubmitted {
		t.Errorf("extra central Status = %s, want %s", extraJob.Status, jobs.StatusSubmitted)
	}
	if progressed, err := workerB.step(ctx); err != nil || progressed {
		t.Errorf("step with only leased central work = (%v, %v), want no progress", progressed, err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("workerA step: %v", err)
	}
	centralJob, _ = store.Get(ctx, central.ID)
	if centralJob.Status != jobs.StatusLanded {
		t.Errorf("central Status = %s after release, want %s", centralJob.Status, jobs.StatusLanded)
	}
}
