// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lease

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, dir, workerID string) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		LeaseDir:   dir,
		WorkerID:   workerID,
		DefaultTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAcquireAndRelease(t *testing.T) {
	m := newTestManager(t, t.TempDir(), "worker-0")

	if err := m.Acquire("central", "landing job 1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	held, info, err := m.Holder("central")
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if !held {
		t.Error("Holder = false after Acquire")
	}
	if info == nil || info.WorkerID != "worker-0" || info.PID != os.Getpid() {
		t.Errorf("lease info = %+v", info)
	}

	if err := m.Release("central"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	held, _, err = m.Holder("central")
	if err != nil {
		t.Fatalf("Holder after release: %v", err)
	}
	if held {
		t.Error("Holder = true after Release")
	}
}

func TestReacquireIsIdempotent(t *testing.T) {
	m := newTestManager(t, t.TempDir(), "worker-0")

	if err := m.Acquire("central", "landing job 1"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := m.Acquire("central", "landing job 2"); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}

	_, info, err := m.Holder("central")
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if info.Reason != "landing job 2" {
		t.Errorf("Reason = %q, want updated reason", info.Reason)
	}
}

func TestAcquireConflictBetweenWorkers(t *testing.T) {
	dir := t.TempDir()
	first := newTestManager(t, dir, "worker-0")
	second := newTestManager(t, dir, "worker-1")

	if err := first.Acquire("central", "landing job 1"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	err := second.Acquire("central", "landing job 2")
	if !errors.Is(err, ErrRepoLeased) {
		t.Fatalf("second Acquire = %v, want ErrRepoLeased", err)
	}
	var leaseErr *LeaseError
	if !errors.As(err, &leaseErr) {
		t.Fatalf("error is not a *LeaseError: %v", err)
	}
	if leaseErr.Holder == nil || leaseErr.Holder.WorkerID != "worker-0" {
		t.Errorf("conflict holder = %+v", leaseErr.Holder)
	}

	// A different repository is not affected.
	if err := second.Acquire("beta", "landing job 2"); err != nil {
		t.Errorf("Acquire on other repository: %v", err)
	}
}

func writeStaleLease(t *testing.T, dir, repository string) {
	t.Helper()
	info := LeaseInfo{
		Repository: repository,
		PID:        os.Getpid(),
		WorkerID:   "crashed-worker",
		AcquiredAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().Add(-time.Hour),
	}
	data, err := json.Marshal(&info)
	if err != nil {
		t.Fatalf("marshal lease: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, repository+".lease"), data, 0644); err != nil {
		t.Fatalf("write lease: %v", err)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	writeStaleLease(t, dir, "central")

	m := newTestManager(t, dir, "worker-0")
	if err := m.Acquire("central", "landing job 1"); err != nil {
		t.Fatalf("Acquire over expired lease: %v", err)
	}

	_, info, err := m.Holder("central")
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if info.WorkerID != "worker-0" {
		t.Errorf("WorkerID = %q, want worker-0", info.WorkerID)
	}
}

func TestCleanupStaleLeases(t *testing.T) {
	dir := t.TempDir()
	writeStaleLease(t, dir, "central")
	writeStaleLease(t, dir, "beta")

	m := newTestManager(t, dir, "worker-0")
	cleaned, err := m.CleanupStaleLeases()
	if err != nil {
		t.Fatalf("CleanupStaleLeases: %v", err)
	}
	if cleaned != 2 {
		t.Errorf("cleaned = %d, want 2", cleaned)
	}
}

func TestReleaseNotHeld(t *testing.T) {
	m := newTestManager(t, t.TempDir(), "worker-0")
	if err := m.Release("central"); !errors.Is(err, ErrLeaseNotHeld) {
		t.Errorf("Release = %v, want ErrLeaseNotHeld", err)
	}
}
