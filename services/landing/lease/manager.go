// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lease provides per-repository mutual exclusion for landing
// workers. At most one worker may apply patches to a repository clone
// at a time; a lease is an advisory file lock plus a JSON info file
// that survives crashes and is reclaimed via PID and TTL checks.
package lease

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LeaseInfo describes the holder of a repository lease.
//
// Persisted as JSON next to the locked file so operators and other
// workers can see who holds a repository and since when.
type LeaseInfo struct {
	Repository string    `json:"repository"`
	PID        int       `json:"pid"`
	WorkerID   string    `json:"worker_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Reason     string    `json:"reason,omitempty"`
}

// IsExpired reports whether the lease has passed its TTL.
func (i *LeaseInfo) IsExpired() bool {
	return time.Now().After(i.ExpiresAt)
}

// ManagerConfig configures a lease Manager.
type ManagerConfig struct {
	// LeaseDir is the directory holding lease files.
	// Defaults to ".autoland/leases".
	LeaseDir string

	// WorkerID identifies this worker in lease info files.
	WorkerID string

	// DefaultTTL bounds how long a crashed worker's lease survives
	// a dead-PID check failure. Defaults to one hour.
	DefaultTTL time.Duration

	// CleanupOnInit removes stale leases from crashed workers
	// when the manager is created.
	CleanupOnInit bool
}

// DefaultManagerConfig returns a config with default values.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		LeaseDir:   ".autoland/leases",
		DefaultTTL: time.Hour,
	}
}

// leaseEntry tracks a lease held by this manager.
type leaseEntry struct {
	file      *os.File
	leasePath string
	info      *LeaseInfo
}

// Manager manages repository leases for a single worker process.
//
// # Description
//
// Provides exclusive repository leasing with:
// - Advisory locks via syscall.Flock (Unix) or LockFileEx (Windows)
// - External tamper detection via fsnotify
// - Stale lease cleanup via PID checks and TTL expiration
// - Lease info files for debugging and visibility
//
// # Thread Safety
//
// All public methods are safe for concurrent use from multiple goroutines.
type Manager struct {
	leaseDir   string
	workerID   string
	defaultTTL time.Duration
	locker     fileLocker
	leases     map[string]*leaseEntry
	mu         sync.Mutex
	watcher    *fsnotify.Watcher
}

// NewManager creates a lease manager.
//
// # Description
//
// Creates the lease directory if needed and starts a watcher that
// reports external modifications to held lease files. If CleanupOnInit
// is set, stale leases from crashed workers are removed.
//
// # Inputs
//
//   - config: Manager configuration. Use DefaultManagerConfig() for defaults.
//
// # Outputs
//
//   - *Manager: Ready-to-use lease manager.
//   - error: Non-nil if setup fails (e.g., can't create the lease directory).
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.LeaseDir == "" {
		config.LeaseDir = ".autoland/leases"
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = time.Hour
	}

	if err := os.MkdirAll(config.LeaseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating lease directory %s: %w", config.LeaseDir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating lease watcher: %w", err)
	}
	if err := watcher.Add(config.LeaseDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching lease directory: %w", err)
	}

	m := &Manager{
		leaseDir:   config.LeaseDir,
		workerID:   config.WorkerID,
		defaultTTL: config.DefaultTTL,
		locker:     newPlatformLocker(),
		leases:     make(map[string]*leaseEntry),
		watcher:    watcher,
	}

	go m.watchLoop()

	if config.CleanupOnInit {
		cleaned, err := m.CleanupStaleLeases()
		if err != nil {
			slog.Warn("Failed to cleanup stale leases on init",
				"error", err)
		} else if cleaned > 0 {
			slog.Info("Cleaned up stale leases on init",
				"count", cleaned)
		}
	}

	return m, nil
}

// Acquire acquires an exclusive lease on a repository.
//
// # Description
//
// Non-blocking: returns immediately if another worker holds the
// repository. Stale leases (dead PID or expired TTL) are reclaimed.
// Re-acquiring a lease this manager already holds updates the reason
// and succeeds.
//
// # Inputs
//
//   - repository: Repository name from the landing configuration.
//   - reason: Human-readable reason (typically "landing job N").
//
// # Outputs
//
//   - error: nil on success, *LeaseError wrapping ErrRepoLeased on conflict.
//
// # Example
//
//	if err := leases.Acquire("mozilla-central", fmt.Sprintf("landing job %d", job.ID)); err != nil {
//	    if errors.Is(err, lease.ErrRepoLeased) {
//	        // Another worker owns the repository, skip this job for now.
//	    }
//	    return err
//	}
//	defer leases.Release("mozilla-central")
func (m *Manager) Acquire(repository, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.leases[repository]; ok {
		entry.info.Reason = reason
		return nil
	}

	if err := os.MkdirAll(m.leaseDir, 0755); err != nil {
		return fmt.Errorf("creating lease directory: %w", err)
	}

	leasePath := m.leasePath(repository)
	existing, err := readLeaseInfo(leasePath)
	if err == nil && existing != nil {
		if !existing.IsExpired() && IsProcessAlive(existing.PID) {
			return &LeaseError{
				Repository: repository,
				Holder:     existing,
				Err:        ErrRepoLeased,
			}
		}
		slog.Info("Reclaiming stale lease",
			"repository", repository,
			"old_pid", existing.PID)
	}

	f, err := os.OpenFile(leasePath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lease file %s: %w", leasePath, err)
	}

	if err := m.locker.Lock(f); err != nil {
		f.Close()
		if err == ErrRepoLeased {
			return &LeaseError{
				Repository: repository,
				Err:        ErrRepoLeased,
			}
		}
		return fmt.Errorf("locking lease for %s: %w", repository, err)
	}

	now := time.Now()
	info := &LeaseInfo{
		Repository: repository,
		PID:        os.Getpid(),
		WorkerID:   m.workerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.defaultTTL),
		Reason:     reason,
	}

	if err := writeLeaseInfo(f, info); err != nil {
		m.locker.Unlock(f)
		f.Close()
		return fmt.Errorf("writing lease info: %w", err)
	}

	m.leases[repository] = &leaseEntry{
		file:      f,
		leasePath: leasePath,
		info:      info,
	}

	slog.Debug("Acquired repository lease",
		"repository", repository,
		"reason", reason,
		"expires_at", info.ExpiresAt.Format(time.RFC3339))

	return nil
}

// Release releases a lease on a repository.
//
// # Description
//
// Releases a previously acquired lease and removes its info file.
// Returns ErrLeaseNotHeld if this manager does not hold the repository.
func (m *Manager) Release(repository string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.leases[repository]
	if !ok {
		return ErrLeaseNotHeld
	}

	return m.releaseEntry(repository, entry)
}

// releaseEntry releases a lease entry (must be called with mu held).
func (m *Manager) releaseEntry(repository string, entry *leaseEntry) error {
	if err := m.locker.Unlock(entry.file); err != nil {
		slog.Warn("Failed to unlock lease file",
			"repository", repository,
			"error", err)
	}
	entry.file.Close()

	if err := os.Remove(entry.leasePath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove lease file",
			"path", entry.leasePath,
			"error", err)
	}

	delete(m.leases, repository)

	slog.Debug("Released repository lease",
		"repository", repository)

	return nil
}

// ReleaseAll releases all leases held by this manager.
//
// Should be called on worker shutdown. Continues releasing on error
// and returns the first error encountered.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for repository, entry := range m.leases {
		if err := m.releaseEntry(repository, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Holder reports whether a repository is leased by any worker.
//
// # Description
//
// Checks both our internal state and lease info files. Stale leases
// (dead PID or expired) are reported as not held.
//
// # Outputs
//
//   - bool: True if the repository is leased.
//   - *LeaseInfo: Information about the lease holder (nil if not leased).
//   - error: Non-nil on failure to check.
func (m *Manager) Holder(repository string) (bool, *LeaseInfo, error) {
	m.mu.Lock()
	if entry, ok := m.leases[repository]; ok {
		m.mu.Unlock()
		return true, entry.info, nil
	}
	m.mu.Unlock()

	info, err := readLeaseInfo(m.leasePath(repository))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil
		}
		return false, nil, err
	}
	if info == nil {
		return false, nil, nil
	}

	if info.IsExpired() || !IsProcessAlive(info.PID) {
		return false, nil, nil
	}

	return true, info, nil
}

// CleanupStaleLeases removes leases from dead or expired workers.
//
// # Outputs
//
//   - int: Number of stale leases cleaned up.
//   - error: Non-nil on failure to scan the lease directory.
func (m *Manager) CleanupStaleLeases() (int, error) {
	entries, err := os.ReadDir(m.leaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading lease directory: %w", err)
	}

	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lease" {
			continue
		}

		leasePath := filepath.Join(m.leaseDir, entry.Name())
		info, err := readLeaseInfo(leasePath)
		if err != nil {
			slog.Warn("Failed to read lease info",
				"path", leasePath,
				"error", err)
			continue
		}
		if info == nil {
			continue
		}

		if info.IsExpired() || !IsProcessAlive(info.PID) {
			slog.Info("Cleaning up stale lease",
				"repository", info.Repository,
				"pid", info.PID,
				"expired", info.IsExpired())
			if err := os.Remove(leasePath); err != nil {
				slog.Warn("Failed to remove stale lease",
					"path", leasePath,
					"error", err)
			} else {
				cleaned++
			}
		}
	}

	return cleaned, nil
}

// Close shuts down the lease manager, releasing all held leases.
func (m *Manager) Close() error {
	if err := m.ReleaseAll(); err != nil {
		slog.Warn("Error releasing leases during close",
			"error", err)
	}
	return m.watcher.Close()
}

// leasePath generates the lease file path for a repository. Repository
// names come from validated configuration, so they are safe filenames.
func (m *Manager) leasePath(repository string) string {
	return filepath.Join(m.leaseDir, repository+".lease")
}

// writeLeaseInfo writes lease metadata into the locked lease file.
func writeLeaseInfo(f *os.File, info *LeaseInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// readLeaseInfo reads lease metadata from a JSON file.
func readLeaseInfo(leasePath string) (*LeaseInfo, error) {
	data, err := os.ReadFile(leasePath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var info LeaseInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// watchLoop reports external modifications to held lease files.
// A removed or rewritten lease file while held means another process
// is not honoring the advisory lock.
func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Lease watcher error",
				"error", err)
		}
	}
}

// handleWatchEvent processes a single fsnotify event.
func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for repository, entry := range m.leases {
		if filepath.Clean(event.Name) != filepath.Clean(entry.leasePath) {
			continue
		}
		// Our own Acquire writes the info file; skip writes from this PID
		// by comparing the on-disk holder to ourselves.
		if event.Op&fsnotify.Write != 0 {
			if info, err := readLeaseInfo(entry.leasePath); err == nil && info != nil && info.PID == os.Getpid() {
				continue
			}
		}
		slog.Warn("External modification detected on held lease",
			"repository", repository,
			"event", event.Op.String())
	}
}
