// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package lease

import (
	"os"
)

// windowsFileLocker implements fileLocker for Windows.
//
// # Description
//
// Landing workers are deployed on Linux hosts; the Windows build exists
// so the module compiles for development on Windows. Leases degrade to
// the PID and TTL checks in the manager, which still detect stale
// holders across worker restarts.
type windowsFileLocker struct{}

// Lock is a no-op on Windows. Stale detection falls back to the
// PID and TTL checks in LeaseInfo.
func (l *windowsFileLocker) Lock(f *os.File) error {
	return nil
}

// Unlock is a no-op on Windows.
func (l *windowsFileLocker) Unlock(f *os.File) error {
	return nil
}

// isProcessAlive reports false on Windows, so any existing lease file
// is treated as stale once its TTL check also fails.
func isProcessAlive(pid int) bool {
	return false
}

// newPlatformLocker returns a Windows-specific file locker.
func newPlatformLocker() fileLocker {
	return &windowsFileLocker{}
}
