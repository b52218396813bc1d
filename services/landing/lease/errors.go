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
	"errors"
	"fmt"
)

// Sentinel errors for lease operations.
var (
	// ErrRepoLeased indicates the repository is already leased by another worker.
	ErrRepoLeased = errors.New("repository is leased by another worker")

	// ErrLeaseNotHeld indicates an attempt to release a lease not held by this manager.
	ErrLeaseNotHeld = errors.New("lease not held by this worker")
)

// LeaseError provides detailed information about a lease conflict.
//
// # Description
//
// Wraps ErrRepoLeased with information about the current lease holder,
// allowing the caller to decide how to proceed (skip the job, wait, abort).
//
// # Fields
//
//   - Repository: The repository that is leased.
//   - Holder: Information about the current lease holder.
//   - Err: The underlying error (typically ErrRepoLeased).
type LeaseError struct {
	Repository string
	Holder     *LeaseInfo
	Err        error
}

// Error returns a human-readable error message.
func (e *LeaseError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("repository %s is leased by worker %s (PID %d) since %s: %v",
			e.Repository, e.Holder.WorkerID, e.Holder.PID,
			e.Holder.AcquiredAt.Format("15:04:05"), e.Err)
	}
	return fmt.Sprintf("repository %s is leased: %v", e.Repository, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LeaseError) Unwrap() error {
	return e.Err
}
