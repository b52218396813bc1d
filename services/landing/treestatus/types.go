// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package treestatus gates landings on per-tree open/closed state.
//
// Every status change is appended to a per-tree log, and changes made with
// "remember" also push an entry onto an undo stack so a mass closure (say,
// for an infrastructure incident) can be reverted in one call. The landing
// worker reads this state as a hard precondition: closed means defer.
package treestatus

import "time"

// Status is the landing state of a tree.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"

	// StatusApprovalRequired still accepts landings; the approval itself
	// is enforced on the review side, not by this gate.
	StatusApprovalRequired Status = "approval required"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusApprovalRequired:
		return true
	}
	return false
}

// IsOpen reports whether a tree in this status accepts landings.
func (s Status) IsOpen() bool {
	return s == StatusOpen || s == StatusApprovalRequired
}

// Category groups trees for display and closure auditing.
type Category string

const (
	CategoryDevelopment          Category = "development"
	CategoryReleaseStabilization Category = "release_stabilization"
	CategoryTry                  Category = "try"
	CategoryOther                Category = "other"
)

// Tree is the durable record of one gated repository/branch.
type Tree struct {
	Name            string   `json:"tree"`
	Status          Status   `json:"status"`
	Reason          string   `json:"reason"`
	MessageOfTheDay string   `json:"message_of_the_day"`
	Category        Category `json:"category"`
}

// LogEntry is one append-only record of a tree status change.
type LogEntry struct {
	ID        int64     `json:"id"`
	Tree      string    `json:"tree"`
	ChangedBy string    `json:"who"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"when"`
}

// TreeState is a tree combined with the tags and log id of its most
// recent log entry, which is the shape the API serves.
type TreeState struct {
	Tree
	Tags  []string `json:"tags"`
	LogID int64    `json:"log_id,omitempty"`
}

// LastState captures a tree's state on both sides of a remembered change:
// the prior fields that a revert restores, and the current fields so later
// log edits can be patched through the stack.
type LastState struct {
	Status Status   `json:"status"`
	Reason string   `json:"reason"`
	Tags   []string `json:"tags"`
	LogID  int64    `json:"log_id"`

	CurrentStatus Status   `json:"current_status"`
	CurrentReason string   `json:"current_reason"`
	CurrentTags   []string `json:"current_tags"`
	CurrentLogID  int64    `json:"current_log_id"`
}

// ChangeTree is one tree's slice of a remembered status change.
type ChangeTree struct {
	Tree      string    `json:"tree"`
	LastState LastState `json:"last_state"`
}

// StateChange is one undo-stack entry: a remembered status change across
// one or more trees.
type StateChange struct {
	ID        int64        `json:"id"`
	ChangedBy string       `json:"who"`
	Reason    string       `json:"reason"`
	Status    Status       `json:"status"`
	Trees     []ChangeTree `json:"trees"`
	CreatedAt time.Time    `json:"when"`
}
