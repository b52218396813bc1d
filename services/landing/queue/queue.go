// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue wakes landing workers when jobs are submitted.
//
// The queue is a hint, not a ledger. Jobs are persisted by the job
// store before they are enqueued, and workers re-scan the store on
// every wake-up, so signals may be dropped, duplicated, or delivered
// out of order without losing work.
package queue

import (
	"context"
)

// Queue signals job availability to workers.
//
// Delivery is at-least-once in spirit only: the job store is the
// source of truth, and a worker receiving a signal must still select
// the next eligible job from the store.
type Queue interface {
	// Enqueue signals that the job with the given id is ready.
	Enqueue(ctx context.Context, jobID int64) error

	// Dequeue blocks until a signal arrives or the context is done.
	Dequeue(ctx context.Context) (int64, error)
}

// Memory is an in-process Queue backed by a buffered channel.
//
// Suitable for the single-binary deployment where the API and the
// worker share a process. Workers additionally poll the store on a
// timer, so a coalesced signal under load delays a job by at most one
// poll interval.
type Memory struct {
	ch chan int64
}

// NewMemory creates an in-memory queue with the given buffer capacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 64
	}
	return &Memory{ch: make(chan int64, capacity)}
}

// Enqueue signals job availability. Never blocks: when the buffer is
// full the signal is coalesced, since the store already holds the job.
func (q *Memory) Enqueue(ctx context.Context, jobID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- jobID:
	default:
	}
	return nil
}

// Dequeue blocks until a signal arrives or the context is done.
func (q *Memory) Dequeue(ctx context.Context) (int64, error) {
	select {
	case jobID := <-q.ch:
		return jobID, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
