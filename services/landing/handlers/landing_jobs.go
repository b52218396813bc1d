// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/autoland/autoland/pkg/problem"
	"github.com/autoland/autoland/services/landing/jobs"
	"github.com/autoland/autoland/services/landing/middleware"
)

func parseJobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 0 {
		problem.Render(c, problem.BadRequest("Invalid Job ID",
			fmt.Sprintf("%q is not a landing job id.", c.Param("id"))))
		return 0, false
	}
	return id, true
}

// GetLandingJob serves GET /landing_jobs/:id.
func GetLandingJob(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseJobID(c)
		if !ok {
			return
		}
		job, err := store.Get(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				problem.Render(c, problem.NotFound("The landing job does not exist."))
				return
			}
			problem.RenderError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// updateJobRequest is the body of PUT /landing_jobs/:id. Cancellation is
// the only supported update.
type updateJobRequest struct {
	Status jobs.Status `json:"status" binding:"required"`
}

// UpdateLandingJob serves PUT /landing_jobs/:id.
//
// Only the requester may cancel their job. A job no worker owns is
// cancelled immediately; a job a worker already owns gets a queued
// cancellation that the worker honors at its next safe boundary between
// patch applications. Terminal jobs cannot be cancelled.
func UpdateLandingJob(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseJobID(c)
		if !ok {
			return
		}

		var req updateJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			problem.Render(c, problem.BadRequest("Invalid Request", err.Error()))
			return
		}
		if req.Status != jobs.StatusCancelled {
			problem.Render(c, problem.BadRequest("Unsupported Update",
				"The only supported status change is CANCELLED."))
			return
		}

		job, err := store.Get(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				problem.Render(c, problem.NotFound("The landing job does not exist."))
				return
			}
			problem.RenderError(c, err)
			return
		}

		if user := middleware.GetUser(c); user == nil || user.Email != job.RequesterEmail {
			problem.Render(c, problem.Forbidden(
				"Only the requester may cancel a landing job."))
			return
		}

		switch job.Status {
		case jobs.StatusSubmitted, jobs.StatusDeferred:
			job, err = store.Transition(c.Request.Context(), id, jobs.StatusCancelled,
				func(j *jobs.Job) {
					j.Error = "Cancelled by " + j.RequesterEmail
				})
			if errors.Is(err, jobs.ErrInvalidTransition) {
				// A worker claimed the job between the read and the
				// transition. Fall back to the queued cancellation.
				job, err = requestCancellation(c, store, id)
			}
		case jobs.StatusInProgress:
			job, err = requestCancellation(c, store, id)
		default:
			problem.Render(c, problem.BadRequest("Job Already Finished",
				fmt.Sprintf("The landing job is %s and cannot be cancelled.",
					job.Status)))
			return
		}
		if err != nil {
			problem.RenderError(c, err)
			return
		}

		slog.Info("Cancellation requested for landing job",
			"job_id", id, "status", job.Status)
		c.JSON(http.StatusOK, gin.H{
			"id":               job.ID,
			"status":           job.Status,
			"cancel_requested": job.CancelRequested,
		})
	}
}

// requestCancellation flags a worker-owned job for cancellation at the
// next safe boundary.
func requestCancellation(c *gin.Context, store *jobs.Store, id int64) (*jobs.Job, error) {
	job, err := store.Get(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, problem.BadRequest("Job Already Finished",
			fmt.Sprintf("The landing job is %s and cannot be cancelled.", job.Status))
	}
	job.CancelRequested = true
	if err := store.Save(c.Request.Context(), job); err != nil {
		return nil, err
	}
	return job, nil
}

// LandingJobStats serves GET /landing_jobs/stats.
//
// Reports job counts per state plus landed-per-day counts and the mean
// submission-to-landing latency over the retained history.
func LandingJobStats(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		states, err := store.Stats(c.Request.Context())
		if err != nil {
			problem.RenderError(c, err)
			return
		}

		all, err := store.List(c.Request.Context(), 0)
		if err != nil {
			problem.RenderError(c, err)
			return
		}

		landedByDay := make(map[string]int)
		var landed int
		var totalLatency time.Duration
		for _, job := range all {
			if job.Status != jobs.StatusLanded {
				continue
			}
			landed++
			landedByDay[job.UpdatedAt.UTC().Format("2006-01-02")]++
			totalLatency += job.UpdatedAt.Sub(job.CreatedAt)
		}
		var meanSeconds float64
		if landed > 0 {
			meanSeconds = totalLatency.Seconds() / float64(landed)
		}

		c.JSON(http.StatusOK, gin.H{
			"states":               states,
			"landed_by_day":        landedByDay,
			"mean_landing_seconds": meanSeconds,
		})
	}
}
