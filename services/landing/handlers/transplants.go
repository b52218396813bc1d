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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autoland/autoland/pkg/problem"
	"github.com/autoland/autoland/services/landing/assessment"
	"github.com/autoland/autoland/services/landing/jobs"
	"github.com/autoland/autoland/services/landing/middleware"
	"github.com/autoland/autoland/services/landing/phab"
	"github.com/autoland/autoland/services/landing/queue"
	"github.com/autoland/autoland/services/landing/repos"
	"github.com/autoland/autoland/services/landing/stacks"
)

// transplantRequest is the body of both the dry run and the submission.
// The landing path names explicit diff ids so a revision updated after
// the caller last looked is caught instead of silently landed.
type transplantRequest struct {
	LandingPath       []assessment.RevisionDiff `json:"landing_path" binding:"required,min=1"`
	ConfirmationToken string                    `json:"confirmation_token,omitempty"`
}

// transplantState is everything assessTransplant resolves for a requested
// landing path.
type transplantState struct {
	stack      *stacks.Stack
	assessment *assessment.Assessment
	repo       *repos.Repo
}

// assessTransplant resolves the stack behind the requested path and runs
// the full assessment for user. Handled failures come back as a *problem
// .Details error ready for rendering.
func assessTransplant(
	ctx context.Context,
	client phab.Client,
	config *repos.Config,
	engine *assessment.Engine,
	requested []assessment.RevisionDiff,
	user *assessment.User,
) (*transplantState, error) {
	if user == nil {
		user = &assessment.User{}
	}
	head := requested[0].RevisionPHID
	revs, err := client.FetchRevisions(ctx, []string{head})
	if err != nil || revs[head] == nil {
		if err == nil || errors.Is(err, phab.ErrNotFound) {
			return nil, problem.NotFound("A revision in the landing path does not exist.")
		}
		return nil, fmt.Errorf("resolving revision %s: %w", head, err)
	}

	stack, err := stacks.Build(ctx, client, revs[head].ID)
	if err != nil {
		return nil, fmt.Errorf("building stack for %s: %w", head, err)
	}

	landable := stacks.CalculateLandable(stack, config.LandablePHIDs())

	var repo *repos.Repo
	if info := stack.RepositoryFor(head); info != nil {
		repo = config.ByPHID(info.PHID)
	}

	checks := []assessment.UserCheck{assessment.CheckUserHasEmail}
	if repo != nil && repo.AccessGroup != "" {
		name, group := repo.Name, repo.AccessGroup
		checks = append(checks, func(u *assessment.User) string {
			if u.InGroup(group) {
				return ""
			}
			return fmt.Sprintf("You do not have permission to land to %s.", name)
		})
	}

	result, err := engine.Assess(ctx, stack, landable.Paths, requested, user, checks...)
	if err != nil {
		return nil, fmt.Errorf("assessing landing path: %w", err)
	}
	return &transplantState{stack: stack, assessment: result, repo: repo}, nil
}

// DryRunTransplant serves POST /transplants/dryrun.
//
// It runs the full assessment without landing anything and returns the
// blocker, the grouped warnings and the confirmation token the caller
// must echo back to submit past the warnings.
func DryRunTransplant(client phab.Client, config *repos.Config,
	engine *assessment.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transplantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			problem.Render(c, problem.BadRequest("Invalid Request", err.Error()))
			return
		}

		state, err := assessTransplant(c.Request.Context(), client, config, engine,
			req.LandingPath, middleware.GetUser(c))
		if err != nil {
			problem.RenderError(c, err)
			return
		}

		a := state.assessment
		token := ""
		if !a.Blocked() {
			token = a.Token(req.LandingPath)
		}
		c.JSON(http.StatusOK, gin.H{
			"confirmation_token": token,
			"blocker":            a.Blocker,
			"warnings":           a.Groups(),
		})
	}
}

// CreateTransplant serves POST /transplants.
//
// The request must carry the confirmation token of a dry run against the
// identical path and warning set; a token computed over different
// warnings is rejected so nobody lands past findings they never saw.
// Accepted landings are stored SUBMITTED and handed to the worker queue.
func CreateTransplant(client phab.Client, config *repos.Config,
	engine *assessment.Engine, store *jobs.Store, q queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.GetUser(c)
		if user == nil {
			problem.Render(c, problem.New(http.StatusUnauthorized,
				"Authentication Required",
				"Submitting a landing requires an authenticated requester."))
			return
		}

		var req transplantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			problem.Render(c, problem.BadRequest("Invalid Request", err.Error()))
			return
		}

		state, err := assessTransplant(c.Request.Context(), client, config, engine,
			req.LandingPath, user)
		if err != nil {
			problem.RenderError(c, err)
			return
		}

		if err := state.assessment.RequireAcknowledged(req.LandingPath,
			req.ConfirmationToken); err != nil {
			switch {
			case errors.Is(err, assessment.ErrBlocked):
				problem.Render(c, problem.BadRequest("Landing is Blocked", err.Error()))
			case errors.Is(err, assessment.ErrUnacknowledgedWarnings):
				problem.Render(c, problem.BadRequest("Confirmation Required",
					"The landing has warnings that have not been acknowledged."))
			case errors.Is(err, assessment.ErrStaleAssessment):
				problem.Render(c, problem.BadRequest("Stale Confirmation Token",
					"The warnings have changed since the dry run. Request a new "+
						"dry run and review the current warnings."))
			default:
				problem.RenderError(c, err)
			}
			return
		}

		if state.repo == nil {
			problem.Render(c, problem.BadRequest("Repository Not Configured",
				"The revisions do not target a configured landing repository."))
			return
		}

		job := &jobs.Job{
			Path:              make([]jobs.PathEntry, len(req.LandingPath)),
			RequesterEmail:    user.Email,
			RepositoryName:    state.repo.Name,
			RepositoryURL:     state.repo.URL,
			ConfirmationToken: req.ConfirmationToken,
		}
		seenBugs := make(map[string]bool)
		for i, entry := range req.LandingPath {
			rev := state.stack.Revision(entry.RevisionPHID)
			job.Path[i] = jobs.PathEntry{RevisionID: rev.ID, DiffID: entry.DiffID}
			if rev.BugID != "" && !seenBugs[rev.BugID] {
				seenBugs[rev.BugID] = true
				job.BugIDs = append(job.BugIDs, rev.BugID)
			}
		}

		if err := store.Create(c.Request.Context(), job); err != nil {
			slog.Error("Failed to store landing job", "error", err)
			problem.RenderError(c, err)
			return
		}
		if err := q.Enqueue(c.Request.Context(), job.ID); err != nil {
			// The store is the source of truth; a worker poll will pick
			// the job up even without the queue hint.
			slog.Warn("Failed to enqueue landing job", "job_id", job.ID, "error", err)
		}

		slog.Info("Accepted landing request",
			"job_id", job.ID,
			"repository", job.RepositoryName,
			"requester", job.RequesterEmail,
			"revisions", job.RevisionIDs())
		c.JSON(http.StatusAccepted, gin.H{"id": job.ID})
	}
}
