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
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/autoland/autoland/pkg/problem"
	"github.com/autoland/autoland/pkg/validation"
	"github.com/autoland/autoland/services/landing/phab"
	"github.com/autoland/autoland/services/landing/repos"
	"github.com/autoland/autoland/services/landing/stacks"
)

// stackRevision is the wire form of one revision node of a stack.
type stackRevision struct {
	ID            string `json:"id"`
	PHID          string `json:"phid"`
	Status        string `json:"status"`
	Title         string `json:"title"`
	DiffID        int    `json:"diff_id"`
	Repository    string `json:"repository,omitempty"`
	BugID         string `json:"bug_id,omitempty"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// stackPath is the wire form of one landable path.
type stackPath struct {
	Nodes            []string `json:"nodes"`
	Repository       string   `json:"repository,omitempty"`
	LandingSupported bool     `json:"landing_supported"`
}

// parseRevisionID accepts both the numeric and the "D<n>" display form.
func parseRevisionID(raw string) (int, error) {
	if id, err := strconv.Atoi(raw); err == nil {
		return id, nil
	}
	return validation.RevisionIDToInt(raw)
}

// GetStack serves GET /stacks/:revision_id.
//
// It resolves the full dependency stack containing the revision, computes
// the landable paths and reports the first blocking reason for every
// revision that cannot land.
func GetStack(client phab.Client, config *repos.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		revisionID, err := parseRevisionID(c.Param("revision_id"))
		if err != nil {
			problem.Render(c, problem.BadRequest("Invalid Revision ID", err.Error()))
			return
		}

		stack, err := stacks.Build(c.Request.Context(), client, revisionID)
		if err != nil {
			if errors.Is(err, phab.ErrNotFound) {
				problem.Render(c, problem.NotFound(
					"The requested revision does not exist."))
				return
			}
			slog.Error("Failed to resolve revision stack",
				"revision_id", revisionID, "error", err)
			problem.RenderError(c, err)
			return
		}

		landable := stacks.CalculateLandable(stack, config.LandablePHIDs())

		revisions := make([]stackRevision, 0, stack.Graph.Len())
		for _, phid := range stack.Graph.Nodes() {
			rev := stack.Revision(phid)
			out := stackRevision{
				ID:            rev.Name(),
				PHID:          rev.PHID,
				Status:        rev.Status.DisplayName(),
				Title:         rev.Title,
				BugID:         rev.BugID,
				BlockedReason: landable.Blocked[phid],
			}
			if diff := stack.DiffFor(phid); diff != nil {
				out.DiffID = diff.ID
			}
			if repo := stack.RepositoryFor(phid); repo != nil {
				out.Repository = repo.ShortName
			}
			revisions = append(revisions, out)
		}

		edges := make([][2]string, len(stack.Edges))
		for i, edge := range stack.Edges {
			edges[i] = [2]string{edge.Child, edge.Parent}
		}

		paths := make([]stackPath, len(landable.Paths))
		for i, path := range landable.Paths {
			out := stackPath{
				Nodes:            path.Nodes,
				LandingSupported: path.LandingSupported,
			}
			if repo := config.ByPHID(path.RepositoryPHID); repo != nil {
				out.Repository = repo.Name
			}
			paths[i] = out
		}

		c.JSON(http.StatusOK, gin.H{
			"revisions":      revisions,
			"edges":          edges,
			"landable_paths": paths,
		})
	}
}
