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
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/autoland/autoland/pkg/problem"
	"github.com/autoland/autoland/services/landing/warnings"
)

// ListDiffWarnings serves GET /diff_warnings.
//
// Returns the active warnings filed against one (revision, diff, group)
// triple; all three query parameters are required.
func ListDiffWarnings(store *warnings.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		revisionID, err := strconv.Atoi(c.Query("revision_id"))
		if err != nil || revisionID <= 0 {
			problem.Render(c, problem.BadRequest("Invalid Query",
				"revision_id is required and must be a positive integer."))
			return
		}
		diffID, err := strconv.Atoi(c.Query("diff_id"))
		if err != nil || diffID <= 0 {
			problem.Render(c, problem.BadRequest("Invalid Query",
				"diff_id is required and must be a positive integer."))
			return
		}
		group := warnings.Group(c.Query("group"))
		if !group.Valid() {
			problem.Render(c, problem.BadRequest("Invalid Query",
				"group is required and must be a known warning group."))
			return
		}

		found, err := store.Query(c.Request.Context(), revisionID, diffID, group)
		if err != nil {
			problem.RenderError(c, err)
			return
		}
		c.JSON(http.StatusOK, found)
	}
}

// createWarningRequest is the body of POST /diff_warnings. Data is
// client-defined; the only required key is "message".
type createWarningRequest struct {
	RevisionID int                    `json:"revision_id" binding:"required"`
	DiffID     int                    `json:"diff_id" binding:"required"`
	Group      warnings.Group         `json:"group" binding:"required"`
	Data       map[string]interface{} `json:"data" binding:"required"`
}

// CreateDiffWarning serves POST /diff_warnings.
func CreateDiffWarning(store *warnings.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createWarningRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			problem.Render(c, problem.BadRequest("Invalid Request", err.Error()))
			return
		}
		warning := &warnings.DiffWarning{
			RevisionID: req.RevisionID,
			DiffID:     req.DiffID,
			Group:      req.Group,
			Data:       req.Data,
		}
		if err := store.Create(c.Request.Context(), warning); err != nil {
			problem.Render(c, problem.BadRequest("Invalid Warning", err.Error()))
			return
		}
		c.JSON(http.StatusCreated, warning)
	}
}

// ArchiveDiffWarning serves DELETE /diff_warnings/:pk.
//
// Archived warnings stop appearing in queries and landing assessments but
// remain stored.
func ArchiveDiffWarning(store *warnings.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("pk"), 10, 64)
		if err != nil {
			problem.Render(c, problem.BadRequest("Invalid Warning ID", c.Param("pk")))
			return
		}
		warning, err := store.Archive(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, warnings.ErrNotFound) {
				problem.Render(c, problem.NotFound("The diff warning does not exist."))
				return
			}
			problem.RenderError(c, err)
			return
		}
		c.JSON(http.StatusOK, warning)
	}
}
