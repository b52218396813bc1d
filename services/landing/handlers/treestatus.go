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
	"github.com/autoland/autoland/services/landing/middleware"
	"github.com/autoland/autoland/services/landing/treestatus"
)

// renderTreeError maps tree status service errors to problem documents.
func renderTreeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, treestatus.ErrTreeNotFound),
		errors.Is(err, treestatus.ErrLogNotFound),
		errors.Is(err, treestatus.ErrChangeNotFound):
		problem.Render(c, problem.NotFound(err.Error()))
	case errors.Is(err, treestatus.ErrTreeExists):
		problem.Render(c, problem.New(http.StatusConflict, "Tree Exists", err.Error()))
	case errors.Is(err, treestatus.ErrTagsRequired),
		errors.Is(err, treestatus.ErrRememberNeedsFields):
		problem.Render(c, problem.BadRequest("Invalid Status Update", err.Error()))
	default:
		problem.RenderError(c, err)
	}
}

// changedBy returns the audit identity for a status change.
func changedBy(c *gin.Context) string {
	if user := middleware.GetUser(c); user != nil && user.Email != "" {
		return user.Email
	}
	return "unknown"
}

// ListTrees serves GET /trees.
func ListTrees(svc *treestatus.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		trees, err := svc.ListTrees(c.Request.Context())
		if err != nil {
			problem.RenderError(c, err)
			return
		}
		result := make(map[string]*treestatus.TreeState, len(trees))
		for _, tree := range trees {
			result[tree.Name] = tree
		}
		c.JSON(http.StatusOK, gin.H{"result": result})
	}
}

// GetTree serves GET /trees/:tree.
func GetTree(svc *treestatus.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := svc.GetTree(c.Request.Context(), c.Param("tree"))
		if err != nil {
			renderTreeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": state})
	}
}

// makeTreeRequest is the body of PUT /trees/:tree.
type makeTreeRequest struct {
	Status          treestatus.Status   `json:"status"`
	Reason          string              `json:"reason"`
	MessageOfTheDay string              `json:"message_of_the_day"`
	Category        treestatus.Category `json:"category"`
}

// MakeTree serves PUT /trees/:tree.
func MakeTree(svc *treestatus.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req makeTreeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			problem.Render(c, problem.BadRequest("Invalid Request", err.Error()))
			return
		}
		tree := &treestatus.Tree{
			Name:            c.Param("tree"),
			Status:          req.Status,
			Reason:          req.Reason,
			MessageOfTheDay: req.MessageOfTheDay,
			Category:        req.Category,
		}
		if err := svc.MakeTree(c.Request.Context(), tree); err != nil {
			renderTreeError(c, err)
			return
		}
		slog.Info("Created tree", "tree", tree.Name, "by", changedBy(c))
		c.JSON(http.StatusCreated, gin.H{"result": tree})
	}
}

// DeleteTree serves DELETE /trees/:tree.
func DeleteTree(svc *treestatus.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("tree")
		if err := svc.DeleteTree(c.Request.Context(), name); err != nil {
			renderTreeError(c, err)
			return
		}
		slog.Info("Deleted tree", "tree", name, "by", changedBy(c))
		c.Status(http.StatusNoContent)
	}
}

// updateTreesRequest is the body of PATCH /trees. Nil optional fields
// leave the corresponding tree field untouched.
type updateTreesRequest struct {
	Trees           []string           `json:"trees" binding:"required,min=1"`
	Status          *treestatus.Status `json:"status"`
	Reason          *string            `json:"reason"`
	Tags            []string           `json:"tags"`
	MessageOfTheDay *string            `json:"message_of_the_day"`
	Remember        bool               `json:"remember"`
}

// UpdateTrees serves PATCH /trees.
//
// Applies one status update across the named trees. With remember set the
// prior state of every tree is pushed onto the undo stack so the change
// can be reverted as a unit.
func UpdateTrees(svc *treestatus.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateTreesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			problem.Render(c, problem.BadRequest("Invalid Request", err.Error()))
			return
		}
		updated, err := svc.UpdateTrees(c.Request.Context(), treestatus.UpdateRequest{
			Trees:           req.Trees,
			Status:          req.Status,
			Reason:          req.Reason,
			Tags:            req.Tags,
			MessageOfTheDay: req.MessageOfTheDay,
			Remember:        req.Remember,
			ChangedBy:       changedBy(c),
		})
		if err != nil {
			renderTreeError(c, err)
			return
		}
		slog.Info("Updated trees", "trees", req.Trees, "by", changedBy(c))
		c.JSON(http.StatusOK, gin.H{"result": updated})
	}
}

// GetTreeLogs serves GET /trees/:tree/logs.
//
// Returns the newest log entries for the tree, most recent first. The
// default page is 5 entries; ?all=1 returns the full log.
func GetTreeLogs(svc *treestatus.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 5
		if c.Query("all") == "1" {
			limit = 0
		}
		logs, err := svc.Logs(c.Request.Context(), c.Param("tree"), limit)
		if err != nil {
			renderTreeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": logs})
	}
}

// logUpdateRequest is the body of PATCH /log/:id and PATCH /stack/:id.
type logUpdateRequest struct {
	Reason *string  `json:"reason"`
	Tags   []string `json:"tags"`
}

// UpdateTreeLog serves PATCH /log/:id, amending the reason or tags of an
// existing log entry.
func UpdateTreeLog(svc *treestatus.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			problem.Render(c, problem.BadRequest("Invalid Log ID", c.Param("id")))
			return
		}
		var req logUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			problem.Render(c, problem.BadRequest("Invalid Request", err.Error()))
			return
		}
		if err := svc.UpdateLog(c.Request.Context(), id, req.Reason, req.Tags); err != nil {
			renderTreeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// GetStatusStack serves GET /stack, the undo stack of remembered status
// changes, newest first.
func GetStatusStack(svc *treestatus.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		changes, err := svc.Stack(c.Request.Context())
		if err != nil {
			problem.RenderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": changes})
	}
}

// UpdateStatusChange serves PATCH /stack/:id, amending the reason or tags
// of a remembered change and its log entries.
func UpdateStatusChange(svc *treestatus.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			problem.Render(c, problem.BadRequest("Invalid Change ID", c.Param("id")))
			return
		}
		var req logUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			problem.Render(c, problem.BadRequest("Invalid Request", err.Error()))
			return
		}
		if err := svc.UpdateChange(c.Request.Context(), id, req.Reason, req.Tags); err != nil {
			renderTreeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// DeleteStatusChange serves DELETE /stack/:id.
//
// With ?revert=1 every tree in the change is restored to its remembered
// prior state; without it the change is just discarded from the stack.
func DeleteStatusChange(svc *treestatus.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			problem.Render(c, problem.BadRequest("Invalid Change ID", c.Param("id")))
			return
		}
		revert := c.Query("revert") == "1"
		if err := svc.DeleteChange(c.Request.Context(), id, revert); err != nil {
			renderTreeError(c, err)
			return
		}
		slog.Info("Removed status change", "change_id", id, "revert", revert,
			"by", changedBy(c))
		c.Status(http.StatusNoContent)
	}
}
