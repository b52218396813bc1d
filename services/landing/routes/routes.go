// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes mounts the landing service HTTP API.
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/autoland/autoland/services/landing/assessment"
	"github.com/autoland/autoland/services/landing/handlers"
	"github.com/autoland/autoland/services/landing/jobs"
	"github.com/autoland/autoland/services/landing/middleware"
	"github.com/autoland/autoland/services/landing/phab"
	"github.com/autoland/autoland/services/landing/queue"
	"github.com/autoland/autoland/services/landing/repos"
	"github.com/autoland/autoland/services/landing/treestatus"
	"github.com/autoland/autoland/services/landing/warnings"
)

// Deps carries everything the handlers need. All fields are required.
type Deps struct {
	Phab     phab.Client
	Repos    *repos.Config
	Engine   *assessment.Engine
	Jobs     *jobs.Store
	Queue    queue.Queue
	Trees    *treestatus.Service
	Warnings *warnings.Store
	Users    middleware.UserProvider
}

// SetupRoutes mounts the API on router.
//
// Reads are public; everything that mutates state or runs an assessment
// on behalf of a requester sits behind the auth middleware.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)

	authed := middleware.Auth(deps.Users)

	router.GET("/stacks/:revision_id", handlers.GetStack(deps.Phab, deps.Repos))

	router.POST("/transplants/dryrun", authed,
		handlers.DryRunTransplant(deps.Phab, deps.Repos, deps.Engine))
	router.POST("/transplants", authed,
		handlers.CreateTransplant(deps.Phab, deps.Repos, deps.Engine,
			deps.Jobs, deps.Queue))

	router.GET("/landing_jobs/stats", handlers.LandingJobStats(deps.Jobs))
	router.GET("/landing_jobs/:id", handlers.GetLandingJob(deps.Jobs))
	router.PUT("/landing_jobs/:id", authed, handlers.UpdateLandingJob(deps.Jobs))

	router.GET("/trees", handlers.ListTrees(deps.Trees))
	router.PATCH("/trees", authed, handlers.UpdateTrees(deps.Trees))
	router.GET("/trees/:tree", handlers.GetTree(deps.Trees))
	router.PUT("/trees/:tree", authed, handlers.MakeTree(deps.Trees))
	router.DELETE("/trees/:tree", authed, handlers.DeleteTree(deps.Trees))
	router.GET("/trees/:tree/logs", handlers.GetTreeLogs(deps.Trees))
	router.PATCH("/log/:id", authed, handlers.UpdateTreeLog(deps.Trees))
	router.GET("/stack", handlers.GetStatusStack(deps.Trees))
	router.PATCH("/stack/:id", authed, handlers.UpdateStatusChange(deps.Trees))
	router.DELETE("/stack/:id", authed, handlers.DeleteStatusChange(deps.Trees))

	router.GET("/diff_warnings", handlers.ListDiffWarnings(deps.Warnings))
	router.POST("/diff_warnings", authed, handlers.CreateDiffWarning(deps.Warnings))
	router.DELETE("/diff_warnings/:pk", authed, handlers.ArchiveDiffWarning(deps.Warnings))
}
