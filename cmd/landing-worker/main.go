// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command landing-worker runs the landing worker without the HTTP API.
//
// The worker scans the job store directly, so this daemon suits
// deployments where landings are driven from a store populated by
// another tool. It must own its database directory exclusively; to serve
// the API and land from the same store, run landing-api with its
// embedded worker instead.
//
// # Environment Variables
//
//   - AUTOLAND_DB_PATH: BadgerDB directory (default: .autoland/db)
//   - AUTOLAND_REPOS_CONFIG: repository config YAML (default: repos.yml)
//   - AUTOLAND_LEASE_DIR: lease directory (default: .autoland/leases)
//   - AUTOLAND_WORKER_COUNT: concurrent landing loops (default: 1)
//   - AUTOLAND_WORKER_PAUSED: "1" starts paused
//   - AUTOLAND_POLL_INTERVAL: store scan interval (default: 10s)
//   - AUTOLAND_COMMITTER_NAME / AUTOLAND_COMMITTER_EMAIL: git committer
//     identity for landed commits
//   - PHABRICATOR_URL / PHABRICATOR_API_TOKEN: review tool endpoint
//   - AUTOLAND_LOG_DIR: also write JSON logs to this directory
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/autoland/autoland/pkg/logging"
	"github.com/autoland/autoland/services/landing/jobs"
	"github.com/autoland/autoland/services/landing/lease"
	"github.com/autoland/autoland/services/landing/phab"
	"github.com/autoland/autoland/services/landing/queue"
	"github.com/autoland/autoland/services/landing/repos"
	"github.com/autoland/autoland/services/landing/storage/badger"
	"github.com/autoland/autoland/services/landing/treestatus"
	"github.com/autoland/autoland/services/landing/vcs"
	"github.com/autoland/autoland/services/landing/worker"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger, err := logging.New(logging.Config{
		Service: "landing-worker",
		JSON:    true,
		LogDir:  os.Getenv("AUTOLAND_LOG_DIR"),
	})
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	config, err := repos.Load(getenv("AUTOLAND_REPOS_CONFIG", "repos.yml"))
	if err != nil {
		log.Fatalf("failed to load repository config: %v", err)
	}

	dbConfig := badger.DefaultConfig()
	dbConfig.Path = getenv("AUTOLAND_DB_PATH", ".autoland/db")
	dbConfig.Logger = slog.Default()
	db, err := badger.OpenDB(dbConfig)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	jobStore, err := jobs.NewStore(db)
	if err != nil {
		log.Fatalf("failed to open job store: %v", err)
	}
	defer jobStore.Close()

	treeSvc, err := treestatus.NewService(db)
	if err != nil {
		log.Fatalf("failed to open tree status service: %v", err)
	}
	defer treeSvc.Close()

	leases, err := lease.NewManager(lease.ManagerConfig{
		LeaseDir:      getenv("AUTOLAND_LEASE_DIR", ".autoland/leases"),
		WorkerID:      "landing-worker-" + uuid.NewString()[:8],
		CleanupOnInit: true,
	})
	if err != nil {
		log.Fatalf("failed to set up lease manager: %v", err)
	}
	defer leases.Close()

	conduit := phab.NewConduit(
		getenv("PHABRICATOR_URL", "http://localhost:8090"),
		os.Getenv("PHABRICATOR_API_TOKEN"), nil)

	driver := vcs.NewGit(
		getenv("AUTOLAND_COMMITTER_NAME", "Autoland"),
		getenv("AUTOLAND_COMMITTER_EMAIL", "autoland@localhost"))

	pollInterval := 10 * time.Second
	if raw := os.Getenv("AUTOLAND_POLL_INTERVAL"); raw != "" {
		pollInterval, err = time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("invalid AUTOLAND_POLL_INTERVAL: %v", err)
		}
	}

	count := 1
	if raw := os.Getenv("AUTOLAND_WORKER_COUNT"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count < 1 {
			log.Fatalf("invalid AUTOLAND_WORKER_COUNT %q", raw)
		}
	}

	w := worker.New(jobStore, queue.NewMemory(256), leases, driver,
		worker.NewPatchSource(conduit), treeSvc, config, worker.Config{
			PollInterval: pollInterval,
			StartPaused:  os.Getenv("AUTOLAND_WORKER_PAUSED") == "1",
		})

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting landing worker",
		"workers", count,
		"poll_interval", pollInterval,
		"repositories", len(config.Repos))

	if err := w.RunN(ctx, count); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("landing worker failed: %v", err)
	}
	slog.Info("Landing worker stopped")
}
