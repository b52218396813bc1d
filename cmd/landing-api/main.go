// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command landing-api starts the landing service HTTP API.
//
// The job store is an embedded database, so the landing worker runs
// inside this process by default; the API and the worker share one store
// and one queue. Set AUTOLAND_WORKER_DISABLED=1 to serve the API alone.
//
// # Environment Variables
//
//   - AUTOLAND_PORT: HTTP server port (default: 9800)
//   - AUTOLAND_DB_PATH: BadgerDB directory (default: .autoland/db)
//   - AUTOLAND_REPOS_CONFIG: repository config YAML (default: repos.yml)
//   - AUTOLAND_LEASE_DIR: worker lease directory (default: .autoland/leases)
//   - AUTOLAND_API_TOKENS: static auth table, "token=email" pairs separated
//     by ";" with optional "|group" suffixes. Unset means local-user mode.
//   - AUTOLAND_WORKER_DISABLED: "1" disables the embedded worker
//   - AUTOLAND_WORKER_PAUSED: "1" starts the worker paused
//   - AUTOLAND_COMMITTER_NAME / AUTOLAND_COMMITTER_EMAIL: git committer
//     identity for landed commits
//   - PHABRICATOR_URL / PHABRICATOR_API_TOKEN: review tool endpoint
//   - PHABRICATOR_SECURE_PROJECT_PHID: project tag marking secure revisions
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: localhost:4317)
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/autoland/autoland/pkg/logging"
	"github.com/autoland/autoland/services/landing/assessment"
	"github.com/autoland/autoland/services/landing/jobs"
	"github.com/autoland/autoland/services/landing/lease"
	"github.com/autoland/autoland/services/landing/middleware"
	"github.com/autoland/autoland/services/landing/observability"
	"github.com/autoland/autoland/services/landing/phab"
	"github.com/autoland/autoland/services/landing/queue"
	"github.com/autoland/autoland/services/landing/repos"
	"github.com/autoland/autoland/services/landing/routes"
	"github.com/autoland/autoland/services/landing/storage/badger"
	"github.com/autoland/autoland/services/landing/treestatus"
	"github.com/autoland/autoland/services/landing/vcs"
	"github.com/autoland/autoland/services/landing/warnings"
	"github.com/autoland/autoland/services/landing/worker"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("landing-api")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// parseUserTable parses AUTOLAND_API_TOKENS:
// "token=email|group1|group2;token2=email2".
func parseUserTable(raw string) map[string]assessment.User {
	users := make(map[string]assessment.User)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, spec, ok := strings.Cut(pair, "=")
		if !ok {
			log.Fatalf("invalid AUTOLAND_API_TOKENS entry %q", pair)
		}
		parts := strings.Split(spec, "|")
		email := parts[0]
		users[token] = assessment.User{
			Identifier: email,
			Email:      email,
			Groups:     parts[1:],
		}
	}
	return users
}

func main() {
	logger, err := logging.New(logging.Config{Service: "landing-api", JSON: true})
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

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

	warningStore, err := warnings.NewStore(db)
	if err != nil {
		log.Fatalf("failed to open diff warning store: %v", err)
	}
	defer warningStore.Close()

	conduit := phab.NewConduit(
		getenv("PHABRICATOR_URL", "http://localhost:8090"),
		os.Getenv("PHABRICATOR_API_TOKEN"), nil)
	conduit.SecureProjectPHID = os.Getenv("PHABRICATOR_SECURE_PROJECT_PHID")

	engine := assessment.NewEngine(jobStore).
		WithGate(treeSvc).
		WithDiffWarnings(warningStore)

	var users middleware.UserProvider
	if raw := os.Getenv("AUTOLAND_API_TOKENS"); raw != "" {
		users = middleware.NewStaticProvider(parseUserTable(raw))
	} else {
		slog.Warn("AUTOLAND_API_TOKENS not set, authenticating all requests as local-user")
		users = &middleware.NopProvider{}
	}

	q := queue.NewMemory(256)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if os.Getenv("AUTOLAND_WORKER_DISABLED") != "1" {
		leases, err := lease.NewManager(lease.ManagerConfig{
			LeaseDir:      getenv("AUTOLAND_LEASE_DIR", ".autoland/leases"),
			WorkerID:      "landing-api-" + uuid.NewString()[:8],
			CleanupOnInit: true,
		})
		if err != nil {
			log.Fatalf("failed to set up lease manager: %v", err)
		}
		defer leases.Close()

		driver := vcs.NewGit(
			getenv("AUTOLAND_COMMITTER_NAME", "Autoland"),
			getenv("AUTOLAND_COMMITTER_EMAIL", "autoland@localhost"))

		w := worker.New(jobStore, q, leases, driver,
			worker.NewPatchSource(conduit), treeSvc, config, worker.Config{
				StartPaused: os.Getenv("AUTOLAND_WORKER_PAUSED") == "1",
			})
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("landing worker stopped", "error", err)
			}
		}()
		slog.Info("Embedded landing worker started")
	} else {
		slog.Info("Embedded landing worker disabled")
	}

	metrics := observability.Init()

	router := gin.Default()
	router.Use(otelgin.Middleware("landing-api"))
	router.Use(metrics.Middleware())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.SetupRoutes(router, routes.Deps{
		Phab:     conduit,
		Repos:    config,
		Engine:   engine,
		Jobs:     jobStore,
		Queue:    q,
		Trees:    treeSvc,
		Warnings: warningStore,
		Users:    users,
	})

	port := getenv("AUTOLAND_PORT", "9800")
	slog.Info("Starting the landing API", "port", port,
		"repositories", len(config.Repos))
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
