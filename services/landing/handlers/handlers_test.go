// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/autoland/autoland/services/landing/assessment"
	"github.com/autoland/autoland/services/landing/datatypes"
	"github.com/autoland/autoland/services/landing/jobs"
	"github.com/autoland/autoland/services/landing/middleware"
	"github.com/autoland/autoland/services/landing/phab"
	"github.com/autoland/autoland/services/landing/queue"
	"github.com/autoland/autoland/services/landing/repos"
	"github.com/autoland/autoland/services/landing/routes"
	"github.com/autoland/autoland/services/landing/storage/badger"
	"github.com/autoland/autoland/services/landing/treestatus"
	"github.com/autoland/autoland/services/landing/warnings"
)

const (
	repoCentralPHID = "PHID-REPO-central"
	repoBetaPHID    = "PHID-REPO-beta"

	tokenAda   = "token-ada"
	tokenBasil = "token-basil"
)

const apiTestConfig = `
repos:
  - name: central
    phid: PHID-REPO-central
    url: https://vcs.example.test/central
    clone_path: /var/lib/autoland/central
  - name: beta
    phid: PHID-REPO-beta
    url: https://vcs.example.test/beta
    clone_path: /var/lib/autoland/beta
    access_group: release-landers
`

// api wires the full HTTP surface over in-memory stores.
type api struct {
	t        *testing.T
	phab     *phab.Fake
	jobs     *jobs.Store
	trees    *treestatus.Service
	warnings *warnings.Store
	queue    *queue.Memory
	router   *gin.Engine
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	jobStore, err := jobs.NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { jobStore.Close() })

	treeSvc, err := treestatus.NewService(db)
	require.NoError(t, err)

	warningStore, err := warnings.NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { warningStore.Close() })

	config, err := repos.Parse([]byte(apiTestConfig))
	require.NoError(t, err)

	fake := phab.NewFake()
	fake.AddRepository(&datatypes.RepositoryInfo{PHID: repoCentralPHID, ShortName: "central"})
	fake.AddRepository(&datatypes.RepositoryInfo{PHID: repoBetaPHID, ShortName: "beta"})

	engine := assessment.NewEngine(jobStore).
		WithGate(treeSvc).
		WithDiffWarnings(warningStore)

	users := middleware.NewStaticProvider(map[string]assessment.User{
		tokenAda:   {Identifier: "ada", Email: "ada@example.test"},
		tokenBasil: {Identifier: "basil", Email: "basil@example.test"},
	})

	q := queue.NewMemory(8)
	router := gin.New()
	routes.SetupRoutes(router, routes.Deps{
		Phab:     fake,
		Repos:    config,
		Engine:   engine,
		Jobs:     jobStore,
		Queue:    q,
		Trees:    treeSvc,
		Warnings: warningStore,
		Users:    users,
	})

	return &api{
		t:        t,
		phab:     fake,
		jobs:     jobStore,
		trees:    treeSvc,
		warnings: warningStore,
		queue:    q,
		router:   router,
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func revPHID(n int) string  { return fmt.Sprintf("PHID-DREV-%d", n) }
func diffPHID(n int) string { return fmt.Sprintf("PHID-DIFF-%d", n) }

// addRevision registers revision Dn with diff n*10 in the given repository.
// Accepted revisions carry an acceptance on the current diff so they
// assess without warnings.
func (a *api) addRevision(n int, status datatypes.RevisionStatus, repoPHID string) {
	rev := &datatypes.Revision{
		ID:             n,
		PHID:           revPHID(n),
		Status:         status,
		Title:          fmt.Sprintf("Change %d", n),
		DiffPHID:       diffPHID(n),
		RepositoryPHID: repoPHID,
	}
	if status == datatypes.StatusAccepted {
		rev.Reviewers = []datatypes.Reviewer{{
			PHID:       "PHID-USER-rev",
			Identifier: "reviewer",
			Status:     datatypes.ReviewerAccepted,
			DiffPHID:   diffPHID(n),
		}}
	}
	a.phab.AddRevision(rev)
	a.phab.AddDiff(&datatypes.Diff{
		ID:           n * 10,
		PHID:         diffPHID(n),
		RevisionPHID: revPHID(n),
		AuthorName:   "Ada",
		AuthorEmail:  "ada@example.test",
	})
}

// do performs a request against the router. A non-empty token becomes a
// bearer Authorization header; a non-nil body is sent as JSON.
func (a *api) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// decode unmarshals a response body into a map.
func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func landingPath(ns ...int) []map[string]any {
	path := make([]map[string]any, len(ns))
	for i, n := range ns {
		path[i] = map[string]any{
			"revision_phid": revPHID(n),
			"diff_id":       n * 10,
		}
	}
	return path
}
