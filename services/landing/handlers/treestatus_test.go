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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeCentralTree creates an open tree named central via the API.
func makeCentralTree(t *testing.T, api *api) {
	t.Helper()
	w := api.do(http.MethodPut, "/trees/central", tokenAda, map[string]any{
		"status":   "open",
		"reason":   "",
		"category": "development",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestTreeCreateAndGet(t *testing.T) {
	api := newAPI(t)
	makeCentralTree(t, api)

	w := api.do(http.MethodGet, "/trees/central", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	result := decode(t, w)["result"].(map[string]any)
	assert.Equal(t, "central", result["tree"])
	assert.Equal(t, "open", result["status"])

	list := api.do(http.MethodGet, "/trees", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	trees := decode(t, list)["result"].(map[string]any)
	assert.Contains(t, trees, "central")
}

func TestTreeGetUnknown(t *testing.T) {
	api := newAPI(t)

	w := api.do(http.MethodGet, "/trees/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTreeCreateDuplicateConflicts(t *testing.T) {
	api := newAPI(t)
	makeCentralTree(t, api)

	w := api.do(http.MethodPut, "/trees/central", tokenAda, map[string]any{
		"status": "open", "category": "development",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCloseTreeRequiresTags(t *testing.T) {
	api := newAPI(t)
	makeCentralTree(t, api)

	w := api.do(http.MethodPatch, "/trees", tokenAda, map[string]any{
		"trees":  []string{"central"},
		"status": "closed",
		"reason": "bustage",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "tags are required")
}

func TestCloseTreeWritesLog(t *testing.T) {
	api := newAPI(t)
	makeCentralTree(t, api)

	w := api.do(http.MethodPatch, "/trees", tokenAda, map[string]any{
		"trees":  []string{"central"},
		"status": "closed",
		"reason": "test bustage",
		"tags":   []string{"infra"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	state := api.do(http.MethodGet, "/trees/central", "", nil)
	result := decode(t, state)["result"].(map[string]any)
	assert.Equal(t, "closed", result["status"])
	assert.Equal(t, "test bustage", result["reason"])

	logs := api.do(http.MethodGet, "/trees/central/logs", "", nil)
	require.Equal(t, http.StatusOK, logs.Code)
	entries := decode(t, logs)["result"].([]any)
	require.NotEmpty(t, entries)
	latest := entries[0].(map[string]any)
	assert.Equal(t, "closed", latest["status"])
	assert.Equal(t, "ada@example.test", latest["who"])
}

func TestRememberedCloseCanBeReverted(t *testing.T) {
	api := newAPI(t)
	makeCentralTree(t, api)

	w := api.do(http.MethodPatch, "/trees", tokenAda, map[string]any{
		"trees":    []string{"central"},
		"status":   "closed",
		"reason":   "merge conflicts",
		"tags":     []string{"merges"},
		"remember": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stack := api.do(http.MethodGet, "/stack", "", nil)
	require.Equal(t, http.StatusOK, stack.Code)
	changes := decode(t, stack)["result"].([]any)
	require.Len(t, changes, 1)
	changeID := int64(changes[0].(map[string]any)["id"].(float64))

	revert := api.do(http.MethodDelete,
		"/stack/1?revert=1", tokenAda, nil)
	require.Equal(t, http.StatusNoContent, revert.Code)
	_ = changeID

	state := api.do(http.MethodGet, "/trees/central", "", nil)
	result := decode(t, state)["result"].(map[string]any)
	assert.Equal(t, "open", result["status"])

	// The stack entry is consumed.
	stack = api.do(http.MethodGet, "/stack", "", nil)
	assert.Empty(t, decode(t, stack)["result"])
}

func TestUpdateLogAmendsReason(t *testing.T) {
	api := newAPI(t)
	makeCentralTree(t, api)

	w := api.do(http.MethodPatch, "/trees", tokenAda, map[string]any{
		"trees":  []string{"central"},
		"status": "closed",
		"reason": "bustage",
		"tags":   []string{"infra"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	logs := api.do(http.MethodGet, "/trees/central/logs", "", nil)
	entries := decode(t, logs)["result"].([]any)
	require.NotEmpty(t, entries)
	logID := int64(entries[0].(map[string]any)["id"].(float64))

	reason := "backout landed"
	patch := api.do(http.MethodPatch,
		"/log/"+itoa(logID), tokenAda,
		map[string]any{"reason": reason})
	require.Equal(t, http.StatusNoContent, patch.Code, patch.Body.String())

	logs = api.do(http.MethodGet, "/trees/central/logs", "", nil)
	entries = decode(t, logs)["result"].([]any)
	assert.Equal(t, reason, entries[0].(map[string]any)["reason"])
}

func TestDeleteTree(t *testing.T) {
	api := newAPI(t)
	makeCentralTree(t, api)

	w := api.do(http.MethodDelete, "/trees/central", tokenAda, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	get := api.do(http.MethodGet, "/trees/central", "", nil)
	assert.Equal(t, http.StatusNotFound, get.Code)
}
