// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package warnings

import (
	"context"
	"errors"
	"testing"

	"github.com/autoland/autoland/services/landing/storage/badger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})
	return store
}

func lintWarning(revisionID, diffID int, message string) *DiffWarning {
	return &DiffWarning{
		RevisionID: revisionID,
		DiffID:     diffID,
		Group:      GroupLint,
		Data:       map[string]interface{}{"message": message},
	}
}

func TestCreateRequiresMessage(t *testing.T) {
	store := newTestStore(t)
	w := &DiffWarning{
		RevisionID: 1,
		DiffID:     10,
		Group:      GroupLint,
		Data:       map[string]interface{}{"severity": "error"},
	}
	if err := store.Create(context.Background(), w); err == nil {
		t.Fatal("Create without message should fail")
	}
}

func TestQueryFiltersActiveByGroup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lint := lintWarning(1, 10, "unused variable")
	general := &DiffWarning{
		RevisionID: 1,
		DiffID:     10,
		Group:      GroupGeneral,
		Data:       map[string]interface{}{"message": "large diff"},
	}
	other := lintWarning(2, 20, "shadowed import")
	for _, w := range []*DiffWarning{lint, general, other} {
		if err := store.Create(ctx, w); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := store.Query(ctx, 1, 10, GroupLint)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Message() != "unused variable" {
		t.Errorf("Query = %+v, want the lint warning only", got)
	}
}

func TestArchiveHidesFromQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	w := lintWarning(1, 10, "unused variable")
	if err := store.Create(ctx, w); err != nil {
		t.Fatalf("Create: %v", err)
	}

	archived, err := store.Archive(ctx, w.ID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if archived.Status != StatusArchived {
		t.Errorf("status = %q, want ARCHIVED", archived.Status)
	}

	got, err := store.Query(ctx, 1, 10, GroupLint)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("archived warning still returned: %+v", got)
	}

	open, err := store.OpenWarnings(ctx, 1, 10)
	if err != nil {
		t.Fatalf("OpenWarnings: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("archived warning still open: %+v", open)
	}

	if _, err := store.Archive(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Archive(9999) err = %v, want ErrNotFound", err)
	}
}

func TestOpenWarningsSpansGroups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, lintWarning(1, 10, "unused variable")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	general := &DiffWarning{
		RevisionID: 1,
		DiffID:     10,
		Group:      GroupGeneral,
		Data:       map[string]interface{}{"message": "very large diff"},
	}
	if err := store.Create(ctx, general); err != nil {
		t.Fatalf("Create: %v", err)
	}

	open, err := store.OpenWarnings(ctx, 1, 10)
	if err != nil {
		t.Fatalf("OpenWarnings: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("got %d open warnings, want 2", len(open))
	}
	groups := map[string]bool{}
	for _, w := range open {
		groups[w.Group] = true
	}
	if !groups["LINT"] || !groups["GENERAL"] {
		t.Errorf("groups = %v", groups)
	}
}

func TestOpenWarningsIgnoreSupersededDiffs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Filed against diff 10, then the author uploaded diff 11.
	if err := store.Create(ctx, lintWarning(1, 10, "unused variable")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, lintWarning(1, 11, "shadowed import")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	open, err := store.OpenWarnings(ctx, 1, 11)
	if err != nil {
		t.Fatalf("OpenWarnings: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("got %d open warnings, want 1", len(open))
	}
	if open[0].Message != "shadowed import" {
		t.Errorf("message = %q, want the current diff's warning", open[0].Message)
	}
}
