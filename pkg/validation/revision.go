// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for user-provided
// identifiers.
//
// This package contains validators for inputs that end up in store keys,
// subprocess arguments, or review-tool API calls. Using these validators
// keeps malformed identifiers out of the core landing pipeline.
package validation

import (
	"fmt"
	"regexp"
	"strconv"
)

// revisionIDPattern matches revision identifiers of the form "D<integer>".
// Leading zeros are not allowed; the review tool never issues them.
var revisionIDPattern = regexp.MustCompile(`^D([1-9][0-9]*)$`)

// RevisionIDToInt parses a revision identifier such as "D123" into its
// numeric form.
//
// Returns an error if the identifier is not of the form "D<integer>".
func RevisionIDToInt(revisionID string) (int, error) {
	m := revisionIDPattern.FindStringSubmatch(revisionID)
	if m == nil {
		return 0, fmt.Errorf("revision IDs must be of the form %q, got %q", "D<integer>", revisionID)
	}

	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("parsing revision ID %q: %w", revisionID, err)
	}
	return id, nil
}

// FormatRevisionID renders a numeric revision ID in its display form.
func FormatRevisionID(id int) string {
	return "D" + strconv.Itoa(id)
}
