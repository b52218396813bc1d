// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/autoland/autoland/services/landing/datatypes"
)

// Conduit is the production Client, speaking the review tool's conduit
// HTTP API.
type Conduit struct {
	baseURL string
	token   string
	http    *http.Client

	// SecureProjectPHID marks revisions as security-sensitive when they
	// carry this project tag. Empty disables the check.
	SecureProjectPHID string
}

// NewConduit returns a client for the conduit API at baseURL. A nil
// httpClient gets a 30 second default.
func NewConduit(baseURL, token string, httpClient *http.Client) *Conduit {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Conduit{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// conduitError is a non-empty error envelope in a conduit response.
type conduitError struct {
	Code string
	Info string
}

func (e *conduitError) Error() string {
	return fmt.Sprintf("conduit error %s: %s", e.Code, e.Info)
}

// call posts a conduit method and decodes the result envelope.
func (c *Conduit) call(ctx context.Context, method string, params url.Values, result any) error {
	params.Set("api.token", c.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calling %s: unexpected status %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result    json.RawMessage `json:"result"`
		ErrorCode *string         `json:"error_code"`
		ErrorInfo *string         `json:"error_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if envelope.ErrorCode != nil && *envelope.ErrorCode != "" {
		info := ""
		if envelope.ErrorInfo != nil {
			info = *envelope.ErrorInfo
		}
		return &conduitError{Code: *envelope.ErrorCode, Info: info}
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// searchResult is the shared page shape of *.search methods.
type searchResult struct {
	Data []json.RawMessage `json:"data"`
}

// revisionDatum is one revision from differential.revision.search.
type revisionDatum struct {
	ID     int    `json:"id"`
	PHID   string `json:"phid"`
	Fields struct {
		Title  string `json:"title"`
		Status struct {
			Value string `json:"value"`
		} `json:"status"`
		DiffPHID       string `json:"diffPHID"`
		RepositoryPHID string `json:"repositoryPHID"`
		BugID          string `json:"bugzilla.bug-id"`
	} `json:"fields"`
	Attachments struct {
		Reviewers struct {
			Reviewers []struct {
				ReviewerPHID string `json:"reviewerPHID"`
				Status       string `json:"status"`
				IsBlocking   bool   `json:"isBlocking"`
			} `json:"reviewers"`
		} `json:"reviewers"`
		ReviewersExtra struct {
			Reviewers []struct {
				ReviewerPHID string `json:"reviewerPHID"`
				DiffPHID     string `json:"diffPHID"`
				VoidedPHID   string `json:"voidedPHID"`
			} `json:"reviewers"`
		} `json:"reviewers-extra"`
		Projects struct {
			ProjectPHIDs []string `json:"projectPHIDs"`
		} `json:"projects"`
	} `json:"attachments"`
}

// searchRevisions runs differential.revision.search under the given
// constraints and converts every datum.
func (c *Conduit) searchRevisions(ctx context.Context, constraints url.Values) ([]*datatypes.Revision, error) {
	params := url.Values{}
	for k, vs := range constraints {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	params.Set("attachments[reviewers]", "1")
	params.Set("attachments[reviewers-extra]", "1")
	params.Set("attachments[projects]", "1")

	var page searchResult
	if err := c.call(ctx, "differential.revision.search", params, &page); err != nil {
		return nil, err
	}

	out := make([]*datatypes.Revision, 0, len(page.Data))
	for _, raw := range page.Data {
		var datum revisionDatum
		if err := json.Unmarshal(raw, &datum); err != nil {
			return nil, fmt.Errorf("decoding revision datum: %w", err)
		}
		rev, err := c.convertRevision(ctx, &datum)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, nil
}

func (c *Conduit) convertRevision(ctx context.Context, datum *revisionDatum) (*datatypes.Revision, error) {
	rev := &datatypes.Revision{
		ID:             datum.ID,
		PHID:           datum.PHID,
		Status:         datatypes.RevisionStatusFromString(datum.Fields.Status.Value),
		Title:          datum.Fields.Title,
		DiffPHID:       datum.Fields.DiffPHID,
		RepositoryPHID: datum.Fields.RepositoryPHID,
		BugID:          datum.Fields.BugID,
	}

	if c.SecureProjectPHID != "" {
		for _, phid := range datum.Attachments.Projects.ProjectPHIDs {
			if phid == c.SecureProjectPHID {
				rev.Secure = true
				break
			}
		}
	}

	extra := make(map[string]struct{ diffPHID, voidedPHID string })
	for _, r := range datum.Attachments.ReviewersExtra.Reviewers {
		extra[r.ReviewerPHID] = struct{ diffPHID, voidedPHID string }{r.DiffPHID, r.VoidedPHID}
	}

	var reviewerPHIDs []string
	for _, r := range datum.Attachments.Reviewers.Reviewers {
		reviewerPHIDs = append(reviewerPHIDs, r.ReviewerPHID)
	}
	names, err := c.usernames(ctx, reviewerPHIDs)
	if err != nil {
		return nil, err
	}

	for _, r := range datum.Attachments.Reviewers.Reviewers {
		status := datatypes.ReviewerStatusFromString(r.Status)
		if r.IsBlocking && status == datatypes.ReviewerAdded {
			status = datatypes.ReviewerBlocking
		}
		reviewer := datatypes.Reviewer{
			PHID:       r.ReviewerPHID,
			Identifier: names[r.ReviewerPHID],
			Status:     status,
		}
		if e, ok := extra[r.ReviewerPHID]; ok {
			reviewer.DiffPHID = e.diffPHID
			reviewer.VoidedPHID = e.voidedPHID
		}
		rev.Reviewers = append(rev.Reviewers, reviewer)
	}

	if err := rev.Validate(); err != nil {
		return nil, fmt.Errorf("conduit returned malformed revision: %w", err)
	}
	return rev, nil
}

// usernames resolves user PHIDs to usernames. Unknown PHIDs (bots,
// projects reviewing as a group) keep their PHID as identifier.
func (c *Conduit) usernames(ctx context.Context, phids []string) (map[string]string, error) {
	names := make(map[string]string, len(phids))
	if len(phids) == 0 {
		return names, nil
	}
	params := url.Values{}
	for i, phid := range phids {
		params.Set(fmt.Sprintf("constraints[phids][%d]", i), phid)
		names[phid] = phid
	}
	var page searchResult
	if err := c.call(ctx, "user.search", params, &page); err != nil {
		return nil, err
	}
	for _, raw := range page.Data {
		var datum struct {
			PHID   string `json:"phid"`
			Fields struct {
				Username string `json:"username"`
			} `json:"fields"`
		}
		if err := json.Unmarshal(raw, &datum); err != nil {
			return nil, fmt.Errorf("decoding user datum: %w", err)
		}
		names[datum.PHID] = datum.Fields.Username
	}
	return names, nil
}

// FetchRevision implements Client.
func (c *Conduit) FetchRevision(ctx context.Context, id int) (*datatypes.Revision, error) {
	constraints := url.Values{}
	constraints.Set("constraints[ids][0]", strconv.Itoa(id))
	revs, err := c.searchRevisions(ctx, constraints)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, fmt.Errorf("revision D%d: %w", id, ErrNotFound)
	}
	return revs[0], nil
}

// FetchRevisions implements Client.
func (c *Conduit) FetchRevisions(ctx context.Context, phids []string) (map[string]*datatypes.Revision, error) {
	out := make(map[string]*datatypes.Revision, len(phids))
	if len(phids) == 0 {
		return out, nil
	}
	constraints := url.Values{}
	for i, phid := range phids {
		constraints.Set(fmt.Sprintf("constraints[phids][%d]", i), phid)
	}
	revs, err := c.searchRevisions(ctx, constraints)
	if err != nil {
		return nil, err
	}
	for _, rev := range revs {
		out[rev.PHID] = rev
	}
	for _, phid := range phids {
		if out[phid] == nil {
			return nil, fmt.Errorf("revision %s: %w", phid, ErrNotFound)
		}
	}
	return out, nil
}

// FetchStackGraph implements Client. It walks revision parent and child
// edges breadth-first from rootPHID until the connected set closes.
func (c *Conduit) FetchStackGraph(ctx context.Context, rootPHID string) ([]string, []Edge, error) {
	seen := map[string]bool{rootPHID: true}
	edgeSeen := make(map[Edge]bool)
	var edges []Edge

	frontier := []string{rootPHID}
	for len(frontier) > 0 {
		params := url.Values{}
		for i, phid := range frontier {
			params.Set(fmt.Sprintf("sourcePHIDs[%d]", i), phid)
		}
		params.Set("types[0]", "revision.parent")
		params.Set("types[1]", "revision.child")

		var result struct {
			Data []struct {
				SourcePHID      string `json:"sourcePHID"`
				EdgeType        string `json:"edgeType"`
				DestinationPHID string `json:"destinationPHID"`
			} `json:"data"`
		}
		if err := c.call(ctx, "edge.search", params, &result); err != nil {
			return nil, nil, err
		}

		frontier = frontier[:0]
		for _, datum := range result.Data {
			edge := Edge{Child: datum.SourcePHID, Parent: datum.DestinationPHID}
			if datum.EdgeType == "revision.child" {
				edge = Edge{Child: datum.DestinationPHID, Parent: datum.SourcePHID}
			}
			if !edgeSeen[edge] {
				edgeSeen[edge] = true
				edges = append(edges, edge)
			}
			if !seen[datum.DestinationPHID] {
				seen[datum.DestinationPHID] = true
				frontier = append(frontier, datum.DestinationPHID)
			}
		}
	}

	nodes := make([]string, 0, len(seen))
	for phid := range seen {
		nodes = append(nodes, phid)
	}
	sort.Strings(nodes)
	return nodes, edges, nil
}

// diffDatum is one diff from differential.diff.search.
type diffDatum struct {
	ID     int    `json:"id"`
	PHID   string `json:"phid"`
	Fields struct {
		RevisionPHID string `json:"revisionPHID"`
		DateCreated  int64  `json:"dateCreated"`
		DateModified int64  `json:"dateModified"`
		Refs         []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"refs"`
	} `json:"fields"`
	Attachments struct {
		Commits struct {
			Commits []struct {
				Author struct {
					Name  string `json:"name"`
					Email string `json:"email"`
				} `json:"author"`
			} `json:"commits"`
		} `json:"commits"`
	} `json:"attachments"`
}

func convertDiff(datum *diffDatum) (*datatypes.Diff, error) {
	diff := &datatypes.Diff{
		ID:           datum.ID,
		PHID:         datum.PHID,
		RevisionPHID: datum.Fields.RevisionPHID,
		Created:      time.Unix(datum.Fields.DateCreated, 0).UTC(),
		Modified:     time.Unix(datum.Fields.DateModified, 0).UTC(),
	}
	for _, ref := range datum.Fields.Refs {
		if ref.Type == "base" {
			diff.BaseCommit = ref.Identifier
		}
	}
	if commits := datum.Attachments.Commits.Commits; len(commits) > 0 {
		diff.AuthorName = commits[0].Author.Name
		diff.AuthorEmail = commits[0].Author.Email
	}
	if err := diff.Validate(); err != nil {
		return nil, fmt.Errorf("conduit returned malformed diff: %w", err)
	}
	return diff, nil
}

func (c *Conduit) searchDiffs(ctx context.Context, constraints url.Values) ([]*datatypes.Diff, error) {
	params := url.Values{}
	for k, vs := range constraints {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	params.Set("attachments[commits]", "1")

	var page searchResult
	if err := c.call(ctx, "differential.diff.search", params, &page); err != nil {
		return nil, err
	}
	out := make([]*datatypes.Diff, 0, len(page.Data))
	for _, raw := range page.Data {
		var datum diffDatum
		if err := json.Unmarshal(raw, &datum); err != nil {
			return nil, fmt.Errorf("decoding diff datum: %w", err)
		}
		diff, err := convertDiff(&datum)
		if err != nil {
			return nil, err
		}
		out = append(out, diff)
	}
	return out, nil
}

// FetchDiff implements Client.
func (c *Conduit) FetchDiff(ctx context.Context, id int) (*datatypes.Diff, error) {
	constraints := url.Values{}
	constraints.Set("constraints[ids][0]", strconv.Itoa(id))
	diffs, err := c.searchDiffs(ctx, constraints)
	if err != nil {
		return nil, err
	}
	if len(diffs) == 0 {
		return nil, fmt.Errorf("diff %d: %w", id, ErrNotFound)
	}
	return diffs[0], nil
}

// FetchDiffs implements Client.
func (c *Conduit) FetchDiffs(ctx context.Context, phids []string) (map[string]*datatypes.Diff, error) {
	out := make(map[string]*datatypes.Diff, len(phids))
	if len(phids) == 0 {
		return out, nil
	}
	constraints := url.Values{}
	for i, phid := range phids {
		constraints.Set(fmt.Sprintf("constraints[phids][%d]", i), phid)
	}
	diffs, err := c.searchDiffs(ctx, constraints)
	if err != nil {
		return nil, err
	}
	for _, diff := range diffs {
		out[diff.PHID] = diff
	}
	for _, phid := range phids {
		if out[phid] == nil {
			return nil, fmt.Errorf("diff %s: %w", phid, ErrNotFound)
		}
	}
	return out, nil
}

// FetchRepositories implements Client.
func (c *Conduit) FetchRepositories(ctx context.Context, phids []string) (map[string]*datatypes.RepositoryInfo, error) {
	out := make(map[string]*datatypes.RepositoryInfo, len(phids))
	if len(phids) == 0 {
		return out, nil
	}
	params := url.Values{}
	for i, phid := range phids {
		params.Set(fmt.Sprintf("constraints[phids][%d]", i), phid)
	}
	var page searchResult
	if err := c.call(ctx, "diffusion.repository.search", params, &page); err != nil {
		return nil, err
	}
	for _, raw := range page.Data {
		var datum struct {
			PHID   string `json:"phid"`
			Fields struct {
				ShortName string `json:"shortName"`
			} `json:"fields"`
		}
		if err := json.Unmarshal(raw, &datum); err != nil {
			return nil, fmt.Errorf("decoding repository datum: %w", err)
		}
		out[datum.PHID] = &datatypes.RepositoryInfo{
			PHID:      datum.PHID,
			ShortName: datum.Fields.ShortName,
		}
	}
	return out, nil
}

// FetchRawDiff implements Client.
func (c *Conduit) FetchRawDiff(ctx context.Context, diffID int) ([]byte, error) {
	params := url.Values{}
	params.Set("diffID", strconv.Itoa(diffID))

	var raw string
	if err := c.call(ctx, "differential.getrawdiff", params, &raw); err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("raw diff %d: %w", diffID, ErrNotFound)
	}
	return []byte(raw), nil
}
