// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package problem implements RFC 7807 problem-details responses.
//
// Every error surfaced by the HTTP layer uses the same shape:
//
//	{"status": 400, "type": "...", "title": "...", "detail": "...", "instance": "..."}
//
// Handlers build a *Details either directly or by converting a domain error
// via FromError. Extension members (blockers, warnings, ...) are carried in
// Extensions and flattened into the response body.
package problem

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Details is a single problem-details document.
type Details struct {
	Status   int    `json:"status"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`

	// Extensions are additional members merged into the JSON document.
	Extensions map[string]any `json:"-"`
}

// Error implements the error interface so a *Details can travel through
// error returns before reaching the HTTP boundary.
func (d *Details) Error() string {
	return d.Title + ": " + d.Detail
}

// New returns a Details with a fresh instance identifier.
func New(status int, title, detail string) *Details {
	return &Details{
		Status:   status,
		Type:     statusType(status),
		Title:    title,
		Detail:   detail,
		Instance: "urn:uuid:" + uuid.NewString(),
	}
}

// WithExtension attaches an extension member and returns the receiver for
// chaining.
func (d *Details) WithExtension(key string, value any) *Details {
	if d.Extensions == nil {
		d.Extensions = make(map[string]any)
	}
	d.Extensions[key] = value
	return d
}

func statusType(status int) string {
	return "https://developer.mozilla.org/en-US/docs/Web/HTTP/Status/" + strconv.Itoa(status)
}

// Render writes the problem document as the gin response and aborts the
// handler chain.
func Render(c *gin.Context, d *Details) {
	body := gin.H{
		"status": d.Status,
		"type":   d.Type,
		"title":  d.Title,
		"detail": d.Detail,
	}
	if d.Instance != "" {
		body["instance"] = d.Instance
	}
	for k, v := range d.Extensions {
		body[k] = v
	}
	c.AbortWithStatusJSON(d.Status, body)
}

// RenderError converts err to a problem document and writes it. Errors that
// are not a *Details become an opaque 500.
func RenderError(c *gin.Context, err error) {
	var d *Details
	if errors.As(err, &d) {
		Render(c, d)
		return
	}
	Render(c, New(http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred."))
}

// Common constructors used across handlers.

func NotFound(detail string) *Details {
	return New(http.StatusNotFound, "Not Found", detail)
}

func BadRequest(title, detail string) *Details {
	return New(http.StatusBadRequest, title, detail)
}

func Forbidden(detail string) *Details {
	return New(http.StatusForbidden, "Unauthorized", detail)
}
