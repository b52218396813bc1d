// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the landing service.
//
// The auth middleware extracts a bearer token from the Authorization
// header, resolves it to a requester identity through the configured
// UserProvider, and stores the identity in the Gin context for the
// handlers. Endpoints that mutate state require an identity; read-only
// endpoints are mounted without the middleware.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/autoland/autoland/pkg/problem"
	"github.com/autoland/autoland/services/landing/assessment"
	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is returned by a UserProvider when a token does not
// resolve to a known user.
var ErrUnauthorized = errors.New("unauthorized")

// userKey is the context key for the authenticated requester.
const userKey = "autoland_user"

// UserProvider resolves a bearer token to a requester identity.
type UserProvider interface {
	Resolve(ctx context.Context, token string) (*assessment.User, error)
}

// StaticProvider resolves tokens from a fixed table. It backs small
// deployments where API tokens are issued out of band.
type StaticProvider struct {
	users map[string]assessment.User
}

// NewStaticProvider returns a provider over the given token table.
func NewStaticProvider(users map[string]assessment.User) *StaticProvider {
	return &StaticProvider{users: users}
}

// Resolve implements UserProvider.
func (p *StaticProvider) Resolve(_ context.Context, token string) (*assessment.User, error) {
	user, ok := p.users[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return &user, nil
}

// NopProvider authenticates every request as a fixed local user. It keeps
// single-user deployments working without any token infrastructure.
type NopProvider struct {
	Email string
}

// Resolve implements UserProvider.
func (p *NopProvider) Resolve(context.Context, string) (*assessment.User, error) {
	email := p.Email
	if email == "" {
		email = "local-user@localhost"
	}
	return &assessment.User{
		Identifier: "local-user",
		Email:      email,
	}, nil
}

// SetUser stores the authenticated requester in the Gin context.
func SetUser(c *gin.Context, user *assessment.User) {
	c.Set(userKey, user)
}

// GetUser returns the authenticated requester, or nil when the request
// did not pass through Auth.
func GetUser(c *gin.Context) *assessment.User {
	if v, exists := c.Get(userKey); exists {
		if user, ok := v.(*assessment.User); ok {
			return user
		}
	}
	return nil
}

// Auth returns a middleware that authenticates requests through provider.
//
// The token is taken from "Authorization: Bearer <token>". Requests whose
// token does not resolve are rejected with a 401 problem document.
func Auth(provider UserProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		user, err := provider.Resolve(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				problem.Render(c, problem.New(http.StatusUnauthorized,
					"Authentication Required",
					"The request token is missing or not recognized."))
				return
			}
			problem.Render(c, problem.New(http.StatusUnauthorized,
				"Authentication Failed",
				"The request could not be authenticated."))
			return
		}

		SetUser(c, user)
		c.Next()
	}
}

// extractBearerToken parses the Authorization header expecting the format
// "Bearer <token>". Returns "" when the header is missing or malformed.
// The scheme is matched case-insensitively per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
