// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repos holds the static configuration of landing target
// repositories, loaded from YAML at startup.
//
// A repository missing from this configuration is not a landing target;
// its stacks still resolve but their paths are flagged unsupported.
package repos

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Repo is the landing configuration for one repository.
type Repo struct {
	// Name is the short name, matching the review tool's repository
	// short name and the tree status gate's tree name.
	Name string `yaml:"name" validate:"required"`

	// PHID is the review tool's identifier for the repository.
	PHID string `yaml:"phid" validate:"required"`

	// URL is the public web location of the repository.
	URL string `yaml:"url" validate:"required,url"`

	// PushPath is where landings are pushed. Defaults to URL.
	PushPath string `yaml:"push_path,omitempty" validate:"omitempty,url"`

	// ClonePath is the local working clone the worker lands into.
	ClonePath string `yaml:"clone_path" validate:"required"`

	// Ref is the branch landings are applied and pushed to.
	// Defaults to main.
	Ref string `yaml:"ref,omitempty"`

	// AccessGroup names the group a requester must carry to land here.
	// Empty means no group restriction.
	AccessGroup string `yaml:"access_group,omitempty"`

	// ApprovalRequired marks release trees whose landings need an
	// uplift approval on the review side.
	ApprovalRequired bool `yaml:"approval_required,omitempty"`
}

// PushTarget returns the path landings are pushed to.
func (r *Repo) PushTarget() string {
	if r.PushPath != "" {
		return r.PushPath
	}
	return r.URL
}

// TargetRef returns the branch landings are applied and pushed to.
func (r *Repo) TargetRef() string {
	if r.Ref != "" {
		return r.Ref
	}
	return "main"
}

// Config is the full set of configured landing targets.
type Config struct {
	Repos []Repo `yaml:"repos" validate:"required,min=1,dive"`

	byName map[string]*Repo
	byPHID map[string]*Repo
}

var validate = validator.New()

// Load reads and validates the repository configuration at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading repo config: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates YAML repository configuration.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing repo config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid repo config: %w", err)
	}

	cfg.byName = make(map[string]*Repo, len(cfg.Repos))
	cfg.byPHID = make(map[string]*Repo, len(cfg.Repos))
	for i := range cfg.Repos {
		repo := &cfg.Repos[i]
		if _, dup := cfg.byName[repo.Name]; dup {
			return nil, fmt.Errorf("invalid repo config: duplicate repo name %q", repo.Name)
		}
		if _, dup := cfg.byPHID[repo.PHID]; dup {
			return nil, fmt.Errorf("invalid repo config: duplicate repo phid %q", repo.PHID)
		}
		cfg.byName[repo.Name] = repo
		cfg.byPHID[repo.PHID] = repo
	}
	return &cfg, nil
}

// ByName returns the repo with the given short name, or nil.
func (c *Config) ByName(name string) *Repo {
	return c.byName[name]
}

// ByPHID returns the repo with the given review-tool PHID, or nil.
func (c *Config) ByPHID(phid string) *Repo {
	return c.byPHID[phid]
}

// LandablePHIDs returns the PHID set of every configured repo, in the
// form the stack resolver consumes.
func (c *Config) LandablePHIDs() map[string]bool {
	out := make(map[string]bool, len(c.Repos))
	for i := range c.Repos {
		out[c.Repos[i].PHID] = true
	}
	return out
}

// Names returns the configured repo short names as a set, in the form
// the job queue filter consumes.
func (c *Config) Names() map[string]bool {
	out := make(map[string]bool, len(c.Repos))
	for i := range c.Repos {
		out[c.Repos[i].Name] = true
	}
	return out
}
