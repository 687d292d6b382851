// Copyright 2024 The corebuild Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vcs

import (
	"context"
	"fmt"
	"strings"

	"github.com/goplus/corebuild/internal/run"
)

// VCS defines the read-only source control queries used to stamp builds.
type VCS interface {
	// Branch returns the name of the branch checked out in dir.
	Branch(ctx context.Context, dir string) (string, error)

	// Describe returns a human-readable name for HEAD in dir: the nearest
	// tag when there is one, otherwise the abbreviated commit hash.
	Describe(ctx context.Context, dir string) (string, error)
}

// gitVCS implements VCS using git.
type gitVCS struct {
	git    string
	runner run.Runner
}

// GitOption configures gitVCS.
type GitOption func(*gitVCS)

// WithGitPath sets a custom git executable path.
func WithGitPath(path string) GitOption {
	return func(g *gitVCS) {
		g.git = path
	}
}

// WithRunner sets the runner git is executed with.
func WithRunner(r run.Runner) GitOption {
	return func(g *gitVCS) {
		g.runner = r
	}
}

// NewGitVCS creates a new git VCS instance.
func NewGitVCS(opts ...GitOption) VCS {
	g := &gitVCS{git: "git", runner: run.Exec{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *gitVCS) Branch(ctx context.Context, dir string) (string, error) {
	out, err := g.output(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

func (g *gitVCS) Describe(ctx context.Context, dir string) (string, error) {
	out, err := g.output(ctx, dir, "describe", "--always")
	if err != nil {
		return "", fmt.Errorf("describe HEAD: %w", err)
	}
	return out, nil
}

func (g *gitVCS) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := run.Command(g.git, args...)
	cmd.Dir = dir
	out, err := g.runner.Output(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
