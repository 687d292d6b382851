// Package pipeline sequences the core build: resolve the pinned version,
// optionally upgrade it, build the archive and stamp the host manifest.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/goplus/corebuild/internal/descriptor"
	"github.com/goplus/corebuild/internal/fsys"
	"github.com/goplus/corebuild/internal/manifest"
	"github.com/goplus/corebuild/internal/vcs"
	"github.com/goplus/corebuild/pkgs/buildsys"
	"github.com/goplus/corebuild/pkgs/buildsys/gobuild"
)

// Config holds the per-run settings. CI is decided by the caller, usually
// from the process environment.
type Config struct {
	DescriptorPath string
	ManifestPath   string
	Matcher        descriptor.Matcher
	Scope          descriptor.Scope

	// CI enables the manifest sync of the build workflow.
	CI bool
	// FullMetadata adds branch, commit and build time to that sync.
	FullMetadata bool
	// GitDir is where branch and commit are queried.
	GitDir string

	// DryRun logs commands and writes instead of performing them.
	DryRun bool
}

// Modules reinstalls dependencies after the descriptor changes.
type Modules interface {
	Download(ctx context.Context) error
	Tidy(ctx context.Context) error
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	FS      fsys.FS
	Builder buildsys.BuildSystem
	Modules Modules
	VCS     vcs.VCS
	Now     func() time.Time
	Logger  *log.Logger
}

// Result reports what a workflow did.
type Result struct {
	// PreviousVersion is set by Upgrade.
	PreviousVersion string `yaml:"previousVersion,omitempty"`
	Version         string `yaml:"version"`
	Output          string `yaml:"output"`
	Command         string `yaml:"command"`
	Synced          bool   `yaml:"synced"`
}

// Pipeline runs the build workflows. Steps run strictly in order and the
// first failure aborts the rest.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *log.Logger
}

// New returns a Pipeline. A nil Now uses time.Now and a nil Logger discards
// progress output.
func New(cfg Config, deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	l := deps.Logger
	if l == nil {
		l = log.New(io.Discard)
	}
	return &Pipeline{cfg: cfg, deps: deps, log: l}
}

// readDescriptor returns the descriptor text and the version pinned in it.
func (p *Pipeline) readDescriptor() (*descriptor.File, string, error) {
	f, err := descriptor.Parse(p.deps.FS, p.cfg.DescriptorPath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("read descriptor: %w", err)
	}
	version := f.Version(p.cfg.Matcher)
	p.logVersion(version)
	return f, version, nil
}

func (p *Pipeline) logVersion(version string) {
	if version == descriptor.Unknown {
		p.log.Warn("no pinned version found", "descriptor", p.cfg.DescriptorPath, "include", p.cfg.Matcher.Include)
		return
	}
	p.log.Info("resolved version", "version", version, "kind", descriptor.Describe(version))
}

// Resolve returns the version currently pinned in the descriptor.
func (p *Pipeline) Resolve(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, version, err := p.readDescriptor()
	return version, err
}

func (p *Pipeline) build(ctx context.Context, version string, res *Result) error {
	res.Version = version
	res.Output = p.deps.Builder.OutputPath()
	if p.cfg.DryRun {
		cmd, err := p.deps.Builder.Command(version, p.deps.Now().Format(gobuild.TimeLayout))
		if err != nil {
			return err
		}
		res.Command = cmd.String()
		p.log.Info("dry run: skipping build", "command", res.Command)
		return nil
	}
	p.log.Info("building core", "version", version, "output", res.Output)
	cmd, err := p.deps.Builder.Build(ctx, version)
	if cmd != nil {
		res.Command = cmd.String()
		p.log.Debug("build command", "command", res.Command)
	}
	return err
}

// BuildOnly builds the archive for the pinned version. When running in CI
// the manifest is synchronized once afterwards.
func (p *Pipeline) BuildOnly(ctx context.Context) (Result, error) {
	var res Result
	_, version, err := p.readDescriptor()
	if err != nil {
		return res, err
	}
	if err := p.build(ctx, version, &res); err != nil {
		return res, err
	}
	if !p.cfg.CI {
		p.log.Info("not running in CI, manifest left unchanged")
		return res, nil
	}
	if p.cfg.DryRun {
		p.log.Info("dry run: skipping manifest sync", "manifest", p.cfg.ManifestPath)
		return res, nil
	}

	md := manifest.Metadata{CoreVersion: version}
	if p.cfg.FullMetadata {
		if md, err = p.collect(ctx, version); err != nil {
			return res, err
		}
	}
	if err := p.sync(md); err != nil {
		return res, err
	}
	res.Synced = true
	return res, nil
}

// Upgrade pins identifier in place of the current version, reinstalls
// dependencies and builds the version they resolve to. The manifest is not
// touched.
func (p *Pipeline) Upgrade(ctx context.Context, identifier string) (Result, error) {
	var res Result
	if identifier == "" {
		return res, errors.New("upgrade: empty identifier")
	}
	f, current, err := p.readDescriptor()
	if err != nil {
		return res, err
	}
	res.PreviousVersion = current
	if current == descriptor.Unknown && p.cfg.Scope != descriptor.ScopeRecord {
		p.log.Warn("rewriting the literal version placeholder", "descriptor", f.Path, "token", current)
	}

	text, err := descriptor.Rewrite(p.cfg.Scope, string(f.Data), p.cfg.Matcher, current, identifier)
	if err != nil {
		return res, fmt.Errorf("upgrade: %w", err)
	}

	if p.cfg.DryRun {
		p.log.Info("dry run: skipping descriptor write and module reinstall",
			"descriptor", f.Path, "from", current, "to", identifier)
		rewritten, err := descriptor.Parse(nil, f.Path, []byte(text))
		if err != nil {
			return res, err
		}
		return res, p.build(ctx, rewritten.Version(p.cfg.Matcher), &res)
	}

	p.log.Info("rewriting descriptor", "descriptor", f.Path, "from", current, "to", identifier, "scope", p.cfg.Scope)
	if err := p.deps.FS.WriteFile(f.Path, []byte(text)); err != nil {
		return res, fmt.Errorf("write descriptor: %w", err)
	}

	p.log.Info("downloading modules")
	if err := p.deps.Modules.Download(ctx); err != nil {
		return res, err
	}
	p.log.Info("tidying modules")
	if err := p.deps.Modules.Tidy(ctx); err != nil {
		return res, err
	}

	_, version, err := p.readDescriptor()
	if err != nil {
		return res, err
	}
	return res, p.build(ctx, version, &res)
}

// Metadata collects the full build information for the pinned version
// without writing anything.
func (p *Pipeline) Metadata(ctx context.Context) (manifest.Metadata, error) {
	_, version, err := p.readDescriptor()
	if err != nil {
		return manifest.Metadata{}, err
	}
	return p.collect(ctx, version)
}

// SyncInfo writes the full build information into the manifest regardless
// of CI.
func (p *Pipeline) SyncInfo(ctx context.Context) (manifest.Metadata, error) {
	md, err := p.Metadata(ctx)
	if err != nil {
		return md, err
	}
	return md, p.sync(md)
}

func (p *Pipeline) collect(ctx context.Context, version string) (manifest.Metadata, error) {
	md, err := manifest.Collect(ctx, p.deps.VCS, p.cfg.GitDir, p.deps.Now(), version)
	if err != nil {
		return md, fmt.Errorf("collect build info: %w", err)
	}
	return md, nil
}

func (p *Pipeline) sync(md manifest.Metadata) error {
	p.log.Info("updating manifest", "manifest", p.cfg.ManifestPath, "coreVersion", md.CoreVersion)
	return manifest.Sync(p.deps.FS, p.cfg.ManifestPath, md)
}
