// Package gobuild drives the Go toolchain to build the core as a static
// C archive, injecting version and build time through the linker.
package gobuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/goplus/corebuild/internal/run"
	"github.com/goplus/corebuild/pkgs/buildsys"
)

// TimeLayout formats the build time injected into the archive.
const TimeLayout = "2006-01-02-1504"

const (
	DefaultVersionSymbol = "github.com/Dreamacro/clash/constant.Version"
	DefaultTimeSymbol    = "github.com/Dreamacro/clash/constant.BuildTime"
	DefaultOutput        = "goClash.a"
	DefaultBuildMode     = "c-archive"
)

// DefaultEnv holds the minimum-platform flags for the C compiler and linker
// and the cgo switch passed with every build.
var DefaultEnv = []string{
	"CGO_CFLAGS=-mmacosx-version-min=10.12",
	"CGO_LDFLAGS=-mmacosx-version-min=10.10",
	"GOBUILD=CGO_ENABLED=0",
}

// ErrUnquotable reports a linker value that holds both quote characters and
// so cannot be passed through -ldflags intact.
var ErrUnquotable = errors.New("value cannot be quoted in -ldflags")

type envVar struct {
	key, value string
}

// GoBuild wraps `go build` with chainable configuration.
type GoBuild struct {
	goBin         string
	dir           string
	pkg           string
	output        string
	buildMode     string
	versionSymbol string
	timeSymbol    string
	env           []envVar
	extraFlags    []string

	runner run.Runner
	now    func() time.Time
	stdout io.Writer
	stderr io.Writer
}

var _ buildsys.BuildSystem = (*GoBuild)(nil)

// Option configures GoBuild.
type Option func(*GoBuild)

// WithGo sets a custom go executable path.
func WithGo(path string) Option {
	return func(g *GoBuild) {
		g.goBin = path
	}
}

// WithRunner sets the runner used to execute the toolchain.
func WithRunner(r run.Runner) Option {
	return func(g *GoBuild) {
		g.runner = r
	}
}

// WithClock sets the clock used to stamp the build time.
func WithClock(now func() time.Time) Option {
	return func(g *GoBuild) {
		g.now = now
	}
}

// WithOutput sets where toolchain output is streamed.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(g *GoBuild) {
		g.stdout = stdout
		g.stderr = stderr
	}
}

// New creates a GoBuild with the default archive settings.
func New(opts ...Option) *GoBuild {
	g := &GoBuild{
		goBin:         "go",
		output:        DefaultOutput,
		buildMode:     DefaultBuildMode,
		versionSymbol: DefaultVersionSymbol,
		timeSymbol:    DefaultTimeSymbol,
		runner:        run.Exec{},
		now:           time.Now,
	}
	for _, kv := range DefaultEnv {
		k, v, _ := strings.Cut(kv, "=")
		g.Env(k, v)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Env sets an environment override. Setting an existing key replaces its
// value in place.
func (g *GoBuild) Env(key, value string) {
	for i := range g.env {
		if g.env[i].key == key {
			g.env[i].value = value
			return
		}
	}
	g.env = append(g.env, envVar{key, value})
}

// ResetEnv drops every environment override, including the defaults.
func (g *GoBuild) ResetEnv() *GoBuild {
	g.env = nil
	return g
}

func (g *GoBuild) Dir(dir string) *GoBuild {
	g.dir = dir
	return g
}

func (g *GoBuild) Package(pkg string) *GoBuild {
	g.pkg = pkg
	return g
}

func (g *GoBuild) Output(path string) *GoBuild {
	g.output = path
	return g
}

func (g *GoBuild) BuildMode(mode string) *GoBuild {
	g.buildMode = mode
	return g
}

// Symbols sets the fully qualified variables that receive the version and the
// build time.
func (g *GoBuild) Symbols(version, buildTime string) *GoBuild {
	g.versionSymbol = version
	g.timeSymbol = buildTime
	return g
}

// Flags appends extra arguments to `go build`, before the package.
func (g *GoBuild) Flags(args ...string) *GoBuild {
	g.extraFlags = append(g.extraFlags, args...)
	return g
}

// OutputPath returns the archive path, relative to the build directory when
// not absolute.
func (g *GoBuild) OutputPath() string {
	if g.dir == "" || filepath.IsAbs(g.output) {
		return g.output
	}
	return filepath.Join(g.dir, g.output)
}

// LDFlags returns the -ldflags value injecting version and buildTime.
func (g *GoBuild) LDFlags(version, buildTime string) (string, error) {
	ver, err := quoteFlag(g.versionSymbol + "=" + version)
	if err != nil {
		return "", err
	}
	ts, err := quoteFlag(g.timeSymbol + "=" + buildTime)
	if err != nil {
		return "", err
	}
	return "-X " + ver + " -X " + ts, nil
}

func (g *GoBuild) Command(version, buildTime string) (*run.Cmd, error) {
	ldflags, err := g.LDFlags(version, buildTime)
	if err != nil {
		return nil, err
	}
	args := []string{"build", "-ldflags", ldflags}
	if g.buildMode != "" {
		args = append(args, "-buildmode="+g.buildMode)
	}
	if g.output != "" {
		args = append(args, "-o", g.output)
	}
	args = append(args, g.extraFlags...)
	if g.pkg != "" {
		args = append(args, g.pkg)
	}

	env := make([]string, 0, len(g.env))
	for _, e := range g.env {
		env = append(env, e.key+"="+e.value)
	}
	return &run.Cmd{
		Path:   g.goBin,
		Args:   args,
		Env:    env,
		Dir:    g.dir,
		Stdout: g.stdout,
		Stderr: g.stderr,
	}, nil
}

// Build runs the toolchain for version, stamped with the current time. A
// non-zero exit is returned as is; nothing is retried.
func (g *GoBuild) Build(ctx context.Context, version string) (*run.Cmd, error) {
	cmd, err := g.Command(version, g.now().Format(TimeLayout))
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", g.output, err)
	}
	if err := g.runner.Run(ctx, cmd); err != nil {
		return cmd, fmt.Errorf("build %s: %w", g.output, err)
	}
	return cmd, nil
}

// quoteFlag quotes one -X argument the way the go command splits -ldflags.
// Quotes cannot be escaped there, so s may not hold both kinds.
func quoteFlag(s string) (string, error) {
	switch {
	case !strings.ContainsAny(s, " \t\n\r'\""):
		return s, nil
	case !strings.Contains(s, "'"):
		return "'" + s + "'", nil
	case !strings.Contains(s, `"`):
		return `"` + s + `"`, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnquotable, s)
}
