// Package gomod reinstalls module dependencies after the descriptor changes.
package gomod

import (
	"context"
	"fmt"
	"io"

	"github.com/goplus/corebuild/internal/run"
)

// Tool runs `go mod` subcommands in a module directory.
type Tool struct {
	goBin  string
	dir    string
	runner run.Runner
	stdout io.Writer
	stderr io.Writer
}

// New returns a Tool running goBin in dir. An empty goBin means "go".
func New(goBin, dir string, runner run.Runner) *Tool {
	if goBin == "" {
		goBin = "go"
	}
	if runner == nil {
		runner = run.Exec{}
	}
	return &Tool{goBin: goBin, dir: dir, runner: runner}
}

// SetOutput sets where command output is streamed.
func (t *Tool) SetOutput(stdout, stderr io.Writer) {
	t.stdout = stdout
	t.stderr = stderr
}

// Download fetches every module in the build list.
func (t *Tool) Download(ctx context.Context) error {
	return t.mod(ctx, "download")
}

// Tidy reconciles go.mod and go.sum with the imported packages, resolving
// version queries to concrete versions.
func (t *Tool) Tidy(ctx context.Context) error {
	return t.mod(ctx, "tidy")
}

func (t *Tool) mod(ctx context.Context, sub string) error {
	cmd := run.Command(t.goBin, "mod", sub)
	cmd.Dir = t.dir
	cmd.Stdout = t.stdout
	cmd.Stderr = t.stderr
	if err := t.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("go mod %s: %w", sub, err)
	}
	return nil
}
