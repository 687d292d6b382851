// Package run executes external tools for the build pipeline.
package run

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Cmd describes one invocation of an external program. It is always executed
// with an explicit argument list, never through a shell.
type Cmd struct {
	Path string
	Args []string
	// Env holds KEY=VALUE overrides applied on top of the process environment.
	Env []string
	Dir string

	Stdout io.Writer
	Stderr io.Writer
}

// Command returns a Cmd for name with args.
func Command(name string, args ...string) *Cmd {
	return &Cmd{Path: name, Args: args}
}

// String renders c as a single shell-quoted line, for display only.
func (c *Cmd) String() string {
	var sb strings.Builder
	for _, kv := range c.Env {
		k, v, _ := strings.Cut(kv, "=")
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(quote(v))
		sb.WriteByte(' ')
	}
	sb.WriteString(quote(c.Path))
	for _, arg := range c.Args {
		sb.WriteByte(' ')
		sb.WriteString(quote(arg))
	}
	return sb.String()
}

func quote(s string) string {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return fmt.Sprintf("%q", s)
	}
	return q
}

// Runner runs commands to completion.
type Runner interface {
	// Run runs c, streaming its output to c.Stdout and c.Stderr.
	Run(ctx context.Context, c *Cmd) error
	// Output runs c and returns its standard output.
	Output(ctx context.Context, c *Cmd) (string, error)
}

// Exec is a Runner backed by os/exec.
type Exec struct{}

var _ Runner = Exec{}

func (Exec) Run(ctx context.Context, c *Cmd) error {
	cmd := c.exec(ctx)
	cmd.Stdout = c.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", c.Path, err)
	}
	return nil
}

func (Exec) Output(ctx context.Context, c *Cmd) (string, error) {
	cmd := c.exec(ctx)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s: %s: %w", c.Path, msg, err)
		}
		return "", fmt.Errorf("%s: %w", c.Path, err)
	}
	return stdout.String(), nil
}

func (c *Cmd) exec(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = MergeEnv(os.Environ(), c.Env)
	}
	return cmd
}

// MergeEnv applies KEY=VALUE overrides to base. The result is sorted by key.
func MergeEnv(base, override []string) []string {
	envMap := make(map[string]string, len(base)+len(override))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			envMap[k] = v
		}
	}
	for _, kv := range override {
		if k, v, ok := strings.Cut(kv, "="); ok {
			envMap[k] = v
		}
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+envMap[k])
	}
	return out
}
