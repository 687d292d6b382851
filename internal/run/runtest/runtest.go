// Package runtest provides a recording run.Runner for tests.
package runtest

import (
	"context"
	"strings"
	"sync"

	"github.com/goplus/corebuild/internal/run"
)

// Recorder records every command it is asked to run. Outputs and errors are
// looked up by the command line "path arg1 arg2 ...".
type Recorder struct {
	mu      sync.Mutex
	Calls   []*run.Cmd
	Outputs map[string]string
	Errors  map[string]error
}

var _ run.Runner = (*Recorder)(nil)

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{
		Outputs: map[string]string{},
		Errors:  map[string]error{},
	}
}

// Key returns the lookup key for c.
func Key(c *run.Cmd) string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

func (r *Recorder) Run(ctx context.Context, c *run.Cmd) error {
	_, err := r.Output(ctx, c)
	return err
}

func (r *Recorder) Output(ctx context.Context, c *run.Cmd) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, c)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := Key(c)
	if err, ok := r.Errors[key]; ok {
		return "", err
	}
	return r.Outputs[key], nil
}

// Keys returns the keys of all recorded calls, in order.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		keys[i] = Key(c)
	}
	return keys
}
