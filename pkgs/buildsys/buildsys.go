package buildsys

import (
	"context"

	"github.com/goplus/corebuild/internal/run"
)

// BuildSystem captures what the pipeline needs from a toolchain helper.
type BuildSystem interface {
	// Command composes the invocation for version and a formatted build time
	// without running it.
	Command(version, buildTime string) (*run.Cmd, error)

	// Build stamps the current time and runs the toolchain to completion.
	Build(ctx context.Context, version string) (*run.Cmd, error)

	// Where the artifact lands.
	OutputPath() string
}
