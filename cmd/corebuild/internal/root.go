package internal

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/goplus/corebuild/internal/config"
	"github.com/goplus/corebuild/internal/descriptor"
	"github.com/goplus/corebuild/internal/env"
	"github.com/goplus/corebuild/internal/fsys"
	"github.com/goplus/corebuild/internal/gomod"
	"github.com/goplus/corebuild/internal/manifest"
	"github.com/goplus/corebuild/internal/pipeline"
	"github.com/goplus/corebuild/internal/vcs"
	"github.com/goplus/corebuild/pkgs/buildsys/gobuild"
)

// ExitManifestEmpty is the exit status for an empty or unreadable manifest.
const ExitManifestEmpty = 255

var (
	// Version is the corebuild version (set via -ldflags).
	Version = "dev"

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "corebuild",
	Short: "corebuild builds the proxy core archive for the macOS client",
	Long: `corebuild resolves the core version pinned in go.mod, builds the core as a
static C archive with the version and build time linked in, and records build
information in the host application's Info.plist when running in CI.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./corebuild.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(Version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps err to a process exit status. A failed tool's own status is
// passed through.
func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, manifest.ErrEmpty) {
		return ExitManifestEmpty
	}
	var procErr *exec.ExitError
	if errors.As(err, &procErr) && procErr.ExitCode() > 0 {
		return procErr.ExitCode()
	}
	return 1
}

func newLogger(w io.Writer) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{Prefix: "corebuild"})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func loadConfig(logger *log.Logger) (*config.Config, error) {
	cfg, used, err := config.Load(config.LoadOptions{ConfigFilePath: cfgFile})
	if err != nil {
		return nil, err
	}
	if used != "" {
		logger.Debug("loaded config", "file", used)
	}
	return cfg, nil
}

// newPipeline wires the configured tools into a pipeline. Tool output goes
// to the command's output streams.
func newPipeline(cmd *cobra.Command, dryRun bool) (*pipeline.Pipeline, *config.Config, error) {
	logger := newLogger(cmd.ErrOrStderr())
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, err
	}
	scope, err := descriptor.ParseScope(cfg.Upgrade.Scope)
	if err != nil {
		return nil, nil, err
	}

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	moduleDir := filepath.Dir(cfg.Descriptor.Path)

	builder := gobuild.New(
		gobuild.WithGo(cfg.Build.Go),
		gobuild.WithOutput(stdout, stderr),
	).Dir(moduleDir).
		Package(cfg.Build.Package).
		Output(cfg.Build.Output).
		BuildMode(cfg.Build.BuildMode).
		Symbols(cfg.Build.VersionSymbol, cfg.Build.TimeSymbol).
		ResetEnv()
	for _, kv := range cfg.Build.Env {
		k, v, _ := strings.Cut(kv, "=")
		builder.Env(k, v)
	}

	mods := gomod.New(cfg.Build.Go, moduleDir, nil)
	mods.SetOutput(stdout, stderr)

	ci := env.InCI(os.LookupEnv)
	logger.Debug("environment", "ci", ci)

	p := pipeline.New(pipeline.Config{
		DescriptorPath: cfg.Descriptor.Path,
		ManifestPath:   cfg.Manifest.Path,
		Matcher:        descriptor.Matcher{Include: cfg.Descriptor.Include, Exclude: cfg.Descriptor.Exclude},
		Scope:          scope,
		CI:             ci,
		FullMetadata:   cfg.Manifest.FullMetadata,
		GitDir:         cfg.Manifest.GitDir,
		DryRun:         dryRun,
	}, pipeline.Deps{
		FS:      fsys.Dir(""),
		Builder: builder,
		Modules: mods,
		VCS:     vcs.NewGitVCS(vcs.WithGitPath(cfg.Git)),
		Logger:  logger,
	})
	return p, cfg, nil
}
