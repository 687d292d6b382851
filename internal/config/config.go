// Package config loads corebuild settings with Viper from corebuild.toml,
// COREBUILD_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/goplus/corebuild/internal/descriptor"
	"github.com/goplus/corebuild/internal/env"
	"github.com/goplus/corebuild/pkgs/buildsys/gobuild"
)

const (
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "corebuild"
	// EnvPrefix prefixes environment overrides, e.g. COREBUILD_BUILD_OUTPUT.
	EnvPrefix = "COREBUILD"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

type (
	// Config is the full corebuild configuration.
	Config struct {
		Descriptor DescriptorConfig `mapstructure:"descriptor" toml:"descriptor"`
		Manifest   ManifestConfig   `mapstructure:"manifest" toml:"manifest"`
		Build      BuildConfig      `mapstructure:"build" toml:"build"`
		Upgrade    UpgradeConfig    `mapstructure:"upgrade" toml:"upgrade"`
		Git        string           `mapstructure:"git" toml:"git"`
	}

	// DescriptorConfig locates the module descriptor and the managed
	// dependency's line in it.
	DescriptorConfig struct {
		Path    string `mapstructure:"path" toml:"path"`
		Include string `mapstructure:"include" toml:"include"`
		Exclude string `mapstructure:"exclude" toml:"exclude"`
	}

	// ManifestConfig locates the host application's property list.
	ManifestConfig struct {
		Path string `mapstructure:"path" toml:"path"`
		// FullMetadata adds branch, commit and build time to CI builds.
		FullMetadata bool `mapstructure:"full_metadata" toml:"full_metadata"`
		// GitDir is where branch and commit are queried.
		GitDir string `mapstructure:"git_dir" toml:"git_dir"`
	}

	// BuildConfig configures the toolchain invocation.
	BuildConfig struct {
		Go            string   `mapstructure:"go" toml:"go"`
		Package       string   `mapstructure:"package" toml:"package"`
		Output        string   `mapstructure:"output" toml:"output"`
		BuildMode     string   `mapstructure:"build_mode" toml:"build_mode"`
		VersionSymbol string   `mapstructure:"version_symbol" toml:"version_symbol"`
		TimeSymbol    string   `mapstructure:"time_symbol" toml:"time_symbol"`
		Env           []string `mapstructure:"env" toml:"env"`
	}

	// UpgradeConfig configures the upgrade workflow.
	UpgradeConfig struct {
		Identifier string `mapstructure:"identifier" toml:"identifier"`
		Scope      string `mapstructure:"scope" toml:"scope"`
	}

	// LoadOptions defines explicit configuration loading inputs.
	LoadOptions struct {
		// ConfigFilePath forces loading from a specific config file when set.
		ConfigFilePath string
		// SearchDirs overrides where corebuild.toml is looked for.
		SearchDirs []string
	}
)

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		Descriptor: DescriptorConfig{
			Path:    "go.mod",
			Include: "clash",
			Exclude: "ClashX",
		},
		Manifest: ManifestConfig{
			Path:   "../info.plist",
			GitDir: "",
		},
		Build: BuildConfig{
			Go:            "go",
			Output:        gobuild.DefaultOutput,
			BuildMode:     gobuild.DefaultBuildMode,
			VersionSymbol: gobuild.DefaultVersionSymbol,
			TimeSymbol:    gobuild.DefaultTimeSymbol,
			Env:           append([]string(nil), gobuild.DefaultEnv...),
		},
		Upgrade: UpgradeConfig{
			Identifier: "clashr",
			Scope:      string(descriptor.ScopeGlobal),
		},
		Git: "git",
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("descriptor.path", d.Descriptor.Path)
	v.SetDefault("descriptor.include", d.Descriptor.Include)
	v.SetDefault("descriptor.exclude", d.Descriptor.Exclude)
	v.SetDefault("manifest.path", d.Manifest.Path)
	v.SetDefault("manifest.full_metadata", d.Manifest.FullMetadata)
	v.SetDefault("manifest.git_dir", d.Manifest.GitDir)
	v.SetDefault("build.go", d.Build.Go)
	v.SetDefault("build.package", d.Build.Package)
	v.SetDefault("build.output", d.Build.Output)
	v.SetDefault("build.build_mode", d.Build.BuildMode)
	v.SetDefault("build.version_symbol", d.Build.VersionSymbol)
	v.SetDefault("build.time_symbol", d.Build.TimeSymbol)
	v.SetDefault("build.env", d.Build.Env)
	v.SetDefault("upgrade.identifier", d.Upgrade.Identifier)
	v.SetDefault("upgrade.scope", d.Upgrade.Scope)
	v.SetDefault("git", d.Git)
}

// Load reads the configuration. A missing config file is not an error; an
// explicitly requested one is.
func Load(opts LoadOptions) (*Config, string, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFilePath != "" {
		v.SetConfigFile(opts.ConfigFilePath)
	} else {
		v.SetConfigName(ConfigFileName)
		v.SetConfigType("toml")
		dirs := opts.SearchDirs
		if dirs == nil {
			dirs = []string{"."}
			if dir, err := env.ConfigDir(); err == nil {
				dirs = append(dirs, dir)
			}
		}
		for _, dir := range dirs {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFilePath != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, v.ConfigFileUsed(), nil
}

// Validate checks values Viper cannot type-check.
func (c *Config) Validate() error {
	if _, err := descriptor.ParseScope(c.Upgrade.Scope); err != nil {
		return fmt.Errorf("%w: upgrade.scope: %w", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(c.Descriptor.Include) == "" {
		return fmt.Errorf("%w: descriptor.include must not be empty", ErrInvalidConfig)
	}
	for _, kv := range c.Build.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return fmt.Errorf("%w: build.env entry %q is not KEY=VALUE", ErrInvalidConfig, kv)
		}
	}
	for name, val := range map[string]string{
		"descriptor.path": c.Descriptor.Path,
		"manifest.path":   c.Manifest.Path,
		"build.go":        c.Build.Go,
		"git":             c.Git,
	} {
		if strings.TrimSpace(val) == "" {
			return fmt.Errorf("%w: %s must not be empty", ErrInvalidConfig, name)
		}
	}
	return nil
}

// TOML renders c in config file syntax.
func (c *Config) TOML() ([]byte, error) {
	return toml.Marshal(c)
}
