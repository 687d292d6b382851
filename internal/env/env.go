package env

import (
	"os"
	"path/filepath"
	"strings"
)

// CIVars are the environment variables that signal a continuous-integration run.
var CIVars = []string{"CI", "GITHUB_ACTIONS"}

// ConfigDir returns the per-user directory searched for corebuild.toml.
func ConfigDir() (string, error) {
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userConfigDir, "corebuild"), nil
}

// Truthy reports whether an environment value switches a flag on: any
// non-empty value other than 0, false, no or off.
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// InCI reports whether any of CIVars is set to a truthy value. lookup is
// usually os.LookupEnv.
func InCI(lookup func(string) (string, bool)) bool {
	for _, key := range CIVars {
		if v, ok := lookup(key); ok && Truthy(v) {
			return true
		}
	}
	return false
}
