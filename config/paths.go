// Package config provides configuration management for gobucket.
package config

import (
	"os"
	"path/filepath"
)

const appName = "gobucket"

// Dir returns the gobucket config directory.
// Uses XDG_CONFIG_HOME/gobucket, defaulting to ~/.config/gobucket.
func Dir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the gobucket data directory holding the history journal.
// Uses XDG_DATA_HOME/gobucket, defaulting to ~/.local/share/gobucket.
func DataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// FilePath returns the default config file path.
func FilePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func xdgDir(env, fallback string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, fallback)
	}
	return filepath.Join(base, appName), nil
}
