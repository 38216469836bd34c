package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigDir is the local state root: config file, workspaces and
// daemon logs all live below it.
func DefaultConfigDir() string {
	if v := os.Getenv("XREMOTE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".xremote")
}

func DefaultConfigPath() string {
	if v := os.Getenv("XREMOTE_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultConfigDir(), "config")
}
