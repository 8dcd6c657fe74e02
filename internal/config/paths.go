package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// DefaultStateDir returns the per-user state directory for the application,
// $XDG_STATE_HOME/my-tv on Linux and the platform equivalent elsewhere.
func DefaultStateDir() (string, error) {
	if xdg.StateHome == "" {
		return "", fmt.Errorf("no state directory available")
	}
	return filepath.Join(xdg.StateHome, AppName), nil
}

// SearchConfigFile looks for my-tv/config.yaml in the XDG config directories.
func SearchConfigFile() (string, error) {
	return xdg.SearchConfigFile(filepath.Join(AppName, ConfigFileName))
}

// EnsureDir creates dir with owner-only permissions if it does not exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
