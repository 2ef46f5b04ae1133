package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataDirEnv points fedgate at a data directory other than the per-user one.
const DataDirEnv = "FEDGATE_DATA_DIR"

// DataDir is where fedgate keeps its config file and database when they are
// not in the working directory: $FEDGATE_DATA_DIR, else fedgate/ under the
// user config dir (~/.config/fedgate on Linux). It is created on demand.
func DataDir() (string, error) {
	dir := os.Getenv(DataDirEnv)
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("no user config directory: %w", err)
		}
		dir = filepath.Join(base, Name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath locates name for reading or creation. Absolute paths are
// used as given. A relative name found in the working directory wins;
// otherwise the path inside DataDir is returned whether or not it exists yet.
func ResolveFilePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	dir, err := DataDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}
