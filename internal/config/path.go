package config

import (
	"os"
	"path/filepath"
)

const appDirName = "courier"

// DefaultDataDir returns the directory under which pebble:// transports with
// a relative path are stored. XDG_DATA_HOME wins, then the first existing
// system location, then a dotdir in the user's home directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}
	candidates := []struct{ parent, dir string }{
		{"/var/lib", filepath.Join("/var/lib", appDirName)},
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", "Courier")},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", "Courier")},
	}
	for _, c := range candidates {
		if isDir(c.parent) {
			return c.dir
		}
	}
	return filepath.Join(home, "."+appDirName)
}

// ResolveDir joins a relative dir onto DataDir. Absolute dirs are returned
// cleaned.
func (c Config) ResolveDir(dir string) string {
	if filepath.IsAbs(dir) || c.DataDir == "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(c.DataDir, dir)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
