// Package profile locates the on-disk state of a named account profile.
package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatsync, or $CHATSYNC_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SnapshotDBPath returns the warm-start snapshot database path.
func SnapshotDBPath(name string) string {
	return filepath.Join(Dir(name), "snapshot.db")
}

func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatsync.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
