package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.campus, or $CAMPUS_HOME when set.
func BaseDir() string {
	if v := os.Getenv("CAMPUS_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".campus")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// LockPath returns the lock file path for a profile.
func LockPath(profile string) string {
	return filepath.Join(Dir(profile), "LOCK")
}

// CacheDBPath returns the campus.db cache path for a profile.
func CacheDBPath(profile string) string {
	return filepath.Join(Dir(profile), "campus.db")
}

// TokenPath returns the bearer-token file path for a profile.
func TokenPath(profile string) string {
	return filepath.Join(Dir(profile), "token")
}

// LogDir returns the log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(Dir(profile), "logs")
}

// LogPath returns the client log file path.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "campusd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with private permissions.
func EnsureDir(profile string) error {
	for _, d := range []string{Dir(profile), LogDir(profile)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
