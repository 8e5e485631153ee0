package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultConfigPath returns the default config file path for name.
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	return ResolveConfigPath(runtime.GOOS, home, os.Getenv("ProgramData"), name)
}

// ResolveConfigPath constructs a config file path for the given OS and base
// directories.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "devgate", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		return filepath.Join(programData, "devgate", name)
	default:
		return filepath.Join("/etc", "devgate", name)
	}
}

// GetEnv returns the environment variable or def when unset.
func GetEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
