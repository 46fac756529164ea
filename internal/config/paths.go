package config

import (
	"os"
	"path/filepath"
	"strings"
)

// expandPaths resolves a leading ~ in the file system settings.
func (c *Config) expandPaths() {
	c.DataDir = expandHome(c.DataDir)
	c.SensorsFile = expandHome(c.SensorsFile)
}

// expandHome replaces a leading ~ with the user's home directory.
// ~user forms are left alone.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
