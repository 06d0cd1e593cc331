package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// expandHome expands a leading '~' to the user's home directory.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// ExpandPaths resolves '~' in the directory fields. Workers receive the
// resolved values, so this runs once in the launcher.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.RunDir, &c.ShmDir} {
		v, err := expandHome(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}
