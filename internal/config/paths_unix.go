//go:build !windows

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		"countermon.yaml",
		filepath.Join(home, ".countermon", "countermon.yaml"),
		"/etc/countermon/countermon.yaml",
	}
}
