//go:build windows

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	programData := os.Getenv("ProgramData")
	exe, _ := os.Executable()
	return []string{
		"countermon.yaml",
		filepath.Join(filepath.Dir(exe), "countermon.yaml"),
		filepath.Join(programData, "CounterMon", "countermon.yaml"),
	}
}
