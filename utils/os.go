package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/storecast/workq/common"
)

const (
	workqDir    = "workq"
	workqDbFile = "workq.db"
	dbPathEnv   = "WORKQ_DB_PATH"
)

// GetOrCreateDBPath resolves the SQLite database file. WORKQ_DB_PATH wins when set;
// otherwise an existing database in one of the OS data directories is reused, and a new one
// goes to the first (preferred) of them.
func GetOrCreateDBPath() (string, error) {
	if explicit := os.Getenv(dbPathEnv); explicit != "" {
		return ensureDir(explicit)
	}

	candidates := candidateDBPaths(runtime.GOOS)
	if len(candidates) == 0 {
		return ensureDir(filepath.Join(workqDir, workqDbFile))
	}

	// the environment may have changed since the database was created, so look everywhere first
	var existing []string
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}

	switch len(existing) {
	case 0:
		return ensureDir(candidates[0])
	case 1:
		return existing[0], nil
	default:
		return "", fmt.Errorf("multiple database files found at: %v. Please remove duplicates manually", existing)
	}
}

// candidateDBPaths lists possible database locations for goos, preferred first.
func candidateDBPaths(goos string) []string {
	var dataDirs []string
	homeDir, _ := os.UserHomeDir()

	switch goos {
	case common.WindowsOS:
		dataDirs = append(dataDirs, os.Getenv("APPDATA"), os.Getenv("LOCALAPPDATA"), homeDir)
	case common.MacOS:
		if homeDir != "" {
			dataDirs = append(dataDirs, filepath.Join(homeDir, "Library", "Application Support"), homeDir)
		}
	case common.LinuxOS:
		dataDirs = append(dataDirs, os.Getenv("XDG_DATA_HOME"))
		if homeDir != "" {
			dataDirs = append(dataDirs, filepath.Join(homeDir, ".local", "share"), homeDir)
		}
	}

	var paths []string
	for _, dir := range dataDirs {
		if dir != "" {
			paths = append(paths, filepath.Join(dir, workqDir, workqDbFile))
		}
	}
	return paths
}

func ensureDir(dbPath string) (string, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return dbPath, nil
}
