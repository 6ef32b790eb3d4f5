package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/storecast/workq/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateDBPath_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	t.Setenv("WORKQ_DB_PATH", path)

	got, err := GetOrCreateDBPath()
	require.NoError(t, err)
	assert.Equal(t, path, got)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCandidateDBPaths_Linux(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "xdg"))

	paths := candidateDBPaths(common.LinuxOS)

	assert.Equal(t, []string{
		filepath.Join(home, "xdg", "workq", "workq.db"),
		filepath.Join(home, ".local", "share", "workq", "workq.db"),
		filepath.Join(home, "workq", "workq.db"),
	}, paths)
}

func TestCandidateDBPaths_UnknownOS(t *testing.T) {
	assert.Empty(t, candidateDBPaths("plan9"))
}
