package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindAll(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"b/launcher.ini", "a/launcher.ini", "a/deep/er/launcher.ini", "c/other.ini"} {
		full := filepath.Join(dir, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, nil, 0o644))
	}

	found, err := FindAll("launcher.ini", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a/deep/er/launcher.ini"),
		filepath.Join(dir, "a/launcher.ini"),
		filepath.Join(dir, "b/launcher.ini"),
	}, found)

	_, err = FindAll("launcher.ini", filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
