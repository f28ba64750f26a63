package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIni(t *testing.T, contents string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "machinekit.ini")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func TestReadMachinekitIni(t *testing.T) {
	mk, err := readMachinekitIni(writeIni(t, "[MACHINEKIT]\nMKUUID=a42c8c6b-4025-4f83-ba28-dad21114744a\nREMOTE=0\n"))
	require.NoError(t, err)
	assert.Equal(t, "a42c8c6b-4025-4f83-ba28-dad21114744a", mk.UUID)
	assert.False(t, mk.Remote)

	mk, err = readMachinekitIni(writeIni(t, "[MACHINEKIT]\nREMOTE=1\n"))
	require.NoError(t, err)
	assert.True(t, mk.Remote)
	assert.NotEmpty(t, mk.UUID)
}

func TestReadMachinekitIniErrors(t *testing.T) {
	_, err := readMachinekitIni(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)

	_, err = readMachinekitIni(writeIni(t, "[MACHINEKIT]\nMKUUID=nope\n"))
	assert.ErrorContains(t, err, "MKUUID")

	_, err = readMachinekitIni(writeIni(t, "[MACHINEKIT]\nREMOTE=maybe\n"))
	assert.ErrorContains(t, err, "REMOTE")
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Machinekit Launcher on 10.0.0.2", displayName("Machinekit Launcher", "10.0.0.2", false))
	assert.Equal(t, "Machinekit Launcher", displayName("Machinekit Launcher", "10.0.0.2", true))
}
