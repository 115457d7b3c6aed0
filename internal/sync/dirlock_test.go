package sync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockDataDir_Exclusive(t *testing.T) {
	dir := t.TempDir()

	release, err := lockDataDir(dir)
	require.NoError(t, err)

	_, err = lockDataDir(dir)
	assert.ErrorIs(t, err, ErrConcurrentSession)

	release()

	release2, err := lockDataDir(dir)
	require.NoError(t, err)
	release2()
}

func TestLockDataDir_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	release, err := lockDataDir(dir)
	require.NoError(t, err)
	defer release()

	assert.DirExists(t, dir)
}
