//go:build unix

package singleton

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seedkeeper/internal/apperrors"
)

func TestAcquire_SecondHolderRejected(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	defer first.Release()

	// flock is per open file description, so a second open in the same
	// process contends exactly like another process would.
	second, err := Acquire(path)
	require.Error(t, err)
	assert.Nil(t, second)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyRunning)
}

func TestAcquire_AfterRelease(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, second.Path())
	require.NoError(t, second.Release())
}

func TestAcquire_WritesPid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lock")

	g, err := Acquire(path)
	require.NoError(t, err)
	defer g.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))
}

func TestAcquire_MissingDirectory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "missing", "lock")

	_, err := Acquire(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStartupPrecondition)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
