package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSessionAndRelease(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := AcquireSession(tmpDir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(tmpDir, "LOCK"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "pid=")

	assert.NoError(t, l.Release())
}

func TestAcquireSessionTwiceFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := AcquireSession(tmpDir)
	require.NoError(t, err)
	defer func() { _ = l1.Release() }()

	_, err = AcquireSession(tmpDir)
	require.Error(t, err)

	var held *SessionHeldError
	require.True(t, errors.As(err, &held), "expected SessionHeldError, got %T", err)
	assert.Equal(t, os.Getpid(), held.PID)
}

func TestReleaseNilAndTwice(t *testing.T) {
	var nilLock *SessionLock
	assert.NoError(t, nilLock.Release())

	l, err := AcquireSession(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, l.Release())
	assert.NoError(t, l.Release())
}
