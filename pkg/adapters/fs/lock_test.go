package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "write.lock")

	unlock, err := lockFile(context.Background(), path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = lockFile(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock, err = lockFile(context.Background(), path)
	require.NoError(t, err)
	unlock()
	assert.NoFileExists(t, path)
}

func TestLockFile_BreaksStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "write.lock")
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0644))
	old := time.Now().Add(-2 * staleLockAge)
	require.NoError(t, os.Chtimes(path, old, old))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err := lockFile(ctx, path)
	require.NoError(t, err)
	unlock()
}
