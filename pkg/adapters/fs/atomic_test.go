package fs

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Run("Creates And Replaces", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "doc.json")

		require.NoError(t, writeFileAtomic(path, []byte(`{"_id":"a"}`), 0644))
		require.NoError(t, writeFileAtomic(path, []byte(`{"_id":"b"}`), 0644))

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.JSONEq(t, `{"_id":"b"}`, string(got))
	})

	t.Run("Applies Permissions", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission bits are not enforced on windows")
		}
		path := filepath.Join(t.TempDir(), "local.json")
		require.NoError(t, writeFileAtomic(path, []byte("{}"), 0600))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("Leaves No Temp Files", func(t *testing.T) {
		dir := t.TempDir()
		for range 3 {
			require.NoError(t, writeFileAtomic(filepath.Join(dir, "doc.json"), []byte("{}"), 0644))
		}

		matches, err := filepath.Glob(filepath.Join(dir, TempFilePrefix+"*"))
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("Fails Without Directory", func(t *testing.T) {
		err := writeFileAtomic(filepath.Join(t.TempDir(), "missing", "doc.json"), []byte("{}"), 0644)
		assert.Error(t, err)
	})
}

func TestIsTempFile(t *testing.T) {
	assert.True(t, isTempFile(filepath.Join("a", TempFilePrefix+"123")))
	assert.False(t, isTempFile("doc.json"))
}
