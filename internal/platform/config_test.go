package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Missing File Is Empty", func(t *testing.T) {
		t.Setenv(SecretRootEnv, "")
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), ConfigFileName))
		require.NoError(t, err)
		assert.Equal(t, FileConfig{}, cfg)
	})

	t.Run("Parses YAML", func(t *testing.T) {
		t.Setenv(SecretRootEnv, "")
		dir := t.TempDir()
		path := filepath.Join(dir, ConfigFileName)
		require.NoError(t, os.WriteFile(path, []byte(`
adapter: sqlite
data_dir: data
server_url: redis://localhost:6379/0
username: alice
password: secret
secret_root: from-file
sync_interval: 2s
`), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Adapter)
		assert.Equal(t, filepath.Join(dir, "data"), cfg.DataDir)
		assert.Equal(t, "redis://localhost:6379/0", cfg.ServerURL)
		assert.Equal(t, "from-file", cfg.SecretRoot)
		assert.Equal(t, 2*time.Second, cfg.SyncInterval)

		o := applyOptions(cfg.Options())
		assert.Equal(t, "sqlite", o.adapter)
		assert.Equal(t, "alice", o.username)
		assert.Equal(t, "from-file", o.identity.SecretRoot)
		assert.Equal(t, 2*time.Second, o.syncInterval)
	})

	t.Run("Environment Overrides Secret", func(t *testing.T) {
		t.Setenv(SecretRootEnv, "from-env")
		path := filepath.Join(t.TempDir(), ConfigFileName)
		require.NoError(t, os.WriteFile(path, []byte("secret_root: from-file\n"), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.SecretRoot)
	})

	t.Run("Rejects Malformed YAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		require.NoError(t, os.WriteFile(path, []byte("adapter: [unclosed\n"), 0o600))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("Save Round Trips", func(t *testing.T) {
		t.Setenv(SecretRootEnv, "")
		path := filepath.Join(t.TempDir(), ConfigFileName)
		want := FileConfig{Adapter: "fs", Format: "yaml", SecretRoot: "x", SyncInterval: time.Minute}
		require.NoError(t, want.Save(path))

		got, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestOptions_LaterOverrides(t *testing.T) {
	cfg := FileConfig{Adapter: "sqlite", SecretRoot: "file"}
	o := applyOptions(append(cfg.Options(), WithAdapter("memory")))
	assert.Equal(t, "memory", o.adapter)
	assert.Equal(t, "file", o.identity.SecretRoot)
	assert.Equal(t, "json", o.format, "defaults stay when unset")
}
