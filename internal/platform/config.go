package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the project config file looked up by FindRoot.
	ConfigFileName = "tagmesh.yaml"

	// SecretRootEnv overrides the secret root of any config file.
	SecretRootEnv = "TAGMESH_SECRET_ROOT"
)

// FileConfig is the on-disk shape of tagmesh.yaml.
type FileConfig struct {
	Adapter        string            `yaml:"adapter,omitempty"`
	DataDir        string            `yaml:"data_dir,omitempty"`
	Format         string            `yaml:"format,omitempty"`
	History        bool              `yaml:"history,omitempty"`
	ServerURL      string            `yaml:"server_url,omitempty"`
	Username       string            `yaml:"username,omitempty"`
	Password       string            `yaml:"password,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	SecretRoot     string            `yaml:"secret_root,omitempty"`
	DocumentIDRoot string            `yaml:"document_id_root,omitempty"`
	SyncInterval   time.Duration     `yaml:"sync_interval,omitempty"`
}

// LoadConfig reads a config file. A missing file yields an empty config.
// The secret root from the environment wins over the file. A relative
// data_dir is resolved against the file's directory.
func LoadConfig(path string) (FileConfig, error) {
	var cfg FileConfig

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
			cfg.DataDir = filepath.Join(filepath.Dir(path), cfg.DataDir)
		}
	}

	if secret := os.Getenv(SecretRootEnv); secret != "" {
		cfg.SecretRoot = secret
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c FileConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Options maps the set fields onto functional options. Options passed after
// these override them.
func (c FileConfig) Options() []Option {
	var opts []Option
	if c.Adapter != "" {
		opts = append(opts, WithAdapter(c.Adapter))
	}
	if c.DataDir != "" {
		opts = append(opts, WithDataDir(c.DataDir))
	}
	if c.Format != "" {
		opts = append(opts, WithFormat(c.Format))
	}
	if c.History {
		opts = append(opts, WithHistory(true))
	}
	if c.ServerURL != "" {
		opts = append(opts, WithServerURL(c.ServerURL))
	}
	if c.Username != "" {
		opts = append(opts, WithCredentials(c.Username, c.Password))
	}
	if len(c.Headers) > 0 {
		opts = append(opts, WithHeaders(c.Headers))
	}
	if c.SecretRoot != "" {
		opts = append(opts, WithSecretRoot(c.SecretRoot))
	}
	if c.DocumentIDRoot != "" {
		opts = append(opts, WithDocumentIDRoot(c.DocumentIDRoot))
	}
	if c.SyncInterval > 0 {
		opts = append(opts, WithSyncInterval(c.SyncInterval))
	}
	return opts
}
