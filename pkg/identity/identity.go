// Package identity derives the unguessable storage identifiers that stand in
// for access control: whoever can compute a subject's identifier can read and
// write its store, nobody else can find it by enumeration.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

const (
	// DefaultSecretRoot is the publicly known placeholder secret. Deployments
	// must override it.
	DefaultSecretRoot = "set_me_to_a_secret"

	// DefaultDocumentIDRoot is the default namespace prefix for store names.
	DefaultDocumentIDRoot = "tagmesh_metadata__"

	// SchemaSuffix is appended to the document id root to name the schema store.
	SchemaSuffix = "__schema"

	entityKeySeparator = ":"
)

// Config is the process-wide identity configuration. It is a plain value:
// build it once at startup and pass it to every repository.
type Config struct {
	// SecretRoot salts every derived identifier.
	SecretRoot string
	// DocumentIDRoot is the non-secret namespace prefix of store names.
	DocumentIDRoot string
}

// DefaultConfig returns the development configuration. It is usable but
// insecure until SecretRoot is overridden.
func DefaultConfig() Config {
	return Config{
		SecretRoot:     DefaultSecretRoot,
		DocumentIDRoot: DefaultDocumentIDRoot,
	}
}

// withDefaults fills empty fields.
func (c Config) withDefaults() Config {
	if c.SecretRoot == "" {
		c.SecretRoot = DefaultSecretRoot
	}
	if c.DocumentIDRoot == "" {
		c.DocumentIDRoot = DefaultDocumentIDRoot
	}
	return c
}

// IsDefaultSecret reports whether the secret root is still the public placeholder.
func (c Config) IsDefaultSecret() bool {
	return c.withDefaults().SecretRoot == DefaultSecretRoot
}

// SecretID returns the hex SHA-256 of "<secret root>-<subject id>".
func (c Config) SecretID(subjectID string) string {
	c = c.withDefaults()
	sum := sha256.Sum256([]byte(c.SecretRoot + "-" + subjectID))
	return hex.EncodeToString(sum[:])
}

// StorageID returns the subject store name: the document id root followed
// by the secret id.
func (c Config) StorageID(subjectID string) string {
	c = c.withDefaults()
	return c.DocumentIDRoot + c.SecretID(subjectID)
}

// SchemaStoreName returns the name of the store shared by every subject of
// the deployment.
func (c Config) SchemaStoreName() string {
	return c.withDefaults().DocumentIDRoot + SchemaSuffix
}

// Derive is shorthand for cfg.StorageID(subjectID).
func Derive(cfg Config, subjectID string) string {
	return cfg.StorageID(subjectID)
}

// WarnIfDefault logs a warning when the secret root was never configured.
// It reports whether the warning fired.
func WarnIfDefault(cfg Config, logger *slog.Logger) bool {
	if !cfg.IsDefaultSecret() {
		return false
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("repository secret root is set to the default publicly known value; "+
		"configure a secret value to make subject store identifiers unguessable",
		"default", DefaultSecretRoot)
	return true
}

// EntityKey returns the document key of an entity inside a subject store.
// It namespaces entities; it is not a security boundary.
func EntityKey(subjectID, entityID string) string {
	return subjectID + entityKeySeparator + entityID
}

// ParseEntityKey recovers the entity id from a document key written by
// EntityKey for the same subject.
func ParseEntityKey(subjectID, key string) (string, bool) {
	prefix := subjectID + entityKeySeparator
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return key[len(prefix):], true
}
