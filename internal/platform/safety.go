package platform

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultDataDir is where local stores live when no directory is configured.
const DefaultDataDir = ".tagmesh-data"

// IsDevRun checks if the current process is running via `go run` or `go test`.
// It relies on the fact that these commands build binaries in temporary directories.
func IsDevRun() bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}

	tempDir := os.TempDir()
	if strings.HasPrefix(strings.ToLower(exe), strings.ToLower(tempDir)) {
		return true
	}

	if strings.HasSuffix(exe, ".test") || strings.HasSuffix(exe, ".test.exe") {
		return true
	}

	return false
}

// ResolveDataDir determines the directory local stores are opened in. When
// forceTemp is set, paths outside the system temp directory are re-rooted
// into a namespaced dev directory so development runs never touch real data.
func ResolveDataDir(userPath string, forceTemp bool) string {
	if !forceTemp {
		if userPath == "" {
			return DefaultDataDir
		}
		return userPath
	}

	// Paths already under the temp root (t.TempDir and friends) are trusted.
	cleanUserPath := filepath.Clean(userPath)
	rel, err := filepath.Rel(os.TempDir(), cleanUserPath)
	if err == nil && !strings.HasPrefix(rel, "..") {
		return cleanUserPath
	}

	subName := filepath.Base(cleanUserPath)
	if userPath == "" || subName == "." || subName == string(os.PathSeparator) {
		subName = "default"
	}
	return filepath.Join(os.TempDir(), "tagmesh-dev", subName)
}
