package platform

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindRoot looks upwards from startDir for a project root: a directory
// holding a tagmesh.yaml config file or a .tagmesh-data directory.
// It returns the absolute path to the root.
func FindRoot(startDir string) (string, error) {
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	dir := abs
	for {
		if hasFile(dir, ConfigFileName) || hasFile(dir, DefaultDataDir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("root not found")
}

func hasFile(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
