package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TempFilePrefix marks in-flight writes. Listings and the watcher skip them.
const TempFilePrefix = ".tagmesh-tmp-"

func isTempFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempFilePrefix)
}

// writeFileAtomic replaces filename with data through a synced temp file in
// the same directory, so readers see either the old or the new document.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(filename), TempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(filename), err)
	}
	name := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(name)
		}
	}()

	_, werr := tmp.Write(data)
	serr := tmp.Sync()
	cerr := tmp.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		return fmt.Errorf("write temp for %s: %w", filepath.Base(filename), err)
	}

	if err := os.Chmod(name, perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(name, filename); err != nil {
		return fmt.Errorf("replace %s: %w", filename, err)
	}
	return nil
}
